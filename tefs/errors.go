/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Mar 15 09:10:12 2018 mstenber
 * Last modified: Thu Mar 29 08:44:31 2018 mstenber
 * Edit time:     9 min
 *
 */

package tefs

import "errors"

var (
	// ErrDeviceFull means the allocator has no free blocks left.
	ErrDeviceFull = errors.New("tefs: device full")

	// ErrFileFull means the file's block index is exhausted.
	ErrFileFull = errors.New("tefs: file full")

	// ErrFileNotFound means a lookup in non-create mode failed.
	ErrFileNotFound = errors.New("tefs: file not found")

	// ErrUnreleasedBlock means an index entry that should point at
	// a live block does not.
	ErrUnreleasedBlock = errors.New("tefs: unreleased block")

	// ErrNotFormatted means the check flag did not match at mount.
	ErrNotFormatted = errors.New("tefs: device not formatted")

	// ErrWritePastEnd means the write target is past the end of
	// file.
	ErrWritePastEnd = errors.New("tefs: write past end of file")

	// ErrEOF means the read target is past the end of file.
	ErrEOF = errors.New("tefs: end of file")

	// ErrFileNameTooLong means the name exceeds the formatted
	// maximum.
	ErrFileNameTooLong = errors.New("tefs: file name too long")
)
