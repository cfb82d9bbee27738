/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr  4 09:31:12 2018 mstenber
 * Last modified: Thu Apr  5 12:07:46 2018 mstenber
 * Edit time:     88 min
 *
 */

// stdio provides byte-stream semantics on top of the page-granular
// file API: open modes, sequential read/write spanning pages, seek
// and tell. A thin layer; all the real work happens below.
package stdio

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/mlog"
	"github.com/fingon/go-tefs/tefs"
)

// File is a byte-stream handle with a position.
type File struct {
	fs       *tefs.FS
	f        *tefs.File
	position uint64
	eof      bool
}

// Open opens name in the given mode. Modes follow the C stdio
// convention: "r"/"r+" require the file to exist, "w"/"w+" truncate,
// "a"/"a+" position at the end of file. A "b" suffix is accepted and
// ignored.
func Open(fs *tefs.FS, name, mode string) (*File, error) {
	base := strings.Replace(strings.Replace(mode, "b", "", -1), "+", "", -1)
	mlog.Printf2("stdio/stdio", "Open %s mode:%s", name, mode)
	switch base {
	case "r":
		exists, err := fs.Exists(name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, tefs.ErrFileNotFound
		}
	case "w":
		exists, err := fs.Exists(name)
		if err != nil {
			return nil, err
		}
		if exists {
			if err = fs.Remove(name); err != nil {
				return nil, err
			}
		}
	case "a":
	default:
		return nil, errors.Errorf("invalid open mode %q", mode)
	}
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	self := &File{fs: fs, f: f}
	if base == "a" {
		self.position = f.Size()
		self.eof = true
	}
	return self, nil
}

func (self *File) pageOffset() (page uint32, ofs int) {
	pageSize := uint64(self.fs.PageSize())
	return uint32(self.position / pageSize), int(self.position % pageSize)
}

// Read fills p from the current position, up to the end of file.
// Returns io.EOF once the position is at the end.
func (self *File) Read(p []byte) (int, error) {
	remaining := self.f.Size() - self.position
	if remaining == 0 {
		self.eof = true
		return 0, io.EOF
	}
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	done := 0
	for done < len(p) {
		page, ofs := self.pageOffset()
		chunk := self.fs.PageSize() - ofs
		if chunk > len(p)-done {
			chunk = len(p) - done
		}
		if err := self.f.Read(page, p[done:done+chunk], ofs); err != nil {
			return done, err
		}
		done += chunk
		self.position += uint64(chunk)
	}
	if self.position == self.f.Size() {
		self.eof = true
	}
	return done, nil
}

// Write stores p at the current position. Writing at the end of
// file extends it.
func (self *File) Write(p []byte) (int, error) {
	done := 0
	for done < len(p) {
		page, ofs := self.pageOffset()
		chunk := self.fs.PageSize() - ofs
		if chunk > len(p)-done {
			chunk = len(p) - done
		}
		if err := self.f.Write(page, p[done:done+chunk], ofs); err != nil {
			return done, err
		}
		done += chunk
		self.position += uint64(chunk)
	}
	return done, nil
}

// Seek moves the position. Seeking past the end of file is not
// possible; io.SeekEnd with a non-positive offset addresses the
// tail.
func (self *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(self.position)
	case io.SeekEnd:
		base = int64(self.f.Size())
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 || uint64(pos) > self.f.Size() {
		return int64(self.position), errors.Errorf("seek target %d out of range", pos)
	}
	self.position = uint64(pos)
	self.eof = self.position == self.f.Size()
	return pos, nil
}

// Tell returns the current position.
func (self *File) Tell() int64 {
	return int64(self.position)
}

// Rewind moves the position back to the start.
func (self *File) Rewind() {
	self.position = 0
	self.eof = false
}

// EOF reports whether the position is at the end of file.
func (self *File) EOF() bool {
	return self.eof
}

// Size returns the file size in bytes.
func (self *File) Size() uint64 {
	return self.f.Size()
}

func (self *File) Flush() error {
	return self.f.Flush()
}

func (self *File) Close() error {
	return self.f.Close()
}
