/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Mar 13 09:34:02 2018 mstenber
 * Last modified: Tue Mar 27 14:18:50 2018 mstenber
 * Edit time:     41 min
 *
 */

// device defines the page-addressed block device the filesystem core
// sits on, and the shared configuration plumbing the concrete
// backends (inmemory, file, bolt, badger) build on.
package device

const DefaultPageSize = 512

// Config describes the shared device configuration.
type Config struct {
	// Directory is where backends that persist to disk keep their
	// state.
	Directory string

	// PageSize is the size of one page in bytes; power of two.
	// Defaults to DefaultPageSize if not set.
	PageSize int

	// PageCount is the number of pages the device exposes.
	PageCount uint32
}

// Device is a page-addressed store. Reads and writes may address a
// sub-range of a page via byteOffset. Writes are durable only after
// Flush.
type Device interface {
	// Init sets up the device from the given configuration.
	Init(config Config)

	// Close releases the resources backing the device.
	Close()

	// Read fills buf with len(buf) bytes from the given page,
	// starting at byteOffset. Pages never written read as zeroes.
	Read(page uint32, buf []byte, byteOffset int) error

	// Write stores data to the given page at byteOffset. If
	// noReadback is set, the caller guarantees the rest of the page
	// content does not matter and the backend may skip merging with
	// the old content.
	Write(page uint32, data []byte, byteOffset int, noReadback bool) error

	// Flush makes all previous writes durable.
	Flush() error

	// EraseRange zeroes pages firstPage..lastPage inclusive.
	EraseRange(firstPage, lastPage uint32) error

	// PageCount returns the number of pages on the device.
	PageCount() uint32

	// PageSize returns the size of one page in bytes.
	PageSize() int
}

// ConfigBase provides the configuration boilerplate the concrete
// backends embed.
type ConfigBase struct {
	Config
}

func (self *ConfigBase) Init(config Config) {
	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}
	self.Config = config
}

func (self *ConfigBase) PageCount() uint32 {
	return self.Config.PageCount
}

func (self *ConfigBase) PageSize() int {
	return self.Config.PageSize
}
