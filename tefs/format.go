/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Mar 15 13:12:09 2018 mstenber
 * Last modified: Sat Mar 31 16:11:47 2018 mstenber
 * Edit time:     96 min
 *
 */

package tefs

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
)

// FormatConfig holds the parameters Format writes into the
// information page.
type FormatConfig struct {
	// NumberOfPages is the device size in pages.
	NumberOfPages uint32

	// PageSize in bytes; power of two.
	PageSize int

	// BlockSize in pages; power of two.
	BlockSize uint32

	// HashSize is the directory hash slot width; 2 or 4.
	HashSize int

	// MetadataSize is the directory record width; power of two, at
	// most PageSize.
	MetadataSize int

	// MaxFileNameSize is the fixed name field width.
	MaxFileNameSize int

	// EraseFirst makes format erase the whole device first.
	EraseFirst bool
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func log2(v uint32) uint {
	e := uint(0)
	for v > 1 {
		v >>= 1
		e++
	}
	return e
}

func (self *FormatConfig) validate() error {
	if !isPowerOfTwo(uint32(self.PageSize)) {
		return errors.Errorf("page size %d not a power of two", self.PageSize)
	}
	if !isPowerOfTwo(self.BlockSize) {
		return errors.Errorf("block size %d not a power of two", self.BlockSize)
	}
	if self.HashSize != 2 && self.HashSize != 4 {
		return errors.Errorf("hash size %d not 2 or 4", self.HashSize)
	}
	if !isPowerOfTwo(uint32(self.MetadataSize)) || self.MetadataSize > self.PageSize {
		return errors.Errorf("metadata size %d invalid", self.MetadataSize)
	}
	if self.MetadataSize < dirNameOffset+self.MaxFileNameSize {
		return errors.Errorf("metadata size %d too small for %d byte names",
			self.MetadataSize, self.MaxFileNameSize)
	}
	return nil
}

// Format initializes the device: writes the information page, seeds
// the two internal directory files, and writes the free-block
// bitmap. Afterwards Mount succeeds and sees two zero-length
// internal files.
func Format(dev device.Device, config FormatConfig) error {
	if err := config.validate(); err != nil {
		return err
	}
	self := &FS{dev: dev}
	self.numberOfPages = config.NumberOfPages
	self.pageSizeExp = log2(uint32(config.PageSize))
	self.blockSizeExp = log2(config.BlockSize)
	if config.NumberOfPages < 1<<16 {
		self.addressSizeExp = 1
	} else {
		self.addressSizeExp = 2
	}
	self.hashSize = config.HashSize
	self.metadataSize = config.MetadataSize
	self.maxFileNameSize = config.MaxFileNameSize
	self.deriveSizes()

	stateBytes := self.stateSectionBytes()
	self.stateSectionSize = ((stateBytes - 1) >> self.pageSizeExp) + 1
	dataStart := self.dataSectionStart()
	if config.NumberOfPages < dataStart+4*self.blockSize {
		return errors.Errorf("device of %d pages too small", config.NumberOfPages)
	}
	mlog.Printf2("tefs/format", "Format pages:%d P:%d B:%d A:%d S:%d",
		self.numberOfPages, self.pageSize, self.blockSize,
		self.addressSize, self.stateSectionSize)

	if config.EraseFirst {
		if err := dev.EraseRange(0, config.NumberOfPages-1); err != nil {
			return err
		}
	}

	// The first four blocks bootstrap the directory: child index +
	// first data block for the hash file, then the same for the
	// metadata file.
	info := make([]byte, self.pageSize)
	for i := 0; i < 4; i++ {
		info[i] = checkFlag
	}
	binary.LittleEndian.PutUint32(info[4:], self.numberOfPages)
	info[8] = byte(self.pageSizeExp)
	info[9] = byte(self.blockSizeExp)
	info[10] = byte(self.addressSizeExp)
	info[11] = byte(self.hashSize)
	binary.LittleEndian.PutUint16(info[12:], uint16(self.metadataSize))
	binary.LittleEndian.PutUint16(info[14:], uint16(self.maxFileNameSize))
	binary.LittleEndian.PutUint32(info[16:], self.stateSectionSize)
	for i := uint32(0); i < 2; i++ {
		base := infoHashFileBase + 10*int(i)
		child := dataStart + 2*i*self.blockSize
		binary.LittleEndian.PutUint32(info[base+6:], child)
	}
	if err := dev.Write(0, info, 0, true); err != nil {
		return err
	}

	for i := uint32(0); i < 2; i++ {
		child := dataStart + 2*i*self.blockSize
		data := child + self.blockSize
		if err := self.eraseBlock(child); err != nil {
			return err
		}
		if err := self.writeAddress(child, 0, data, false); err != nil {
			return err
		}
	}

	// State section: all free, except the first four blocks.
	state := make([]byte, self.pageSize)
	for sp := uint32(0); sp < self.stateSectionSize; sp++ {
		valid := int(stateBytes) - int(sp)*self.pageSize
		if valid > self.pageSize {
			valid = self.pageSize
		}
		for i := 0; i < self.pageSize; i++ {
			if i < valid {
				state[i] = 0xFF
			} else {
				state[i] = 0
			}
		}
		if sp == 0 {
			state[0] = 0x0F
		}
		if err := dev.Write(infoSectionSize+sp, state, 0, true); err != nil {
			return err
		}
	}
	return dev.Flush()
}
