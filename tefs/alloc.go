/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 09:05:28 2018 mstenber
 * Last modified: Sat Mar 31 16:18:33 2018 mstenber
 * Edit time:     71 min
 *
 */

package tefs

import (
	"github.com/fingon/go-tefs/mlog"
)

// Block allocator. One bit per block in the state section, 1 = free,
// MSB first within a byte. stateSectionBit is a cursor at the lowest
// bit believed to be 1.

func (self *FS) stateBitLocation(bit uint32) (page uint32, byteOffset int, mask byte) {
	byteNo := bit >> 3
	page = infoSectionSize + (byteNo >> self.pageSizeExp)
	byteOffset = int(byteNo & uint32(self.pageSize-1))
	mask = byte(1) << (7 - bit&7)
	return
}

// reserveBlock clears the bit at the cursor and returns the address
// of the corresponding block, then advances the cursor to the next
// free bit.
func (self *FS) reserveBlock() (uint32, error) {
	var b [1]byte
	for {
		if self.blockPoolEmpty {
			return 0, ErrDeviceFull
		}
		bit := self.stateSectionBit
		page, ofs, mask := self.stateBitLocation(bit)
		if err := self.dev.Read(page, b[:], ofs); err != nil {
			return 0, err
		}
		if b[0]&mask == 0 {
			// Cursor out of sync with the bitmap; rescan.
			if err := self.findNextFreeBlock(); err != nil {
				return 0, err
			}
			continue
		}
		b[0] &^= mask
		if err := self.dev.Write(page, b[:], ofs, false); err != nil {
			return 0, err
		}
		addr := self.dataSectionStart() + (bit << self.blockSizeExp)
		self.stateSectionBit = bit + 1
		if err := self.findNextFreeBlock(); err != nil {
			return 0, err
		}
		mlog.Printf2("tefs/alloc", "fs.reserveBlock bit:%d addr:%d", bit, addr)
		return addr, nil
	}
}

// releaseBlock sets the bit for the given block address. Redundant
// releases are fine.
func (self *FS) releaseBlock(addr uint32) error {
	bit := (addr - self.dataSectionStart()) >> self.blockSizeExp
	page, ofs, mask := self.stateBitLocation(bit)
	var b [1]byte
	if err := self.dev.Read(page, b[:], ofs); err != nil {
		return err
	}
	if b[0]&mask != 0 {
		return nil
	}
	b[0] |= mask
	if err := self.dev.Write(page, b[:], ofs, false); err != nil {
		return err
	}
	mlog.Printf2("tefs/alloc", "fs.releaseBlock bit:%d addr:%d", bit, addr)
	if bit < self.stateSectionBit {
		self.stateSectionBit = bit
		self.blockPoolEmpty = false
	}
	return nil
}

// findNextFreeBlock advances the cursor to the next 1-bit at or
// after its current position, or sets blockPoolEmpty.
func (self *FS) findNextFreeBlock() error {
	stateBytes := self.stateSectionBytes()
	buf := make([]byte, self.pageSize)
	bufPage := uint32(0)
	startBit := self.stateSectionBit & 7
	for byteNo := self.stateSectionBit >> 3; byteNo < stateBytes; byteNo++ {
		page := infoSectionSize + (byteNo >> self.pageSizeExp)
		if page != bufPage {
			if err := self.dev.Read(page, buf, 0); err != nil {
				return err
			}
			bufPage = page
		}
		b := buf[byteNo&uint32(self.pageSize-1)]
		for i := startBit; i < 8; i++ {
			if b&(byte(0x80)>>i) != 0 {
				self.stateSectionBit = byteNo<<3 + i
				return nil
			}
		}
		startBit = 0
	}
	self.stateSectionBit = stateBytes << 3
	self.blockPoolEmpty = true
	mlog.Printf2("tefs/alloc", "fs.findNextFreeBlock pool empty")
	return nil
}

// eraseBlock zero-fills a freshly reserved block. Used for index
// blocks whose entries must read as empty.
func (self *FS) eraseBlock(addr uint32) error {
	zero := make([]byte, self.pageSize)
	for i := uint32(0); i < self.blockSize; i++ {
		if err := self.dev.Write(addr+i, zero, 0, true); err != nil {
			return err
		}
	}
	return nil
}
