/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Mar 15 09:31:40 2018 mstenber
 * Last modified: Sat Mar 31 16:02:19 2018 mstenber
 * Edit time:     214 min
 *
 */

// tefs is a tiny embedded file system for page-addressable block
// storage. Files are named, support random page-granular read and
// append-at-end write, and are indexed by a two-level block index.
// The directory is kept in two internal files on the device itself,
// bootstrapped from the information page.
package tefs

import (
	"encoding/binary"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
)

const (
	checkFlag = 0xFC

	// infoSectionSize is the number of pages before the state
	// section (just the information page).
	infoSectionSize = 1

	StatusEmpty   = 0
	StatusDeleted = 1
	StatusInUse   = 2

	// internalDirectoryPage marks a handle whose size updates go
	// directly to the information page.
	internalDirectoryPage = 0xFFFFFFFF

	// Information page offsets of the two internal file entries.
	// Each entry is eof_page(4) + eof_byte(2) + root address(4).
	infoHashFileBase     = 20
	infoMetadataFileBase = 30

	// Metadata record offsets.
	dirStatusOffset  = 0
	dirEofPageOffset = 1
	dirEofByteOffset = 5
	dirRootOffset    = 7
	dirNameOffset    = 11
)

// FS is the mount state: the format parameters loaded from the
// information page, the allocator cursor, and the two internal file
// handles the directory lives in.
type FS struct {
	dev device.Device

	numberOfPages   uint32
	pageSize        int
	pageSizeExp     uint
	blockSize       uint32
	blockSizeExp    uint
	addressSize     int
	addressSizeExp  uint
	hashSize        int
	metadataSize    int
	maxFileNameSize int

	// stateSectionSize is S, in pages.
	stateSectionSize uint32

	// addressesPerBlock is the number of index entries one block
	// holds.
	addressesPerBlock    uint32
	addressesPerBlockExp uint

	stateSectionBit uint32
	blockPoolEmpty  bool

	hashEntries File
	metadata    File
}

// Mount reads the information page, verifies the check flag, and
// initializes the mount state including the two internal directory
// files and the allocator cursor.
func Mount(dev device.Device) (*FS, error) {
	header := make([]byte, 40)
	if err := dev.Read(0, header, 0); err != nil {
		return nil, err
	}
	for i := 0; i < 4; i++ {
		if header[i] != checkFlag {
			return nil, ErrNotFormatted
		}
	}
	self := &FS{dev: dev}
	self.numberOfPages = binary.LittleEndian.Uint32(header[4:])
	self.pageSizeExp = uint(header[8])
	self.blockSizeExp = uint(header[9])
	self.addressSizeExp = uint(header[10])
	self.hashSize = int(header[11])
	self.metadataSize = int(binary.LittleEndian.Uint16(header[12:]))
	self.maxFileNameSize = int(binary.LittleEndian.Uint16(header[14:]))
	self.stateSectionSize = binary.LittleEndian.Uint32(header[16:])
	self.deriveSizes()
	mlog.Printf2("tefs/tefs", "Mount pages:%d P:%d B:%d A:%d S:%d",
		self.numberOfPages, self.pageSize, self.blockSize,
		self.addressSize, self.stateSectionSize)
	if err := self.initInternalFile(&self.hashEntries, infoHashFileBase, header); err != nil {
		return nil, err
	}
	if err := self.initInternalFile(&self.metadata, infoMetadataFileBase, header); err != nil {
		return nil, err
	}
	self.stateSectionBit = 0
	self.blockPoolEmpty = false
	if err := self.findNextFreeBlock(); err != nil {
		return nil, err
	}
	return self, nil
}

func (self *FS) deriveSizes() {
	self.pageSize = 1 << self.pageSizeExp
	self.blockSize = 1 << self.blockSizeExp
	self.addressSize = 1 << self.addressSizeExp
	self.addressesPerBlockExp = self.pageSizeExp + self.blockSizeExp - self.addressSizeExp
	self.addressesPerBlock = 1 << self.addressesPerBlockExp
}

func (self *FS) initInternalFile(f *File, base int, header []byte) error {
	f.fs = self
	f.directoryPage = internalDirectoryPage
	f.directoryByte = base
	f.eofPage = binary.LittleEndian.Uint32(header[base:])
	f.eofByte = int(binary.LittleEndian.Uint16(header[base+4:]))
	f.rootIndexBlockAddress = binary.LittleEndian.Uint32(header[base+6:])
	f.twoLevel = f.eofPage >= self.oneLevelPages()
	f.sizeConsistent = true
	return f.primeCache()
}

// dataSectionStart is the device page the first block lives at.
func (self *FS) dataSectionStart() uint32 {
	return infoSectionSize + self.stateSectionSize
}

// stateSectionBytes is the number of valid bytes in the state
// section bitmap.
func (self *FS) stateSectionBytes() uint32 {
	return (self.numberOfPages - infoSectionSize) >> (self.blockSizeExp + 3)
}

// oneLevelPages is the eof_page limit of a one-level file: one child
// index block worth of data blocks, blockSize pages each.
func (self *FS) oneLevelPages() uint32 {
	return self.addressesPerBlock << self.blockSizeExp
}

func (self *FS) maxFilePages() uint64 {
	apb := uint64(self.addressesPerBlock)
	return apb * apb * uint64(self.blockSize)
}

func (self *FS) decodeAddress(buf []byte) uint32 {
	if self.addressSize == 2 {
		return uint32(binary.LittleEndian.Uint16(buf))
	}
	return binary.LittleEndian.Uint32(buf)
}

func (self *FS) readAddress(page uint32, byteOffset int) (uint32, error) {
	buf := make([]byte, self.addressSize)
	if err := self.dev.Read(page, buf, byteOffset); err != nil {
		return 0, err
	}
	return self.decodeAddress(buf), nil
}

func (self *FS) writeAddress(page uint32, byteOffset int, addr uint32, noReadback bool) error {
	buf := make([]byte, self.addressSize)
	if self.addressSize == 2 {
		binary.LittleEndian.PutUint16(buf, uint16(addr))
	} else {
		binary.LittleEndian.PutUint32(buf, addr)
	}
	return self.dev.Write(page, buf, byteOffset, noReadback)
}

// indexCoords maps a logical file page to its index coordinates.
func (self *FS) indexCoords(p uint32) (pageInRoot uint32, byteInRoot int, pageInChild uint32, byteInChild int) {
	childNo := p >> (self.blockSizeExp + self.addressesPerBlockExp)
	pageInRoot = childNo >> (self.pageSizeExp - self.addressSizeExp)
	byteInRoot = int((childNo << self.addressSizeExp) & uint32(self.pageSize-1))
	blockInChild := (p >> self.blockSizeExp) & (self.addressesPerBlock - 1)
	pageInChild = blockInChild >> (self.pageSizeExp - self.addressSizeExp)
	byteInChild = int((blockInChild << self.addressSizeExp) & uint32(self.pageSize-1))
	return
}

// PageSize returns the page size of the mounted filesystem.
func (self *FS) PageSize() int {
	return self.pageSize
}

// syncDirectorySizes writes through the internal files' sizes to the
// information page if they have changed.
func (self *FS) syncDirectorySizes() error {
	if !self.hashEntries.sizeConsistent {
		if err := self.hashEntries.updateFileSize(); err != nil {
			return err
		}
	}
	if !self.metadata.sizeConsistent {
		if err := self.metadata.updateFileSize(); err != nil {
			return err
		}
	}
	return nil
}

// Flush persists directory sizes and asks the device to flush.
func (self *FS) Flush() error {
	if err := self.syncDirectorySizes(); err != nil {
		return err
	}
	return self.dev.Flush()
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name string
	Size uint64
}

// List enumerates the in-use files on the filesystem.
func (self *FS) List() ([]FileInfo, error) {
	result := []FileInfo{}
	buf := make([]byte, dirNameOffset+self.maxFileNameSize)
	var page uint32
	var ofs int
	for {
		err := self.metadata.Read(page, buf, ofs)
		if err == ErrEOF {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		if buf[dirStatusOffset] == StatusInUse {
			eofPage := binary.LittleEndian.Uint32(buf[dirEofPageOffset:])
			eofByte := binary.LittleEndian.Uint16(buf[dirEofByteOffset:])
			result = append(result, FileInfo{
				Name: decodeName(buf[dirNameOffset:], self.maxFileNameSize),
				Size: uint64(eofPage)*uint64(self.pageSize) + uint64(eofByte)})
		}
		if ofs+2*self.metadataSize > self.pageSize {
			page++
			ofs = 0
		} else {
			ofs += self.metadataSize
		}
	}
}

// Exists returns whether the named file is present.
func (self *FS) Exists(name string) (bool, error) {
	if len(name) > self.maxFileNameSize {
		return false, ErrFileNameTooLong
	}
	_, _, err := self.findDirectoryEntry(name, false)
	if err == ErrFileNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func decodeName(buf []byte, max int) string {
	n := max
	for i := 0; i < max; i++ {
		if buf[i] == 0 {
			n = i
			break
		}
	}
	return string(buf[:n])
}
