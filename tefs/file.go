/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 14:02:33 2018 mstenber
 * Last modified: Sun Apr  1 19:21:05 2018 mstenber
 * Edit time:     241 min
 *
 */

package tefs

import (
	"encoding/binary"

	"github.com/fingon/go-tefs/mlog"
)

const invalidBlockNumber = 0xFFFFFFFF

// File is an open file handle: the directory position, the cached
// index pointers, and the size. Two simultaneous handles to the same
// file are not supported.
type File struct {
	fs   *FS
	name string

	// directoryPage/directoryByte locate the metadata record, or
	// the information page entry for internal files.
	directoryPage uint32
	directoryByte int

	eofPage uint32
	eofByte int

	rootIndexBlockAddress  uint32
	childIndexBlockAddress uint32
	childBlockNumber       uint32
	dataBlockAddress       uint32
	dataBlockNumber        uint32

	// twoLevel is set once a separate root index block exists.
	twoLevel bool

	// sizeConsistent is cleared when the in-memory size is ahead of
	// the directory record.
	sizeConsistent bool
}

// Open returns a handle to the named file, creating it if it does
// not exist yet.
func (self *FS) Open(name string) (*File, error) {
	if len(name) > self.maxFileNameSize {
		return nil, ErrFileNameTooLong
	}
	pos, isNew, err := self.findDirectoryEntry(name, true)
	if err != nil {
		return nil, err
	}
	f := &File{fs: self, name: name,
		directoryPage: pos.metaPage, directoryByte: pos.metaByte}
	if isNew {
		if err = f.create(); err != nil {
			// Unclaim the hash slot so the hash file stays in
			// step with the metadata file.
			zero := make([]byte, self.hashSize)
			self.hashEntries.Write(pos.hashPage, zero, pos.hashByte)
			return nil, err
		}
	} else if err = f.load(); err != nil {
		return nil, err
	}
	mlog.Printf2("tefs/file", "fs.Open %s new:%v root:%d", name, isNew,
		f.rootIndexBlockAddress)
	return f, nil
}

// create allocates the first child index block and data block and
// writes the metadata record. The status byte flips to in-use last
// so a mid-write failure leaves the slot unusable but invisible.
func (self *File) create() error {
	fs := self.fs
	child, err := fs.reserveBlock()
	if err != nil {
		return err
	}
	if err = fs.eraseBlock(child); err != nil {
		return err
	}
	data, err := fs.reserveBlock()
	if err != nil {
		return err
	}
	if err = fs.writeAddress(child, 0, data, false); err != nil {
		return err
	}
	record := make([]byte, fs.metadataSize)
	binary.LittleEndian.PutUint32(record[dirRootOffset:], child)
	copy(record[dirNameOffset:], self.name)
	if err = fs.metadata.Write(self.directoryPage, record, self.directoryByte); err != nil {
		return err
	}
	if err = fs.metadata.Write(self.directoryPage,
		[]byte{StatusInUse}, self.directoryByte+dirStatusOffset); err != nil {
		return err
	}
	self.rootIndexBlockAddress = child
	self.childIndexBlockAddress = child
	self.childBlockNumber = 0
	self.dataBlockAddress = data
	self.dataBlockNumber = 0
	self.sizeConsistent = true
	return fs.Flush()
}

func (self *File) load() error {
	fs := self.fs
	buf := make([]byte, dirNameOffset)
	if err := fs.metadata.Read(self.directoryPage, buf, self.directoryByte); err != nil {
		return err
	}
	self.eofPage = binary.LittleEndian.Uint32(buf[dirEofPageOffset:])
	self.eofByte = int(binary.LittleEndian.Uint16(buf[dirEofByteOffset:]))
	self.rootIndexBlockAddress = binary.LittleEndian.Uint32(buf[dirRootOffset:])
	self.twoLevel = self.eofPage >= fs.oneLevelPages()
	self.sizeConsistent = true
	return self.primeCache()
}

func (self *File) invalidateCache() {
	self.childIndexBlockAddress = 0
	self.childBlockNumber = invalidBlockNumber
	self.dataBlockAddress = 0
	self.dataBlockNumber = invalidBlockNumber
}

// primeCache points the cache at file block 0, if it is live.
func (self *File) primeCache() error {
	fs := self.fs
	self.invalidateCache()
	child := self.rootIndexBlockAddress
	if self.twoLevel {
		v, err := fs.readAddress(child, 0)
		if err != nil {
			return err
		}
		if v <= 1 {
			return nil
		}
		child = v
	}
	self.childIndexBlockAddress = child
	self.childBlockNumber = 0
	v, err := fs.readAddress(child, 0)
	if err != nil {
		return err
	}
	if v > 1 {
		self.dataBlockAddress = v
		self.dataBlockNumber = 0
	}
	return nil
}

// Size returns the file size in bytes.
func (self *File) Size() uint64 {
	return uint64(self.eofPage)*uint64(self.fs.pageSize) + uint64(self.eofByte)
}

// Name returns the name the file was opened with.
func (self *File) Name() string {
	return self.name
}

// Write stores data at (page, byteOffset) within the file. Writes
// are append-only at the file end: writing at the end-of-file byte
// extends the file, writing strictly past it fails.
func (self *File) Write(page uint32, data []byte, byteOffset int) error {
	fs := self.fs
	if byteOffset+len(data) > fs.pageSize {
		return ErrWritePastEnd
	}
	if uint64(page) >= fs.maxFilePages() {
		return ErrFileFull
	}
	if page > self.eofPage {
		return ErrWritePastEnd
	}
	isNewPage := false
	if page == self.eofPage {
		if byteOffset > self.eofByte {
			return ErrWritePastEnd
		}
		if byteOffset+len(data) > self.eofByte {
			if self.eofByte == 0 {
				isNewPage = true
			}
			self.eofByte = byteOffset + len(data)
			self.sizeConsistent = false
			if self.eofByte == fs.pageSize {
				self.eofByte = 0
				self.eofPage++
				if !self.twoLevel && self.eofPage == fs.oneLevelPages() {
					if err := self.growRootIndex(); err != nil {
						return err
					}
				}
			}
		}
	}
	if self.dataBlockAddress == 0 || page>>fs.blockSizeExp != self.dataBlockNumber {
		if err := self.seekBlock(page, true); err != nil {
			return err
		}
	}
	devPage := self.dataBlockAddress + (page & (fs.blockSize - 1))
	mlog.Printf2("tefs/file", "f.Write %s page:%d @%d len:%d -> dev:%d new:%v",
		self.name, page, byteOffset, len(data), devPage, isNewPage)
	return fs.dev.Write(devPage, data, byteOffset, isNewPage)
}

// Read fills buf from (page, byteOffset) within the file.
func (self *File) Read(page uint32, buf []byte, byteOffset int) error {
	fs := self.fs
	if byteOffset+len(buf) > fs.pageSize {
		return ErrEOF
	}
	if page > self.eofPage ||
		(page == self.eofPage && byteOffset+len(buf) > self.eofByte) {
		return ErrEOF
	}
	if self.dataBlockAddress == 0 || page>>fs.blockSizeExp != self.dataBlockNumber {
		if err := self.seekBlock(page, false); err != nil {
			return err
		}
	}
	devPage := self.dataBlockAddress + (page & (fs.blockSize - 1))
	mlog.Printf2("tefs/file", "f.Read %s page:%d @%d len:%d -> dev:%d",
		self.name, page, byteOffset, len(buf), devPage)
	return fs.dev.Read(devPage, buf, byteOffset)
}

// seekBlock resolves the data block containing the given file page,
// allocating missing index entries on demand in write mode. Missing
// entries in read mode surface as ErrUnreleasedBlock.
func (self *File) seekBlock(page uint32, allocate bool) error {
	fs := self.fs
	pageInRoot, byteInRoot, pageInChild, byteInChild := fs.indexCoords(page)
	childNo := page >> (fs.blockSizeExp + fs.addressesPerBlockExp)
	var child uint32
	if self.childIndexBlockAddress != 0 && childNo == self.childBlockNumber {
		child = self.childIndexBlockAddress
	} else if !self.twoLevel {
		child = self.rootIndexBlockAddress
	} else {
		if pageInRoot >= fs.blockSize {
			return ErrFileFull
		}
		v, err := fs.readAddress(self.rootIndexBlockAddress+pageInRoot, byteInRoot)
		if err != nil {
			return err
		}
		if v <= 1 {
			if !allocate {
				return ErrUnreleasedBlock
			}
			v, err = fs.reserveBlock()
			if err != nil {
				return err
			}
			if err = fs.eraseBlock(v); err != nil {
				return err
			}
			if err = fs.writeAddress(self.rootIndexBlockAddress+pageInRoot,
				byteInRoot, v, false); err != nil {
				return err
			}
		}
		child = v
	}
	self.childIndexBlockAddress = child
	self.childBlockNumber = childNo
	v, err := fs.readAddress(child+pageInChild, byteInChild)
	if err != nil {
		return err
	}
	if v <= 1 {
		if !allocate {
			return ErrUnreleasedBlock
		}
		v, err = fs.reserveBlock()
		if err != nil {
			return err
		}
		if err = fs.writeAddress(child+pageInChild, byteInChild, v, false); err != nil {
			return err
		}
	}
	self.dataBlockAddress = v
	self.dataBlockNumber = page >> fs.blockSizeExp
	return nil
}

// growRootIndex transitions the file from one-level to two-level:
// the existing child index block becomes entry 0 of a new root index
// block, and the directory root pointer moves to the root block.
func (self *File) growRootIndex() error {
	fs := self.fs
	root, err := fs.reserveBlock()
	if err != nil {
		return err
	}
	if err = fs.eraseBlock(root); err != nil {
		return err
	}
	if err = fs.writeAddress(root, 0, self.rootIndexBlockAddress, false); err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, root)
	if self.directoryPage == internalDirectoryPage {
		err = fs.dev.Write(0, buf, self.directoryByte+6, false)
	} else {
		err = fs.metadata.Write(self.directoryPage, buf,
			self.directoryByte+dirRootOffset)
	}
	if err != nil {
		return err
	}
	mlog.Printf2("tefs/file", "f.growRootIndex %s root:%d", self.name, root)
	self.childIndexBlockAddress = self.rootIndexBlockAddress
	self.childBlockNumber = 0
	self.rootIndexBlockAddress = root
	self.twoLevel = true
	return nil
}

// updateFileSize writes the size through to the directory record, or
// to the information page for internal files.
func (self *File) updateFileSize() error {
	fs := self.fs
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf, self.eofPage)
	binary.LittleEndian.PutUint16(buf[4:], uint16(self.eofByte))
	var err error
	if self.directoryPage == internalDirectoryPage {
		err = fs.dev.Write(0, buf, self.directoryByte, false)
	} else {
		err = fs.metadata.Write(self.directoryPage, buf,
			self.directoryByte+dirEofPageOffset)
	}
	if err != nil {
		return err
	}
	self.sizeConsistent = true
	return nil
}

// Flush persists the file size if needed and flushes the device.
func (self *File) Flush() error {
	if !self.sizeConsistent {
		if err := self.updateFileSize(); err != nil {
			return err
		}
	}
	return self.fs.Flush()
}

// Close flushes. The handle must not be used afterwards.
func (self *File) Close() error {
	return self.Flush()
}

// ReleaseBlock releases one data block (given as a file block
// number) inside the file. In a two-level file, if the containing
// child index block becomes empty it is released as well and its root
// index entry tombstoned. A one-level file keeps its child index
// block even when it is empty.
func (self *File) ReleaseBlock(fileBlock uint32) error {
	fs := self.fs
	page := fileBlock << fs.blockSizeExp
	pageInRoot, byteInRoot, pageInChild, byteInChild := fs.indexCoords(page)
	var child uint32
	if !self.twoLevel {
		child = self.rootIndexBlockAddress
	} else {
		v, err := fs.readAddress(self.rootIndexBlockAddress+pageInRoot, byteInRoot)
		if err != nil {
			return err
		}
		if v <= 1 {
			return ErrUnreleasedBlock
		}
		child = v
	}
	v, err := fs.readAddress(child+pageInChild, byteInChild)
	if err != nil {
		return err
	}
	if v <= 1 {
		return ErrUnreleasedBlock
	}
	if err = fs.releaseBlock(v); err != nil {
		return err
	}
	if err = fs.writeAddress(child+pageInChild, byteInChild, StatusDeleted, false); err != nil {
		return err
	}
	mlog.Printf2("tefs/file", "f.ReleaseBlock %s block:%d addr:%d",
		self.name, fileBlock, v)
	empty := true
	buf := make([]byte, fs.pageSize)
	for i := uint32(0); i < fs.blockSize && empty; i++ {
		if err = fs.dev.Read(child+i, buf, 0); err != nil {
			return err
		}
		for ofs := 0; ofs < fs.pageSize; ofs += fs.addressSize {
			if fs.decodeAddress(buf[ofs:]) > 1 {
				empty = false
				break
			}
		}
	}
	if empty && self.twoLevel {
		if err = fs.releaseBlock(child); err != nil {
			return err
		}
		if err = fs.writeAddress(self.rootIndexBlockAddress+pageInRoot,
			byteInRoot, StatusDeleted, false); err != nil {
			return err
		}
	}
	self.invalidateCache()
	return fs.dev.Flush()
}

// Remove releases every block the named file references, marks its
// metadata record deleted, and zeroes its hash slot.
func (self *FS) Remove(name string) error {
	if len(name) > self.maxFileNameSize {
		return ErrFileNameTooLong
	}
	pos, _, err := self.findDirectoryEntry(name, false)
	if err != nil {
		return err
	}
	buf := make([]byte, dirNameOffset)
	if err = self.metadata.Read(pos.metaPage, buf, pos.metaByte); err != nil {
		return err
	}
	eofPage := binary.LittleEndian.Uint32(buf[dirEofPageOffset:])
	root := binary.LittleEndian.Uint32(buf[dirRootOffset:])
	twoLevel := eofPage >= self.oneLevelPages()
	mlog.Printf2("tefs/file", "fs.Remove %s root:%d eofPage:%d", name, root, eofPage)
	if err = self.releaseFileBlocks(root, eofPage, twoLevel); err != nil {
		return err
	}
	zero := make([]byte, self.hashSize)
	if err = self.hashEntries.Write(pos.hashPage, zero, pos.hashByte); err != nil {
		return err
	}
	if err = self.metadata.Write(pos.metaPage,
		[]byte{StatusDeleted}, pos.metaByte+dirStatusOffset); err != nil {
		return err
	}
	return self.Flush()
}

// releaseFileBlocks walks the index up to eofPage and releases data
// blocks, then child index blocks, then the root index block.
func (self *FS) releaseFileBlocks(root, eofPage uint32, twoLevel bool) error {
	lastBlock := eofPage >> self.blockSizeExp
	var child uint32
	var children []uint32
	childNo := uint32(invalidBlockNumber)
	for fb := uint32(0); fb <= lastBlock; fb++ {
		page := fb << self.blockSizeExp
		pageInRoot, byteInRoot, pageInChild, byteInChild := self.indexCoords(page)
		cn := fb >> self.addressesPerBlockExp
		if cn != childNo {
			if childNo != invalidBlockNumber && child > 1 {
				children = append(children, child)
			}
			childNo = cn
			if twoLevel {
				v, err := self.readAddress(root+pageInRoot, byteInRoot)
				if err != nil {
					return err
				}
				child = v
			} else {
				child = root
			}
		}
		if child <= 1 {
			continue
		}
		v, err := self.readAddress(child+pageInChild, byteInChild)
		if err != nil {
			return err
		}
		if v > 1 {
			if err = self.releaseBlock(v); err != nil {
				return err
			}
		}
	}
	if childNo != invalidBlockNumber && child > 1 {
		children = append(children, child)
	}
	for _, c := range children {
		if err := self.releaseBlock(c); err != nil {
			return err
		}
	}
	if twoLevel {
		return self.releaseBlock(root)
	}
	return nil
}
