/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 11:22:51 2018 mstenber
 * Last modified: Sun Apr  1 11:40:28 2018 mstenber
 * Edit time:     123 min
 *
 */

package tefs

import (
	"encoding/binary"

	"github.com/fingon/go-tefs/mlog"
)

// Directory: a packed hash file and a parallel metadata file, both
// ordinary files on the device. Slot k of the hash file corresponds
// to record k of the metadata file. Hash slot 0 is either a
// tombstone or end-of-chain; the chain ends only at end of file.

// dirPosition locates one directory slot in both internal files.
type dirPosition struct {
	hashPage uint32
	hashByte int
	metaPage uint32
	metaByte int
}

func (self *dirPosition) advance(fs *FS) {
	if self.hashByte+2*fs.hashSize > fs.pageSize {
		self.hashPage++
		self.hashByte = 0
	} else {
		self.hashByte += fs.hashSize
	}
	if self.metaByte+2*fs.metadataSize > fs.pageSize {
		self.metaPage++
		self.metaByte = 0
	} else {
		self.metaByte += fs.metadataSize
	}
}

// hashName is a DJB2a variant. Never returns 0; 2-byte hashes are
// reduced modulo the largest prime below 2^16.
func (self *FS) hashName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = (h * 33) ^ uint32(name[i])
	}
	if self.hashSize == 2 {
		h %= 65521
	}
	if h == 0 {
		h = 1
	}
	return h
}

func (self *FS) decodeHash(buf []byte) uint32 {
	if self.hashSize == 2 {
		return uint32(binary.LittleEndian.Uint16(buf))
	}
	return binary.LittleEndian.Uint32(buf)
}

func (self *FS) encodeHash(h uint32) []byte {
	buf := make([]byte, self.hashSize)
	if self.hashSize == 2 {
		binary.LittleEndian.PutUint16(buf, uint16(h))
	} else {
		binary.LittleEndian.PutUint32(buf, h)
	}
	return buf
}

// nameMatches compares a stored null-padded name field with name.
func (self *FS) nameMatches(stored []byte, name string) bool {
	if len(name) > self.maxFileNameSize {
		return false
	}
	for i := 0; i < len(name); i++ {
		if stored[i] != name[i] {
			return false
		}
	}
	return len(name) == self.maxFileNameSize || stored[len(name)] == 0
}

// findDirectoryEntry scans the hash file for name. In create mode a
// missing name claims a slot (the first tombstone if any, else the
// end of the file, where the hash value is appended) and isNew is
// true; the caller is responsible for building the metadata record.
func (self *FS) findDirectoryEntry(name string, create bool) (pos dirPosition, isNew bool, err error) {
	hashValue := self.hashName(name)
	mlog.Printf2("tefs/dir", "fs.findDirectoryEntry %s hash:%d create:%v",
		name, hashValue, create)
	var tombstone dirPosition
	haveTombstone := false
	hashBuf := make([]byte, self.hashSize)
	recordBuf := make([]byte, dirNameOffset+self.maxFileNameSize)
	for {
		err = self.hashEntries.Read(pos.hashPage, hashBuf, pos.hashByte)
		if err == ErrEOF {
			break
		}
		if err != nil {
			return
		}
		slot := self.decodeHash(hashBuf)
		if slot == 0 {
			if !haveTombstone {
				tombstone = pos
				haveTombstone = true
			}
		} else if slot == hashValue {
			err = self.metadata.Read(pos.metaPage, recordBuf, pos.metaByte)
			if err != nil {
				return
			}
			if recordBuf[dirStatusOffset] == StatusInUse &&
				self.nameMatches(recordBuf[dirNameOffset:], name) {
				return pos, false, nil
			}
		}
		pos.advance(self)
	}
	if !create {
		return pos, false, ErrFileNotFound
	}
	if haveTombstone {
		pos = tombstone
	}
	err = self.hashEntries.Write(pos.hashPage, self.encodeHash(hashValue), pos.hashByte)
	if err != nil {
		return
	}
	return pos, true, nil
}
