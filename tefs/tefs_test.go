/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Mar 19 10:11:45 2018 mstenber
 * Last modified: Fri Apr  6 11:02:33 2018 mstenber
 * Edit time:     302 min
 *
 */

package tefs

import (
	"encoding/binary"
	"math/bits"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/device/inmemory"
)

const testPages = 62500

// Standard geometry: P=512, B=8, A=2 (62500 < 2^16), S=2. Data
// section starts at page 3; the directory bootstrap occupies blocks
// at pages 3, 11, 19 and 27, so the first user block is at page 35.

func testFormatConfig() FormatConfig {
	return FormatConfig{
		NumberOfPages:   testPages,
		PageSize:        512,
		BlockSize:       8,
		HashSize:        4,
		MetadataSize:    32,
		MaxFileNameSize: 12}
}

func newTestDevice(pages uint32) device.Device {
	dev := inmemory.NewInMemoryDevice()
	dev.Init(device.Config{PageSize: 512, PageCount: pages})
	return dev
}

func newTestFS(t *testing.T) (*FS, device.Device) {
	dev := newTestDevice(testPages)
	assert.Nil(t, Format(dev, testFormatConfig()))
	fs, err := Mount(dev)
	assert.Nil(t, err)
	return fs, dev
}

func countFreeBits(t *testing.T, fs *FS) int {
	total := 0
	buf := make([]byte, fs.pageSize)
	left := int(fs.stateSectionBytes())
	for sp := uint32(0); left > 0; sp++ {
		assert.Nil(t, fs.dev.Read(infoSectionSize+sp, buf, 0))
		n := left
		if n > fs.pageSize {
			n = fs.pageSize
		}
		for i := 0; i < n; i++ {
			total += bits.OnesCount8(buf[i])
		}
		left -= n
	}
	return total
}

func numberedPage(n uint32) []byte {
	p := make([]byte, 512)
	binary.LittleEndian.PutUint32(p, n)
	for i := 4; i < len(p); i++ {
		p[i] = byte(n + uint32(i))
	}
	return p
}

func TestFormat(t *testing.T) {
	fs, dev := newTestFS(t)
	info := make([]byte, 40)
	assert.Nil(t, dev.Read(0, info, 0))
	for i := 0; i < 4; i++ {
		assert.Equal(t, info[i], byte(checkFlag))
	}
	assert.Equal(t, binary.LittleEndian.Uint32(info[4:]), uint32(testPages))
	assert.Equal(t, info[8], byte(9))
	assert.Equal(t, info[9], byte(3))
	assert.Equal(t, info[10], byte(1))
	assert.Equal(t, info[11], byte(4))
	assert.Equal(t, binary.LittleEndian.Uint16(info[12:]), uint16(32))
	assert.Equal(t, binary.LittleEndian.Uint16(info[14:]), uint16(12))
	assert.Equal(t, binary.LittleEndian.Uint32(info[16:]), uint32(2))

	// First four blocks are reserved for the directory bootstrap.
	var b [1]byte
	assert.Nil(t, dev.Read(1, b[:], 0))
	assert.Equal(t, b[0], byte(0x0F))

	// 976 state bytes: the second state page is valid up to byte 464.
	assert.Nil(t, dev.Read(2, b[:], 463))
	assert.Equal(t, b[0], byte(0xFF))
	assert.Nil(t, dev.Read(2, b[:], 464))
	assert.Equal(t, b[0], byte(0))

	assert.Equal(t, fs.stateSectionSize, uint32(2))
	assert.Equal(t, fs.addressSize, 2)
	// 2048 index entries per block; a one-level file spans up to
	// 2048 data blocks of 8 pages, 16384 pages in all.
	assert.Equal(t, fs.addressesPerBlock, uint32(2048))
	assert.Equal(t, fs.oneLevelPages(), uint32(16384))
	assert.Equal(t, fs.hashEntries.Size(), uint64(0))
	assert.Equal(t, fs.metadata.Size(), uint64(0))
}

func TestNotFormatted(t *testing.T) {
	dev := newTestDevice(testPages)
	_, err := Mount(dev)
	assert.Equal(t, err, ErrNotFormatted)
}

func TestFormatValidate(t *testing.T) {
	dev := newTestDevice(testPages)

	config := testFormatConfig()
	config.PageSize = 500
	assert.True(t, Format(dev, config) != nil)

	config = testFormatConfig()
	config.HashSize = 3
	assert.True(t, Format(dev, config) != nil)

	config = testFormatConfig()
	config.MetadataSize = 16
	assert.True(t, Format(dev, config) != nil)

	config = testFormatConfig()
	config.NumberOfPages = 30
	assert.True(t, Format(dev, config) != nil)
}

func TestCreateWriteOnePage(t *testing.T) {
	fs, dev := newTestFS(t)
	f, err := fs.Open("test.aaa")
	assert.Nil(t, err)
	payload := make([]byte, 512)
	for i := range payload {
		if i < 26 {
			payload[i] = byte('a' + i)
		} else {
			payload[i] = '.'
		}
	}
	assert.Nil(t, f.Write(0, payload, 0))
	assert.Nil(t, f.Close())

	// First user data block.
	buf := make([]byte, 3)
	assert.Nil(t, dev.Read(43, buf, 0))
	assert.Equal(t, buf, []byte{'a', 'b', 'c'})

	// Metadata record in the first metadata file data block.
	record := make([]byte, dirNameOffset+12)
	assert.Nil(t, dev.Read(27, record, 0))
	assert.Equal(t, record[dirStatusOffset], byte(StatusInUse))
	assert.Equal(t, binary.LittleEndian.Uint32(record[dirEofPageOffset:]), uint32(1))
	assert.Equal(t, binary.LittleEndian.Uint16(record[dirEofByteOffset:]), uint16(0))
	assert.Equal(t, binary.LittleEndian.Uint32(record[dirRootOffset:]), uint32(35))
	assert.Equal(t, decodeName(record[dirNameOffset:], 12), "test.aaa")
}

func TestTwoFilesInterleaved(t *testing.T) {
	fs, _ := newTestFS(t)
	f0, err := fs.Open("file.0")
	assert.Nil(t, err)
	f1, err := fs.Open("file.1")
	assert.Nil(t, err)
	for i := uint32(0); i < 100; i++ {
		assert.Nil(t, f0.Write(i, numberedPage(i), 0))
		assert.Nil(t, f1.Write(i, numberedPage(i+1000), 0))
	}
	buf := make([]byte, 512)
	for i := uint32(0); i < 100; i++ {
		assert.Nil(t, f0.Read(i, buf, 0))
		assert.Equal(t, buf, numberedPage(i))
		assert.Nil(t, f1.Read(i, buf, 0))
		assert.Equal(t, buf, numberedPage(i+1000))
	}
	assert.Nil(t, f0.Close())
	assert.Nil(t, f1.Close())
}

func TestRemoveReclaims(t *testing.T) {
	fs, dev := newTestFS(t)
	page := make([]byte, 512)
	for _, name := range []string{"file.0", "file.1"} {
		f, err := fs.Open(name)
		assert.Nil(t, err)
		for i := uint32(0); i < 100; i++ {
			assert.Nil(t, f.Write(i, page, 0))
		}
		assert.Nil(t, f.Close())
	}
	hash := make([]byte, 4)
	assert.Nil(t, dev.Read(11, hash, 0))
	assert.Equal(t, binary.LittleEndian.Uint32(hash), uint32(1355706013))

	before := countFreeBits(t, fs)
	assert.Nil(t, fs.Remove("file.0"))

	// 13 data blocks plus one child index block.
	assert.Equal(t, countFreeBits(t, fs)-before, 14)

	assert.Nil(t, dev.Read(11, hash, 0))
	assert.Equal(t, binary.LittleEndian.Uint32(hash), uint32(0))
	var status [1]byte
	assert.Nil(t, dev.Read(27, status[:], 0))
	assert.Equal(t, status[0], byte(StatusDeleted))

	exists, err := fs.Exists("file.0")
	assert.Nil(t, err)
	assert.True(t, !exists)
	exists, err = fs.Exists("file.1")
	assert.Nil(t, err)
	assert.True(t, exists)
}

func TestHashCollision(t *testing.T) {
	fs, dev := newTestFS(t)
	names := []string{"playwright", "snush"}
	for i, name := range names {
		f, err := fs.Open(name)
		assert.Nil(t, err)
		assert.Nil(t, f.Write(0, numberedPage(uint32(i)), 0))
		assert.Nil(t, f.Close())
	}
	hash := make([]byte, 4)
	for i := range names {
		assert.Nil(t, dev.Read(11, hash, 4*i))
		assert.Equal(t, binary.LittleEndian.Uint32(hash), uint32(195669366))
	}
	buf := make([]byte, 512)
	for i, name := range names {
		f, err := fs.Open(name)
		assert.Nil(t, err)
		assert.Nil(t, f.Read(0, buf, 0))
		assert.Equal(t, buf, numberedPage(uint32(i)))
		assert.Nil(t, f.Close())
	}
}

func TestWritePastEnd(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("wpe")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, make([]byte, 10), 0))
	assert.Equal(t, f.Write(0, []byte{1}, 20), ErrWritePastEnd)
	assert.Equal(t, f.Write(1, []byte{1}, 0), ErrWritePastEnd)
	assert.Equal(t, f.Write(0, make([]byte, 4), 510), ErrWritePastEnd)

	// Rewriting already written bytes is fine.
	assert.Nil(t, f.Write(0, []byte{9, 9}, 2))
	assert.Equal(t, f.Size(), uint64(10))
	assert.Nil(t, f.Close())
}

func TestEndOfFile(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("eof")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, make([]byte, 10), 0))
	assert.Nil(t, f.Read(0, make([]byte, 10), 0))
	assert.Equal(t, f.Read(0, make([]byte, 11), 0), ErrEOF)
	assert.Equal(t, f.Read(1, make([]byte, 1), 0), ErrEOF)
	assert.Nil(t, f.Close())
}

func TestFileNameTooLong(t *testing.T) {
	fs, _ := newTestFS(t)
	name := "abcdefghijklm"
	_, err := fs.Open(name)
	assert.Equal(t, err, ErrFileNameTooLong)
	_, err = fs.Exists(name)
	assert.Equal(t, err, ErrFileNameTooLong)
	assert.Equal(t, fs.Remove(name), ErrFileNameTooLong)
}

func TestPageBoundary(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("pb")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, make([]byte, 512), 0))
	assert.Equal(t, f.eofPage, uint32(1))
	assert.Equal(t, f.eofByte, 0)
	assert.Nil(t, f.Write(1, []byte{1, 2, 3, 4, 5}, 0))
	assert.Equal(t, f.Size(), uint64(517))
	assert.Nil(t, f.Close())

	f, err = fs.Open("pb")
	assert.Nil(t, err)
	assert.Equal(t, f.Size(), uint64(517))
	buf := make([]byte, 5)
	assert.Nil(t, f.Read(1, buf, 0))
	assert.Equal(t, buf, []byte{1, 2, 3, 4, 5})
	assert.Nil(t, f.Close())
}

func TestRootIndexTransition(t *testing.T) {
	fs, dev := newTestFS(t)
	f, err := fs.Open("big")
	assert.Nil(t, err)
	assert.True(t, !f.twoLevel)
	for i := uint32(0); i < 16384; i++ {
		assert.Nil(t, f.Write(i, numberedPage(i), 0))
	}

	// One-level limit is 16384 pages (2048 entries of 8 pages); the
	// 16384th write grows the index eagerly. Sequential writes took
	// bits 4 (child) and 5..2052 (data), so the root lands on bit
	// 2053, device page 3+8*2053.
	assert.True(t, f.twoLevel)
	assert.Equal(t, f.rootIndexBlockAddress, uint32(16427))
	child, err := fs.readAddress(16427, 0)
	assert.Nil(t, err)
	assert.Equal(t, child, uint32(35))
	assert.Nil(t, f.Flush())

	// Directory root pointer moved to the new root block.
	buf := make([]byte, 4)
	assert.Nil(t, dev.Read(27, buf, dirRootOffset))
	assert.Equal(t, binary.LittleEndian.Uint32(buf), uint32(16427))

	assert.Nil(t, f.Write(16384, numberedPage(16384), 0))
	page := make([]byte, 512)
	for _, i := range []uint32{0, 16383, 16384} {
		assert.Nil(t, f.Read(i, page, 0))
		assert.Equal(t, page, numberedPage(i))
	}
	assert.Nil(t, f.Close())

	fs2, err := Mount(dev)
	assert.Nil(t, err)
	f2, err := fs2.Open("big")
	assert.Nil(t, err)
	assert.True(t, f2.twoLevel)
	assert.Equal(t, f2.Size(), uint64(16385)*512)
	assert.Nil(t, f2.Read(16384, page, 0))
	assert.Equal(t, page, numberedPage(16384))
	assert.Nil(t, f2.Close())
}

func TestRemoveThenReopen(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("cycle")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, numberedPage(7), 0))
	assert.Nil(t, f.Close())
	before := countFreeBits(t, fs)

	assert.Nil(t, fs.Remove("cycle"))
	f, err = fs.Open("cycle")
	assert.Nil(t, err)
	assert.Equal(t, f.Size(), uint64(0))
	assert.Equal(t, f.Read(0, make([]byte, 1), 0), ErrEOF)
	assert.Nil(t, f.Close())

	// Remove freed two blocks, the new incarnation took two back.
	assert.Equal(t, countFreeBits(t, fs), before)
}

func TestReopenAfterRemount(t *testing.T) {
	dev := newTestDevice(testPages)
	assert.Nil(t, Format(dev, testFormatConfig()))
	fs, err := Mount(dev)
	assert.Nil(t, err)
	f, err := fs.Open("persist")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, numberedPage(1), 0))
	assert.Nil(t, f.Write(1, []byte{7, 8, 9}, 0))
	assert.Nil(t, f.Close())

	fs2, err := Mount(dev)
	assert.Nil(t, err)
	f2, err := fs2.Open("persist")
	assert.Nil(t, err)
	assert.Equal(t, f2.Size(), uint64(515))
	buf := make([]byte, 512)
	assert.Nil(t, f2.Read(0, buf, 0))
	assert.Equal(t, buf, numberedPage(1))
	small := make([]byte, 3)
	assert.Nil(t, f2.Read(1, small, 0))
	assert.Equal(t, small, []byte{7, 8, 9})
	assert.Nil(t, f2.Close())

	// Directory state persisted too: creating another file works.
	f3, err := fs2.Open("second")
	assert.Nil(t, err)
	assert.Nil(t, f3.Close())
	files, err := fs2.List()
	assert.Nil(t, err)
	assert.Equal(t, len(files), 2)
}

func TestDeviceFull(t *testing.T) {
	// 100 pages: one state page with 8 block bits, four of them
	// reserved. Each created file takes two blocks.
	dev := newTestDevice(100)
	config := testFormatConfig()
	config.NumberOfPages = 100
	assert.Nil(t, Format(dev, config))
	fs, err := Mount(dev)
	assert.Nil(t, err)

	f0, err := fs.Open("f.0")
	assert.Nil(t, err)
	assert.Nil(t, f0.Close())
	f1, err := fs.Open("f.1")
	assert.Nil(t, err)
	assert.Nil(t, f1.Close())
	_, err = fs.Open("f.2")
	assert.Equal(t, err, ErrDeviceFull)

	assert.Nil(t, fs.Remove("f.0"))
	f2, err := fs.Open("f.2")
	assert.Nil(t, err)
	assert.Nil(t, f2.Write(0, []byte{1, 2, 3}, 0))
	buf := make([]byte, 3)
	assert.Nil(t, f2.Read(0, buf, 0))
	assert.Equal(t, buf, []byte{1, 2, 3})
	assert.Nil(t, f2.Close())
}

func TestLargeDeviceAddressSize(t *testing.T) {
	// 70000 pages pushes the address size to four bytes.
	dev := newTestDevice(70000)
	config := testFormatConfig()
	config.NumberOfPages = 70000
	assert.Nil(t, Format(dev, config))
	fs, err := Mount(dev)
	assert.Nil(t, err)
	assert.Equal(t, fs.addressSize, 4)
	assert.Equal(t, fs.stateSectionSize, uint32(3))
	// 1024 entries per block with 4-byte addresses; the one-level
	// page capacity is 1024*8, not the entry count itself.
	assert.Equal(t, fs.addressesPerBlock, uint32(1024))
	assert.Equal(t, fs.oneLevelPages(), uint32(8192))

	f, err := fs.Open("wide")
	assert.Nil(t, err)
	assert.Equal(t, f.rootIndexBlockAddress, uint32(36))
	for i := uint32(0); i < 17; i++ {
		assert.Nil(t, f.Write(i, numberedPage(i), 0))
	}
	buf := make([]byte, 512)
	for _, i := range []uint32{0, 8, 16} {
		assert.Nil(t, f.Read(i, buf, 0))
		assert.Equal(t, buf, numberedPage(i))
	}
	assert.Nil(t, f.Close())
}

func TestAllocatorCursor(t *testing.T) {
	fs, _ := newTestFS(t)
	addr, err := fs.reserveBlock()
	assert.Nil(t, err)
	assert.Equal(t, addr, uint32(35))
	addr, err = fs.reserveBlock()
	assert.Nil(t, err)
	assert.Equal(t, addr, uint32(43))

	// Release pulls the cursor back.
	assert.Nil(t, fs.releaseBlock(35))
	addr, err = fs.reserveBlock()
	assert.Nil(t, err)
	assert.Equal(t, addr, uint32(35))
}

func TestHashFunction(t *testing.T) {
	fs := &FS{hashSize: 4}
	assert.Equal(t, fs.hashName("test.aaa"), uint32(3764686876))
	assert.Equal(t, fs.hashName("playwright"), uint32(195669366))
	assert.Equal(t, fs.hashName("snush"), uint32(195669366))
	assert.True(t, fs.hashName("") != 0)

	fs2 := &FS{hashSize: 2}
	assert.Equal(t, fs2.hashName("test.aaa"), uint32(46779))
	assert.True(t, fs2.hashName("") != 0)
}

func TestList(t *testing.T) {
	fs, _ := newTestFS(t)
	files, err := fs.List()
	assert.Nil(t, err)
	assert.Equal(t, len(files), 0)

	f, err := fs.Open("a.txt")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, make([]byte, 512), 0))
	assert.Nil(t, f.Write(1, make([]byte, 5), 0))
	assert.Nil(t, f.Close())
	f, err = fs.Open("b.txt")
	assert.Nil(t, err)
	assert.Nil(t, f.Write(0, make([]byte, 3), 0))
	assert.Nil(t, f.Close())

	files, err = fs.List()
	assert.Nil(t, err)
	assert.Equal(t, files, []FileInfo{
		{Name: "a.txt", Size: 517},
		{Name: "b.txt", Size: 3}})

	assert.Nil(t, fs.Remove("a.txt"))
	files, err = fs.List()
	assert.Nil(t, err)
	assert.Equal(t, files, []FileInfo{{Name: "b.txt", Size: 3}})
}

func TestReleaseBlock(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("holes")
	assert.Nil(t, err)
	for i := uint32(0); i < 17; i++ {
		assert.Nil(t, f.Write(i, numberedPage(i), 0))
	}
	before := countFreeBits(t, fs)
	assert.Nil(t, f.ReleaseBlock(1))
	assert.Equal(t, countFreeBits(t, fs)-before, 1)

	buf := make([]byte, 512)
	assert.Equal(t, f.Read(8, buf, 0), ErrUnreleasedBlock)
	assert.Nil(t, f.Read(0, buf, 0))
	assert.Equal(t, buf, numberedPage(0))
	assert.Nil(t, f.Read(16, buf, 0))
	assert.Equal(t, buf, numberedPage(16))

	assert.Equal(t, f.ReleaseBlock(1), ErrUnreleasedBlock)
	assert.Nil(t, f.Close())
}

func TestReleaseBlockTwoLevel(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("big2")
	assert.Nil(t, err)
	page := make([]byte, 512)
	for i := uint32(0); i < 16385; i++ {
		assert.Nil(t, f.Write(i, page, 0))
	}
	assert.True(t, f.twoLevel)

	// Releasing every data block of the first child empties its
	// index block, which is then released as well and tombstoned in
	// the root.
	before := countFreeBits(t, fs)
	for b := uint32(0); b < 2048; b++ {
		assert.Nil(t, f.ReleaseBlock(b))
	}
	assert.Equal(t, countFreeBits(t, fs)-before, 2049)
	assert.Equal(t, f.Read(0, page, 0), ErrUnreleasedBlock)

	// The second child is untouched.
	assert.Nil(t, f.Read(16384, page, 0))
	assert.Nil(t, f.Close())
}
