/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Mar 13 11:14:45 2018 mstenber
 * Last modified: Wed Mar 28 09:55:12 2018 mstenber
 * Edit time:     38 min
 *
 */

// file is a device backed by a single flat image file. Pages map to
// fixed offsets within the image, and pages never written read back
// as zeroes.
package file

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
	"github.com/fingon/go-tefs/util"
)

const imageName = "tefs.img"

type fileDevice struct {
	device.ConfigBase
	lock util.MutexLocked
	f    *os.File
}

var _ device.Device = &fileDevice{}

func NewFileDevice() device.Device {
	return &fileDevice{}
}

func (self *fileDevice) Init(config device.Config) {
	self.ConfigBase.Init(config)
	path := filepath.Join(config.Directory, imageName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		panic(err)
	}
	self.f = f
}

func (self *fileDevice) Close() {
	defer self.lock.Locked()()
	if self.f != nil {
		self.f.Close()
		self.f = nil
	}
}

func (self *fileDevice) Read(page uint32, buf []byte, byteOffset int) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/file/file", "fd.Read %v @%v %v", page, byteOffset, len(buf))
	ofs := int64(page)*int64(self.PageSize()) + int64(byteOffset)
	n, err := self.f.ReadAt(buf, ofs)
	if err == io.EOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read page %d", page)
	}
	return nil
}

func (self *fileDevice) Write(page uint32, data []byte, byteOffset int, noReadback bool) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/file/file", "fd.Write %v @%v %v", page, byteOffset, len(data))
	ofs := int64(page)*int64(self.PageSize()) + int64(byteOffset)
	_, err := self.f.WriteAt(data, ofs)
	if err != nil {
		return errors.Wrapf(err, "write page %d", page)
	}
	return nil
}

func (self *fileDevice) Flush() error {
	defer self.lock.Locked()()
	mlog.Printf2("device/file/file", "fd.Flush")
	if err := self.f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}

func (self *fileDevice) EraseRange(firstPage, lastPage uint32) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/file/file", "fd.EraseRange %v-%v", firstPage, lastPage)
	zero := make([]byte, self.PageSize())
	for page := firstPage; ; page++ {
		ofs := int64(page) * int64(self.PageSize())
		if _, err := self.f.WriteAt(zero, ofs); err != nil {
			return errors.Wrapf(err, "erase page %d", page)
		}
		if page == lastPage {
			break
		}
	}
	return nil
}
