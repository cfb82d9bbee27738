/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Mar 13 10:02:11 2018 mstenber
 * Last modified: Tue Mar 27 14:22:31 2018 mstenber
 * Edit time:     25 min
 *
 */

// inmemory is a map-backed device. It is mostly useful for testing.
package inmemory

import (
	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
	"github.com/fingon/go-tefs/util"
)

type inMemoryDevice struct {
	device.ConfigBase
	lock  util.MutexLocked
	pages map[uint32][]byte
}

var _ device.Device = &inMemoryDevice{}

func NewInMemoryDevice() device.Device {
	self := &inMemoryDevice{}
	self.pages = make(map[uint32][]byte)
	return self
}

func (self *inMemoryDevice) Init(config device.Config) {
	self.ConfigBase.Init(config)
}

func (self *inMemoryDevice) Close() {
	defer self.lock.Locked()()
	self.pages = nil
}

func (self *inMemoryDevice) Read(page uint32, buf []byte, byteOffset int) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory/inmemory", "im.Read %v @%v %v", page, byteOffset, len(buf))
	p := self.pages[page]
	if p == nil {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, p[byteOffset:byteOffset+len(buf)])
	return nil
}

func (self *inMemoryDevice) Write(page uint32, data []byte, byteOffset int, noReadback bool) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory/inmemory", "im.Write %v @%v %v", page, byteOffset, len(data))
	p := self.pages[page]
	if p == nil {
		p = make([]byte, self.PageSize())
		self.pages[page] = p
	}
	copy(p[byteOffset:], data)
	return nil
}

func (self *inMemoryDevice) Flush() error {
	return nil
}

func (self *inMemoryDevice) EraseRange(firstPage, lastPage uint32) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory/inmemory", "im.EraseRange %v-%v", firstPage, lastPage)
	for page := firstPage; ; page++ {
		delete(self.pages, page)
		if page == lastPage {
			break
		}
	}
	return nil
}
