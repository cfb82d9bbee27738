/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 14 11:42:18 2018 mstenber
 * Last modified: Wed Mar 28 10:31:25 2018 mstenber
 * Edit time:     52 min
 *
 */

// badger is a device stored in a badger key-value store.
//
// - key prefix p + big-endian page number -> page content
package badger

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
	"github.com/fingon/go-tefs/util"
)

type badgerDevice struct {
	device.ConfigBase
	lock util.MutexLocked
	db   *badger.DB
}

var _ device.Device = &badgerDevice{}

func NewBadgerDevice() device.Device {
	return &badgerDevice{}
}

func (self *badgerDevice) Init(config device.Config) {
	self.ConfigBase.Init(config)
	opts := badger.DefaultOptions
	opts.Dir = config.Directory
	opts.ValueDir = config.Directory
	db, err := badger.Open(opts)
	if err != nil {
		panic(err)
	}
	self.db = db
}

func (self *badgerDevice) Close() {
	defer self.lock.Locked()()
	if self.db != nil {
		self.db.Close()
		self.db = nil
	}
}

func pageKey(page uint32) []byte {
	k := make([]byte, 5)
	k[0] = 'p'
	binary.BigEndian.PutUint32(k[1:], page)
	return k
}

func (self *badgerDevice) getPage(txn *badger.Txn, page uint32) ([]byte, error) {
	i, err := txn.Get(pageKey(page))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return i.ValueCopy(nil)
}

func (self *badgerDevice) Read(page uint32, buf []byte, byteOffset int) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/badger/badger", "bad.Read %v @%v %v", page, byteOffset, len(buf))
	err := self.db.View(func(txn *badger.Txn) error {
		v, err := self.getPage(txn, page)
		if err != nil {
			return err
		}
		if v == nil {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		copy(buf, v[byteOffset:byteOffset+len(buf)])
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "read page %d", page)
	}
	return nil
}

func (self *badgerDevice) Write(page uint32, data []byte, byteOffset int, noReadback bool) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/badger/badger", "bad.Write %v @%v %v", page, byteOffset, len(data))
	err := self.db.Update(func(txn *badger.Txn) error {
		p := make([]byte, self.PageSize())
		if !noReadback {
			v, err := self.getPage(txn, page)
			if err != nil {
				return err
			}
			copy(p, v)
		}
		copy(p[byteOffset:], data)
		return txn.Set(pageKey(page), p)
	})
	if err != nil {
		return errors.Wrapf(err, "write page %d", page)
	}
	return nil
}

func (self *badgerDevice) Flush() error {
	return nil
}

func (self *badgerDevice) EraseRange(firstPage, lastPage uint32) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/badger/badger", "bad.EraseRange %v-%v", firstPage, lastPage)
	err := self.db.Update(func(txn *badger.Txn) error {
		for page := firstPage; ; page++ {
			if err := txn.Delete(pageKey(page)); err != nil {
				return err
			}
			if page == lastPage {
				break
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "erase range")
	}
	return nil
}
