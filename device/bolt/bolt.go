/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 14 09:21:32 2018 mstenber
 * Last modified: Wed Mar 28 10:14:03 2018 mstenber
 * Edit time:     47 min
 *
 */

// bolt is a device stored in a bbolt database: one bucket of pages
// keyed by big-endian page number, so sequential pages stay adjacent
// in the B+tree.
package bolt

import (
	"encoding/binary"
	"path/filepath"

	bbolt "github.com/coreos/bbolt"
	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
	"github.com/fingon/go-tefs/util"
)

var pagesBucket = []byte("pages")

type boltDevice struct {
	device.ConfigBase
	lock util.MutexLocked
	db   *bbolt.DB
	tx   *bbolt.Tx
}

var _ device.Device = &boltDevice{}

func NewBoltDevice() device.Device {
	return &boltDevice{}
}

func (self *boltDevice) Init(config device.Config) {
	self.ConfigBase.Init(config)
	path := filepath.Join(config.Directory, "tefs.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		panic(err)
	}
	self.db = db
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pagesBucket)
		return err
	})
	if err != nil {
		panic(err)
	}
}

func (self *boltDevice) Close() {
	defer self.lock.Locked()()
	self.commit()
	if self.db != nil {
		self.db.Close()
		self.db = nil
	}
}

func pageKey(page uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, page)
	return k
}

// writable returns the long-lived write transaction, starting one if
// needed. Flush commits it.
func (self *boltDevice) writable() (*bbolt.Tx, error) {
	if self.tx == nil {
		tx, err := self.db.Begin(true)
		if err != nil {
			return nil, errors.Wrap(err, "bolt begin")
		}
		self.tx = tx
	}
	return self.tx, nil
}

func (self *boltDevice) commit() error {
	if self.tx == nil {
		return nil
	}
	err := self.tx.Commit()
	self.tx = nil
	if err != nil {
		return errors.Wrap(err, "bolt commit")
	}
	return nil
}

func (self *boltDevice) Read(page uint32, buf []byte, byteOffset int) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/bolt/bolt", "bd.Read %v @%v %v", page, byteOffset, len(buf))
	get := func(tx *bbolt.Tx) {
		v := tx.Bucket(pagesBucket).Get(pageKey(page))
		if v == nil {
			for i := range buf {
				buf[i] = 0
			}
			return
		}
		copy(buf, v[byteOffset:byteOffset+len(buf)])
	}
	if self.tx != nil {
		get(self.tx)
		return nil
	}
	err := self.db.View(func(tx *bbolt.Tx) error {
		get(tx)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "read page %d", page)
	}
	return nil
}

func (self *boltDevice) Write(page uint32, data []byte, byteOffset int, noReadback bool) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/bolt/bolt", "bd.Write %v @%v %v", page, byteOffset, len(data))
	tx, err := self.writable()
	if err != nil {
		return err
	}
	b := tx.Bucket(pagesBucket)
	k := pageKey(page)
	p := make([]byte, self.PageSize())
	if !noReadback {
		if v := b.Get(k); v != nil {
			copy(p, v)
		}
	}
	copy(p[byteOffset:], data)
	if err := b.Put(k, p); err != nil {
		return errors.Wrapf(err, "write page %d", page)
	}
	return nil
}

func (self *boltDevice) Flush() error {
	defer self.lock.Locked()()
	mlog.Printf2("device/bolt/bolt", "bd.Flush")
	return self.commit()
}

func (self *boltDevice) EraseRange(firstPage, lastPage uint32) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/bolt/bolt", "bd.EraseRange %v-%v", firstPage, lastPage)
	tx, err := self.writable()
	if err != nil {
		return err
	}
	b := tx.Bucket(pagesBucket)
	for page := firstPage; ; page++ {
		if err := b.Delete(pageKey(page)); err != nil {
			return errors.Wrapf(err, "erase page %d", page)
		}
		if page == lastPage {
			break
		}
	}
	return nil
}
