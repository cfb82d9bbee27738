/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 14 13:01:55 2018 mstenber
 * Last modified: Wed Mar 28 10:40:02 2018 mstenber
 * Edit time:     14 min
 *
 */

// factory constructs devices by name. It exists as its own package so
// that the individual backends do not wind up as dependencies of the
// device package itself.
package factory

import (
	"fmt"
	"sort"

	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/device/badger"
	"github.com/fingon/go-tefs/device/bolt"
	"github.com/fingon/go-tefs/device/file"
	"github.com/fingon/go-tefs/device/inmemory"
)

var deviceFactories = map[string]func() device.Device{
	"inmemory": inmemory.NewInMemoryDevice,
	"file":     file.NewFileDevice,
	"bolt":     bolt.NewBoltDevice,
	"badger":   badger.NewBadgerDevice,
}

// List returns the names of the available device backends.
func List() []string {
	keys := make([]string, 0, len(deviceFactories))
	for k := range deviceFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New creates a device of the given backend type, initialized with
// the given configuration.
func New(name string, config device.Config) device.Device {
	factory, ok := deviceFactories[name]
	if !ok {
		panic(fmt.Sprintf("unknown device backend: %s", name))
	}
	dev := factory()
	dev.Init(config)
	return dev
}
