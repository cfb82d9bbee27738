/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Mar 12 10:21:33 2018 mstenber
 * Last modified: Fri Mar 23 11:02:44 2018 mstenber
 * Edit time:     54 min
 *
 */

// mlog is maybe-log, a small wrapper of the standard 'log' package
// with pattern-based enabling: the TLOG environment variable (or the
// -tlog flag) supplies a regular expression that is matched against
// the file tag given to Printf2. What does not match costs next to
// nothing at runtime, and by default everything is off.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-tefs/util/gid"
)

var logMode = log.Ltime | log.Lmicroseconds
var logger = log.New(os.Stderr, "", logMode)

const (
	StateUninitialized int32 = iota
	StateInitializing
	StateDisabled
	StateEnabled
)

// This can be used by anyone, with the atomic access
var status int32 = StateUninitialized

var mutex sync.Mutex

// Everything else must be used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var file2Debug map[string]*bool

func init() {
	flagPattern = flag.String("tlog", "", "Enable logging based on the given file tag regular expression")
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive.
func IsEnabled() bool {
	st := atomic.LoadInt32(&status)
	return st != StateDisabled
}

// SetLogger allows overriding of the logger used as output when mlog
// actually wants to forward Printf somewhere. The returned undo
// function can be used to change the logger back to old one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldLogger := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = oldLogger
	}
}

// SetPattern allows setting the mlog pattern by hand, overriding the
// environment variable-provided value. The returned undo function
// can be used to change the state back to old one.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldPattern := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(oldPattern)
	}
}

func initializeWithPattern(p string) {
	if p == "" {
		atomic.StoreInt32(&status, StateDisabled)
		pattern = p
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]*bool)
	atomic.StoreInt32(&status, StateEnabled)
	pattern = p
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, StateUninitialized, StateInitializing) {
		return
	}
	pattern := os.Getenv("TLOG")
	if *flagPattern != "" {
		pattern = *flagPattern
	}
	initializeWithPattern(pattern)
}

var dumpGids = true

// Printf2 is the main entrypoint. It is supplied with the name of the
// file, and therefore has no runtime penalty to speak of when using
// only partial TLOG match.
func Printf2(file string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == StateDisabled {
		return
	}
	mutex.Lock()
	if st < StateDisabled {
		initialize()
		st = atomic.LoadInt32(&status)
		if st <= StateDisabled {
			mutex.Unlock()
			return
		}
	}
	debug := true
	debugp := file2Debug[file]
	if debugp == nil {
		debug = patternRegexp.Find([]byte(file)) != nil
		file2Debug[file] = &debug
	} else {
		debug = *debugp
	}
	if debug {
		if dumpGids {
			format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
		}
		logger.Printf(format, args...)
	}
	mutex.Unlock()
}
