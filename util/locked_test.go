/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Mar 13 09:40:12 2018 mstenber
 * Last modified: Tue Mar 13 09:51:27 2018 mstenber
 * Edit time:     4 min
 *
 */

package util

import (
	"sync"
	"testing"

	"github.com/stvp/assert"
)

func TestMutexLocked(t *testing.T) {
	t.Parallel()
	var l MutexLocked

	var wg sync.WaitGroup
	wg.Add(10)
	j := 0
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			defer l.Locked()()
			j++
		}()
	}
	wg.Wait()
	assert.Equal(t, j, 10)
}
