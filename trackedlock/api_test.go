// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/transitions"
)

func testUp(t *testing.T, confStrings []string) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings(append([]string{
		"Logging.LogFilePath=/dev/null",
	}, confStrings...))
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}
	return
}

func testDown(t *testing.T, confMap conf.ConfMap) {
	err := transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

func TestUntrackedMutex(t *testing.T) {
	assert := assert.New(t)

	confMap := testUp(t, nil)
	defer testDown(t, confMap)

	var (
		counter int
		mutex   Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
			wg.Done()
		}()
	}
	wg.Wait()

	assert.Equal(8000, counter)
	assert.Nil(mutex.tracker.stack)
	assert.Equal(int32(0), mutex.tracker.held)
}

func TestLongHoldAtUnlock(t *testing.T) {
	assert := assert.New(t)

	confMap := testUp(t, []string{
		"TrackedLock.LockHoldTimeLimit=20ms",
		"TrackedLock.LockCheckPeriod=0s",
	})
	defer testDown(t, confMap)

	var mutex Mutex

	before := LongHoldCount()

	mutex.Lock()
	assert.NotNil(mutex.tracker.stack)
	assert.NotEqual(uint64(0), mutex.tracker.goID)
	mutex.Unlock()
	assert.Equal(before, LongHoldCount(), "short hold is not reported")

	mutex.Lock()
	time.Sleep(40 * time.Millisecond)
	mutex.Unlock()
	assert.Equal(before+1, LongHoldCount())
	assert.Nil(mutex.tracker.stack)
}

func TestLockWatcher(t *testing.T) {
	assert := assert.New(t)

	confMap := testUp(t, []string{
		"TrackedLock.LockHoldTimeLimit=20ms",
		"TrackedLock.LockCheckPeriod=10ms",
	})

	var mutex Mutex

	before := LongHoldCount()

	mutex.Lock()
	assert.True(mutex.tracker.watched)
	// the watcher reports the lock while it is still held
	for i := 0; i < 100 && LongHoldCount() == before; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(LongHoldCount() > before)
	mutex.Unlock()

	// lowering the limit to 0 via a signal disables tracking and the watcher
	err := confMap.UpdateFromStrings([]string{
		"TrackedLock.LockHoldTimeLimit=0s",
	})
	assert.Nil(err)
	err = transitions.Signaled(confMap)
	assert.Nil(err)
	assert.Nil(globals.ticker)
	assert.False(mutex.tracker.watched)

	testDown(t, confMap)
}
