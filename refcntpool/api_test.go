// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package refcntpool

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Invoke the passed function, testFunc, which is typically a closure and
// return the the panic value if it panics or nil if it does not.
//
func catchPanic(testFunc func()) (panicErr interface{}) {
	defer func() {
		panicErr = recover()
	}()

	testFunc()
	return
}

func TestRefCntBuf(t *testing.T) {
	assert := assert.New(t)

	var released []*RefCntBuf

	bufPool := RefCntBufPoolMake(4096)
	bufPool.OnRelease = func(bufp *RefCntBuf) {
		released = append(released, bufp)
	}
	assert.Equal(uint64(4096), bufPool.BufSize())

	bufp := bufPool.GetZeroed()
	assert.Equal(4096, len(bufp.Buf))
	assert.Equal(int32(1), bufp.RefCnt())
	assert.Equal(int64(1), bufPool.Outstanding())
	for _, b := range bufp.Buf {
		if b != 0 {
			t.Fatalf("GetZeroed() returned a buffer that was not zeroed")
		}
	}

	copy(bufp.Buf, []byte("frame contents"))

	bufp.Hold()
	assert.Equal(int32(2), bufp.RefCnt())
	bufp.Release()
	assert.Equal(0, len(released))
	bufp.AssertIsHeld()

	bufp.Release()
	assert.Equal([]*RefCntBuf{bufp}, released)
	assert.Nil(bufp.Buf)
	assert.Equal(int64(0), bufPool.Outstanding())

	// a reused buffer is zeroed again by GetZeroed()
	bufp = bufPool.GetZeroed()
	assert.Equal(byte(0), bufp.Buf[0])
	bufp.Release()
}

func TestRefCntBufPanics(t *testing.T) {
	assert := assert.New(t)

	bufPool := RefCntBufPoolMake(64)

	bufp := bufPool.Get().(*RefCntBuf)
	bufp.Release()

	panicErr := catchPanic(func() { bufp.Release() })
	assert.NotNil(panicErr)
	assert.True(strings.Contains(panicErr.(string), "was not held"))

	panicErr = catchPanic(func() { bufp.Hold() })
	assert.NotNil(panicErr)

	panicErr = catchPanic(func() { bufp.AssertIsHeld() })
	assert.NotNil(panicErr)
}

func TestRefCntBufConcurrentHolds(t *testing.T) {
	assert := assert.New(t)

	var (
		releaseCnt int
		wg         sync.WaitGroup
	)

	bufPool := RefCntBufPoolMake(128)
	bufPool.OnRelease = func(bufp *RefCntBuf) {
		releaseCnt++
	}

	bufp := bufPool.GetZeroed()
	for i := 0; i < 16; i++ {
		bufp.Hold()
		wg.Add(1)
		go func() {
			defer wg.Done()
			bufp.Release()
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), bufp.RefCnt())
	assert.Equal(0, releaseCnt)
	bufp.Release()
	assert.Equal(1, releaseCnt)
}
