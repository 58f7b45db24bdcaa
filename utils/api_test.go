// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStackTraceToGoId(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(17), StackTraceToGoId([]byte("goroutine 17 [running]:\nmain.main()\n")))
	assert.Equal(uint64(0), StackTraceToGoId([]byte("garbage")))

	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	assert.Equal(StackTraceToGoId(buf), GetGID())
	assert.NotEqual(uint64(0), GetGID())
}

func testFuncPackageHelper() (fn string, pkg string) {
	fn, pkg, _ = GetFuncPackage(1)
	return
}

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	fn, pkg := testFuncPackageHelper()
	assert.Equal("utils", pkg)
	assert.Equal("TestGetFuncPackage", fn)

	assert.Equal("utils.TestGetFuncPackage", GetFnName())
}

func TestStopwatch(t *testing.T) {
	sw := NewStopwatch()
	time.Sleep(5 * time.Millisecond)
	elapsed := sw.Stop()

	if elapsed < 5*time.Millisecond {
		t.Fatalf("Stopwatch elapsed %v less than sleep", elapsed)
	}
	if sw.Elapsed() != elapsed {
		t.Fatalf("stopped Stopwatch should not advance")
	}

	sw.Restart()
	if !sw.IsRunning {
		t.Fatalf("Restart() should leave the Stopwatch running")
	}
}
