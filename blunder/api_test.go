// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/transitions"
)

func TestMain(m *testing.M) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
	})
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromStrings() failed: %v\n", err)
		os.Exit(1)
	}

	err = transitions.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Up() failed: %v\n", err)
		os.Exit(1)
	}

	rc := m.Run()

	err = transitions.Down(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Down() failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(rc)
}

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EPERM), NotPermError.Value())
	assert.Equal(int(unix.EDEADLK), DeadlockError.Value())
	assert.Equal(int(unix.EOVERFLOW), OverflowError.Value())
	assert.Equal(int(unix.EINTR), InterruptedError.Value())
	assert.Equal("TryAgainError", TryAgainError.String())
	assert.Equal("FsError(9999)", FsError(9999).String())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.True(IsSuccess(err))
	assert.Equal("", ErrorString(err))

	err = fmt.Errorf("plain error")
	assert.Equal(failureErrno, Errno(err))
	assert.True(IsNotSuccess(err))
	assert.Equal("plain error", ErrorString(err))
}

func TestAddValue(t *testing.T) {
	assert := assert.New(t)

	err := NewError(IOError, "page at %v failed to load", 4096)
	assert.True(Is(err, IOError))
	assert.True(IsNot(err, ReadOnlyError))
	assert.Equal(int(unix.EIO), Errno(err))
	assert.Equal("page at 4096 failed to load", err.Error())
	assert.True(strings.HasSuffix(ErrorString(err), fmt.Sprintf("Error Value: %v", int(unix.EIO))))

	err = AddError(err, TryAgainError)
	assert.True(Is(err, TryAgainError))

	err = AddError(nil, DeadlockError)
	assert.NotNil(err)
	assert.True(Is(err, DeadlockError))

	err = AddError(fmt.Errorf("driver failure"), IOError)
	assert.True(Is(err, IOError))
	assert.Equal("driver failure", err.Error())

	file, line := Location(err)
	assert.True(strings.HasSuffix(file, "api_test.go"))
	assert.NotEqual(0, line)
	assert.NotEqual("", Stacktrace(err))
	assert.True(strings.Contains(Details(err), "driver failure"))
}
