// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface. Every error returned by
// the cache and lock manager packages carries an errno value added here.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/contentcache/logger"
)

// FsError is an errno value attached to an error.
//
// NOTE: unix.Errno is used here because they are errno constants that exist in Go-land.
//       We need to cast it to an int to get the errno value.
//
type FsError int

const (
	NotPermError     FsError = FsError(int(unix.EPERM))     // Operation not permitted
	NotFoundError    FsError = FsError(int(unix.ENOENT))    // No such file or directory
	InterruptedError FsError = FsError(int(unix.EINTR))     // Interrupted system call
	IOError          FsError = FsError(int(unix.EIO))       // I/O error
	TryAgainError    FsError = FsError(int(unix.EAGAIN))    // Try again
	OutOfMemoryError FsError = FsError(int(unix.ENOMEM))    // Out of memory
	InvalidArgError  FsError = FsError(int(unix.EINVAL))    // Invalid argument
	ReadOnlyError    FsError = FsError(int(unix.EROFS))     // Read-only file system
	DeadlockError    FsError = FsError(int(unix.EDEADLK))   // Resource deadlock would occur
	NoLocksError     FsError = FsError(int(unix.ENOLCK))    // No record locks available
	OverflowError    FsError = FsError(int(unix.EOVERFLOW)) // Value too large for defined data type
)

// SuccessError is the FsError of a nil error
const SuccessError FsError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

var fsErrorNames = map[FsError]string{
	SuccessError:     "SuccessError",
	NotPermError:     "NotPermError",
	NotFoundError:    "NotFoundError",
	InterruptedError: "InterruptedError",
	IOError:          "IOError",
	TryAgainError:    "TryAgainError",
	OutOfMemoryError: "OutOfMemoryError",
	InvalidArgError:  "InvalidArgError",
	ReadOnlyError:    "ReadOnlyError",
	DeadlockError:    "DeadlockError",
	NoLocksError:     "NoLocksError",
	OverflowError:    "OverflowError",
}

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	name, ok := fsErrorNames[err]
	if ok {
		return name
	}
	return fmt.Sprintf("FsError(%d)", int(err))
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: by default merry will replace the old errno with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		// The caller intends to make this a non-nil error
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns e's message with its errno value appended, if set
func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
