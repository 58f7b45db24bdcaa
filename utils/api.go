// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities shared by the cache and lock packages.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractFnNameRE  = regexp.MustCompile(`[^\/]*$`)
	extractPkgNameRE = regexp.MustCompile(`^[^.]*`)
	extractTailRE    = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the goroutine id of the caller.
//
// Logging the goroutine is useful when debugging lock ordering between a
// Content Cache and the Range Lock Manager; nothing should depend on it.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// StackTraceToGoId extracts the goroutine id from the first line of a stack
// trace as returned by runtime.Stack() (e.g. "goroutine 17 [running]:").
// Returns 0 if the trace is not in the expected form.
//
func StackTraceToGoId(buf []byte) uint64 {
	b := bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(b, ' ')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(b[:idx]), 10, 64)
	return n
}

// Return a string containing calling function and package
func GetAFnName(level int) string {
	// Get the PC and file for the level requested, adding one level to skip this function
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if functionObject == nil {
		return "unknown.unknown"
	}
	// Extract just the package and function name (and not the module path)
	return extractFnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function and
// package, plus the goroutine id of the caller.
//
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	// package name is the beginning of string to first "."
	pkg = extractPkgNameRE.FindString(funcPkg)

	// function name is end of string to last "."
	fn = extractTailRE.FindString(funcPkg)

	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns a string containing the name of the running function and its package.
// This can be useful for debug prints.
func GetFnName() string {
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
func GetCallerFnName() string {
	return GetAFnName(2)
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	// Stopping a stopped Stopwatch keeps the elapsed time of the first Stop()
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedUs() uint64 {
	return uint64(sw.Elapsed() / time.Microsecond)
}

