// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats keeps counters and log2 distributions for the cache and
// lock manager.
//
// A package gathers its statistics as exported fields of one struct and
// hands a pointer to it to Register().  SprintStats() then renders any
// registered group, one statistic per line.
//
package bucketstats

import (
	"sync/atomic"
)

type StatStringFormat int

const (
	// "pkg.group.Name total:N" followed by key:value pairs
	StatFormatParsable1 StatStringFormat = iota
)

// statistic is satisfied by every field type Register() recognizes.
type statistic interface {
	Add(value uint64)
	TotalGet() uint64
	sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string
}

// BucketInfo describes one bucket of a BucketLog2Round.  MeanVal is the
// midpoint of [RangeLow,RangeHigh].
//
type BucketInfo struct {
	Count      uint64
	NominalVal uint64
	MeanVal    uint64
	RangeLow   uint64
	RangeHigh  uint64
}

// Register names every statistic field of *statsStruct (a statistic whose
// Name is "" takes its field name) and makes the group visible to
// SprintStats().  Either pkgName or statsGroupName may be "" but not both,
// and the pair must not already be registered.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister forgets a group.  Unknown groups are ignored.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats renders the selected groups.  "*" for pkgName or
// statsGroupName selects every package or every group respectively.
//
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a running sum.
//
type Total struct {
	total uint64 // first for 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

// BucketLog2Round counts values in bucket round(log2(value))+1, with 0 in
// bucket 0.  So 1 lands in bucket 1, 2 in 2, 3-5 in 3, 6-11 in 4 and so on.
//
// NBucket is clamped by Register() to [10,65], 0 meaning 65.  Values past the
// last bucket are counted in it.
//
type BucketLog2Round struct {
	Name        string
	NBucket     uint
	statBuckets [65]uint64
}

func (this *BucketLog2Round) Add(value uint64) {
	idx := log2RoundIdx(value)
	if idx > this.NBucket-1 {
		idx = this.NBucket - 1
	}

	atomic.AddUint64(&this.statBuckets[idx], 1)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() uint64 {
	_, count, _, _ := bucketCalcStat(this.DistGet())
	return count
}

// TotalGet approximates the sum of values added using each bucket's MeanVal.
func (this *BucketLog2Round) TotalGet() uint64 {
	_, _, total, _ := bucketCalcStat(this.DistGet())
	return total
}

func (this *BucketLog2Round) AverageGet() uint64 {
	_, _, _, mean := bucketCalcStat(this.DistGet())
	return mean
}

func (this *BucketLog2Round) DistGet() []BucketInfo {
	return bucketDistMake(this.NBucket, this.statBuckets[:])
}
