// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rangelock

import (
	"github.com/NVIDIA/contentcache/bucketstats"
)

type statsStruct struct {
	Acquires   bucketstats.Total
	Grants     bucketstats.Total
	TryAgains  bucketstats.Total
	Deadlocks  bucketstats.Total
	Waits      bucketstats.Total
	Interrupts bucketstats.Total
	Releases   bucketstats.Total
	Splits     bucketstats.Total
	WaitUsec   bucketstats.BucketLog2Round
}

var stats statsStruct

func init() {
	bucketstats.Register("rangelock", "", &stats)
}
