// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"github.com/NVIDIA/contentcache/bucketstats"
)

type statsStruct struct {
	Lookups       bucketstats.Total
	Hits          bucketstats.Total
	Misses        bucketstats.Total
	Loads         bucketstats.Total
	LoadFailures  bucketstats.Total
	LoadWaits     bucketstats.Total
	DirectPages   bucketstats.Total
	Flushes       bucketstats.Total
	FlushFailures bucketstats.Total
	Truncates     bucketstats.Total
	PagesDropped  bucketstats.Total
	Reclaims      bucketstats.Total
	ReclaimMisses bucketstats.Total

	ReadBytes  bucketstats.BucketLog2Round
	WriteBytes bucketstats.BucketLog2Round
	LoadUsec   bucketstats.BucketLog2Round
}

var stats statsStruct

func init() {
	bucketstats.Register("pagecache", "", &stats)
}
