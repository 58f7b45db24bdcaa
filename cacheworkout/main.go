// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/bucketstats"
	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/frame"
	"github.com/NVIDIA/contentcache/pagecache"
	"github.com/NVIDIA/contentcache/rangelock"
	"github.com/NVIDIA/contentcache/trackedlock"
	"github.com/NVIDIA/contentcache/transitions"
)

var (
	cache          *pagecache.Cache
	doNextStepChan chan bool
	lockManager    *rangelock.Manager
	pagesPerThread uint64
	stepErrChan    chan error
	threads        uint64
)

// backingStore is the Driver behind the workout cache: pages evicted by
// reclaim are written here and read back on the next miss.
type backingStore struct {
	trackedlock.Mutex
	pages map[uint64][]byte
}

func (store *backingStore) LoadPage(cache *pagecache.Cache, pos uint64, buf []byte) (err error) {
	store.Lock()
	copy(buf, store.pages[pos])
	store.Unlock()
	return
}

func (store *backingStore) FlushPage(cache *pagecache.Cache, pos uint64, buf []byte) (err error) {
	store.Lock()
	store.pages[pos] = append([]byte(nil), buf...)
	store.Unlock()
	return
}

func (store *backingStore) Resized(cache *pagecache.Cache) {}

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v threads pages-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    pages-per-thread        number of pages each thread will write, read and verify\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
}

func main() {
	var (
		confMap                      conf.ConfMap
		durationOfMeasuredOperations time.Duration
		err                          error
		latencyPerOpInMilliSeconds   float64
		opsPerSecond                 float64
		provider                     *frame.MemProvider
		reclaimed                    uint64
		registry                     *pagecache.Registry
		timeAfterMeasuredOperations  time.Time
		timeBeforeMeasuredOperations time.Time
	)

	// Parse arguments

	if 4 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[1], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	pagesPerThread, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of pages-per-thread failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == pagesPerThread {
		fmt.Fprintf(os.Stderr, "pages-per-thread must be a positive number\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[3])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}

	if 4 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[4:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[4:], err)
			os.Exit(1)
		}
	}

	// Start up needed components

	err = transitions.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Up() failed: %v\n", err)
		os.Exit(1)
	}

	provider, err = frame.NewMemProvider(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "frame.NewMemProvider() failed: %v\n", err)
		os.Exit(1)
	}

	registry, err = pagecache.NewRegistry(confMap, provider)
	if nil != err {
		fmt.Fprintf(os.Stderr, "pagecache.NewRegistry() failed: %v\n", err)
		os.Exit(1)
	}

	cache = registry.NewCache(&backingStore{pages: make(map[uint64][]byte)}, 0, nil)
	lockManager = rangelock.New()

	// Perform tests

	stepErrChan = make(chan error, 0)
	doNextStepChan = make(chan bool, 0)

	// Do initialization step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		go cacheWorkout(threadIndex)
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "cacheWorkout() initialization step returned: %v\n", err)
			os.Exit(1)
		}
	}

	// Do measured operations step
	timeBeforeMeasuredOperations = time.Now()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "cacheWorkout() measured operations step returned: %v\n", err)
			os.Exit(1)
		}
	}
	timeAfterMeasuredOperations = time.Now()

	// Evict everything, then have each thread verify its pages come back
	for {
		var h frame.Handle

		h, err = registry.ReclaimPage()
		if nil != err {
			if blunder.IsNot(err, blunder.NotFoundError) {
				fmt.Fprintf(os.Stderr, "registry.ReclaimPage() failed: %v\n", err)
				os.Exit(1)
			}
			break
		}
		provider.DecRef(h)
		reclaimed++
	}

	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "cacheWorkout() verify after reclaim step returned: %v\n", err)
			os.Exit(1)
		}
	}

	err = cache.Flush()
	if nil != err {
		fmt.Fprintf(os.Stderr, "cache.Flush() failed: %v\n", err)
		os.Exit(1)
	}
	err = cache.Validate()
	if nil != err {
		fmt.Fprintf(os.Stderr, "cache.Validate() failed: %v\n", err)
		os.Exit(1)
	}

	cache.Uncache()
	cache.Down()
	registry.Teardown()

	// Stop components launched above

	err = transitions.Down(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	durationOfMeasuredOperations = timeAfterMeasuredOperations.Sub(timeBeforeMeasuredOperations)

	opsPerSecond = float64(threads*pagesPerThread*1000*1000*1000) / float64(durationOfMeasuredOperations.Nanoseconds())
	latencyPerOpInMilliSeconds = float64(durationOfMeasuredOperations.Nanoseconds()) / float64(pagesPerThread*1000*1000)

	fmt.Printf("opsPerSecond = %10.2f\n", opsPerSecond)
	fmt.Printf("latencyPerOp = %10.2f ms\n", latencyPerOpInMilliSeconds)
	fmt.Printf("reclaimed    = %10d pages\n", reclaimed)
	fmt.Printf("framesInUse  = %10d\n", provider.InUse())
	fmt.Print(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))
}

func pageContents(threadIndex uint64, pageIndex uint64) (buf []byte) {
	buf = make([]byte, frame.PageSize)
	for i := range buf {
		buf[i] = byte(threadIndex + pageIndex + uint64(i))
	}
	return
}

// verifyPage checks a page under a read lock held by owner
func verifyPage(owner rangelock.OwnerID, threadIndex uint64, pageIndex uint64, pos uint64, buf []byte) (err error) {
	err = lockManager.Acquire(context.Background(), rangelock.ReadLock, owner, pos, frame.PageSize, true)
	if nil != err {
		return
	}
	n, err := cache.Read(buf, pos)
	_ = lockManager.Release(owner, pos, frame.PageSize)
	if nil != err {
		return
	}
	if (frame.PageSize != n) || !bytes.Equal(pageContents(threadIndex, pageIndex), buf) {
		err = fmt.Errorf("thread %v page %v at %v miscompared (%v bytes read)", threadIndex, pageIndex, pos, n)
	}
	return
}

func cacheWorkout(threadIndex uint64) {
	var (
		err       error
		n         int
		owner     rangelock.OwnerID
		pageIndex uint64
		pos       uint64
		readBuf   []byte
	)

	// Do initialization step
	owner = rangelock.GenerateOwnerID()
	readBuf = make([]byte, frame.PageSize)

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for pageIndex = 0; pageIndex < pagesPerThread; pageIndex++ {
		pos = (pageIndex*threads + threadIndex) * frame.PageSize

		err = lockManager.Acquire(context.Background(), rangelock.WriteLock, owner, pos, frame.PageSize, true)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		n, err = cache.Write(pageContents(threadIndex, pageIndex), pos)
		if nil == err && frame.PageSize != n {
			err = fmt.Errorf("short write of %v bytes at %v", n, pos)
		}
		if nil != err {
			lockManager.ReleaseAll(owner)
			stepErrChan <- err
			runtime.Goexit()
		}
		err = lockManager.Release(owner, pos, frame.PageSize)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}

		err = verifyPage(owner, threadIndex, pageIndex, pos, readBuf)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	// Indicate measured operations step is done
	stepErrChan <- nil

	// Await signal to verify pages reloaded after reclaim
	_ = <-doNextStepChan

	for pageIndex = 0; pageIndex < pagesPerThread; pageIndex++ {
		pos = (pageIndex*threads + threadIndex) * frame.PageSize
		err = verifyPage(owner, threadIndex, pageIndex, pos, readBuf)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	lockManager.ReleaseAll(owner)

	// Indicate verify step is done
	stepErrChan <- nil
}
