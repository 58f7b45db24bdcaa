// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rangelock

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/transitions"
)

func TestMain(m *testing.M) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.TraceLevelLogging=rangelock",
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

// waitCountWaiters polls until m has count queued requests
func waitCountWaiters(t *testing.T, m *Manager, count int) {
	deadline := time.Now().Add(10 * time.Second)
	for m.Waiters() != count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v waiters (have %v)", count, m.Waiters())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func acquireAsync(m *Manager, ctx context.Context, kind Kind, owner OwnerID, start uint64, length uint64) (done chan error) {
	done = make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, kind, owner, start, length, true)
	}()
	return
}

func expectDone(t *testing.T, done chan error) (err error) {
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("blocked Acquire() never returned")
	}
	return
}

func expectBlocked(t *testing.T, done chan error) {
	select {
	case err := <-done:
		t.Fatalf("Acquire() returned %v while it should be blocked", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOwnerIDs(t *testing.T) {
	assert := assert.New(t)

	a := GenerateOwnerID()
	b := GenerateOwnerID()
	assert.NotEqual(a, b)
	assert.Equal("WriteLock", WriteLock.String())
	assert.Equal("Kind(9)", Kind(9).String())
	assert.Equal("ReadLock[5,15) owner 7", Range{Kind: ReadLock, Owner: 7, Start: 5, Length: 10}.String())
}

func TestArgumentChecks(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()

	err := m.Acquire(ctx, WriteLock, 1, 0, 0, false)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	err = m.Acquire(ctx, ReadLock, 1, 100, 0, true)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	err = m.Acquire(ctx, WriteLock, 1, MaxOffset-10, 11, false)
	assert.True(blunder.Is(err, blunder.OverflowError))
	err = m.Acquire(ctx, WriteLock, 1, MaxOffset+1, 1, false)
	assert.True(blunder.Is(err, blunder.OverflowError))
	err = m.Release(1, 10, MaxOffset)
	assert.True(blunder.Is(err, blunder.OverflowError))

	err = m.Acquire(ctx, Kind(0), 1, 0, 10, false)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.NoError(m.Acquire(ctx, WriteLock, 1, MaxOffset-10, 10, false))
	assert.Equal(1, m.Len())
	assert.Equal(0, m.Waiters())
}

func TestOverlapAlgebra(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()
	a := GenerateOwnerID()
	b := GenerateOwnerID()

	assert.NoError(m.Acquire(ctx, WriteLock, a, 0, 10, false))

	err := m.Acquire(ctx, WriteLock, b, 5, 10, false)
	assert.True(blunder.Is(err, blunder.TryAgainError))
	err = m.Acquire(ctx, ReadLock, b, 9, 1, false)
	assert.True(blunder.Is(err, blunder.TryAgainError))

	// half open: [10,15) does not touch [0,10)
	assert.NoError(m.Acquire(ctx, WriteLock, b, 10, 5, false))
	assert.NoError(m.Release(b, 10, 5))

	done := acquireAsync(m, ctx, WriteLock, b, 5, 10)
	waitCountWaiters(t, m, 1)
	expectBlocked(t, done)

	// shrinking a to [0,6) still conflicts
	assert.NoError(m.Release(a, 6, 4))
	expectBlocked(t, done)
	waitCountWaiters(t, m, 1)

	// below 5 it no longer does
	assert.NoError(m.Release(a, 5, 1))
	assert.NoError(expectDone(t, done))
	assert.Equal([]Range{{Kind: WriteLock, Owner: a, Start: 0, Length: 5}}, m.Ranges(a))
	assert.Equal([]Range{{Kind: WriteLock, Owner: b, Start: 5, Length: 10}}, m.Ranges(b))
	assert.Equal(0, m.Waiters())
}

func TestSharedReaders(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()

	assert.NoError(m.Acquire(ctx, ReadLock, 1, 0, 100, false))
	assert.NoError(m.Acquire(ctx, ReadLock, 2, 50, 100, false))
	assert.NoError(m.Acquire(ctx, ReadLock, 3, 0, 1000, false))
	assert.True(blunder.Is(m.Acquire(ctx, WriteLock, 4, 99, 1, false), blunder.TryAgainError))
	assert.NoError(m.Acquire(ctx, WriteLock, 4, 1000, 1, false))
	assert.Equal(4, m.Len())
}

func TestReleaseCases(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()
	k := GenerateOwnerID()
	other := GenerateOwnerID()

	assert.NoError(m.Acquire(ctx, WriteLock, k, 0, 100, false))
	assert.NoError(m.Acquire(ctx, WriteLock, other, 200, 100, false))

	// split
	assert.NoError(m.Release(k, 40, 20))
	assert.Equal([]Range{
		{Kind: WriteLock, Owner: k, Start: 0, Length: 40},
		{Kind: WriteLock, Owner: k, Start: 60, Length: 40},
	}, m.Ranges(k))

	// front
	assert.NoError(m.Release(k, 50, 20))
	assert.Equal([]Range{
		{Kind: WriteLock, Owner: k, Start: 0, Length: 40},
		{Kind: WriteLock, Owner: k, Start: 70, Length: 30},
	}, m.Ranges(k))

	// back
	assert.NoError(m.Release(k, 30, 20))
	assert.Equal([]Range{
		{Kind: WriteLock, Owner: k, Start: 0, Length: 30},
		{Kind: WriteLock, Owner: k, Start: 70, Length: 30},
	}, m.Ranges(k))

	// whole range plus parts of the other
	assert.NoError(m.Release(k, 20, 60))
	assert.Equal([]Range{
		{Kind: WriteLock, Owner: k, Start: 0, Length: 20},
		{Kind: WriteLock, Owner: k, Start: 80, Length: 20},
	}, m.Ranges(k))

	// another owner's ranges are untouched
	assert.NoError(m.Release(k, 200, 100))
	assert.Equal(3, m.Len())

	// zero length releases through MaxOffset
	assert.NoError(m.Release(k, 10, 0))
	assert.Equal([]Range{{Kind: WriteLock, Owner: k, Start: 0, Length: 10}}, m.Ranges(k))

	m.ReleaseAll(k)
	assert.Empty(m.Ranges(k))
	assert.Equal([]Range{{Kind: WriteLock, Owner: other, Start: 200, Length: 100}}, m.Ranges(other))

	// an Unlock kind Acquire is a Release
	assert.NoError(m.Acquire(ctx, Unlock, other, 250, 0, false))
	assert.Equal([]Range{{Kind: WriteLock, Owner: other, Start: 200, Length: 50}}, m.Ranges(other))
}

func TestDeadlockDetection(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()
	k := GenerateOwnerID()

	assert.NoError(m.Acquire(ctx, ReadLock, k, 100, 100, false))

	for _, kind := range []Kind{ReadLock, WriteLock} {
		for _, blocking := range []bool{false, true} {
			err := m.Acquire(ctx, kind, k, 150, 100, blocking)
			assert.True(blunder.Is(err, blunder.DeadlockError), "%v blocking %v", kind, blocking)
		}
	}
	assert.Equal(0, m.Waiters())

	// self overlap is reported even when another owner also conflicts
	assert.NoError(m.Acquire(ctx, WriteLock, k+1, 0, 50, false))
	err := m.Acquire(ctx, WriteLock, k, 0, 150, true)
	assert.True(blunder.Is(err, blunder.DeadlockError))

	// adjacent is fine
	assert.NoError(m.Acquire(ctx, WriteLock, k, 200, 10, false))
	assert.Len(m.Ranges(k), 2)
}

func TestInterruptedWait(t *testing.T) {
	assert := assert.New(t)

	m := New()
	a := GenerateOwnerID()
	b := GenerateOwnerID()

	assert.NoError(m.Acquire(context.Background(), WriteLock, a, 0, 10, false))

	ctx, cancel := context.WithCancel(context.Background())
	done := acquireAsync(m, ctx, ReadLock, b, 0, 10)
	waitCountWaiters(t, m, 1)

	cancel()
	err := expectDone(t, done)
	assert.True(blunder.Is(err, blunder.InterruptedError))
	assert.Equal(0, m.Waiters())
	assert.Empty(m.Ranges(b))

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = m.Acquire(ctx, WriteLock, b, 5, 1, true)
	assert.True(blunder.Is(err, blunder.InterruptedError))
	assert.Equal(0, m.Waiters())
	assert.Equal(1, m.Len())
}

func TestWakeAllRetry(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()
	a := GenerateOwnerID()
	b := GenerateOwnerID()
	c := GenerateOwnerID()
	d := GenerateOwnerID()

	assert.NoError(m.Acquire(ctx, WriteLock, a, 0, 100, false))
	assert.NoError(m.Acquire(ctx, WriteLock, d, 100, 100, false))

	doneB := acquireAsync(m, ctx, ReadLock, b, 0, 10)
	waitCountWaiters(t, m, 1)
	doneC := acquireAsync(m, ctx, ReadLock, c, 50, 100)
	waitCountWaiters(t, m, 2)

	// both wake; b is granted, c still conflicts with d and requeues
	m.ReleaseAll(a)
	assert.NoError(expectDone(t, doneB))
	waitCountWaiters(t, m, 1)
	expectBlocked(t, doneC)

	m.ReleaseAll(d)
	assert.NoError(expectDone(t, doneC))
	assert.Equal(0, m.Waiters())
	assert.Equal(2, m.Len())
}

func TestQueryAndTest(t *testing.T) {
	assert := assert.New(t)

	m := New()
	ctx := context.Background()
	a := GenerateOwnerID()
	b := GenerateOwnerID()

	_, found := m.Query(a, 0)
	assert.False(found)

	assert.NoError(m.Acquire(ctx, ReadLock, a, 100, 10, false))
	assert.NoError(m.Acquire(ctx, WriteLock, a, 200, 10, false))

	conflict, found := m.Query(b, 0)
	assert.True(found)
	assert.Equal(Range{Kind: ReadLock, Owner: a, Start: 100, Length: 10}, conflict)

	conflict, found = m.Query(b, 110)
	assert.True(found)
	assert.Equal(uint64(200), conflict.Start)

	_, found = m.Query(b, 210)
	assert.False(found)
	_, found = m.Query(a, 0)
	assert.False(found, "an owner never conflicts with itself")

	_, found = m.Test(ReadLock, b, 0, 150)
	assert.False(found, "readers share")
	conflict, found = m.Test(ReadLock, b, 0, 0)
	assert.True(found)
	assert.Equal(WriteLock, conflict.Kind)
	_, found = m.Test(WriteLock, b, 110, 90)
	assert.False(found)

	// probes change nothing
	assert.Equal(2, m.Len())
}
