// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"time"

	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/transitions"
)

func parseConfMap(confMap conf.ConfMap) (err error) {
	var (
		lockHoldTimeLimit time.Duration
		lockCheckPeriod   time.Duration
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		logger.Infof("config variable 'TrackedLock.LockHoldTimeLimit' defaulting to '0s': %v", err)
		lockHoldTimeLimit = time.Duration(0)
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		logger.Infof("config variable 'TrackedLock.LockCheckPeriod' defaulting to '0s': %v", err)
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod is meaningless without lockHoldTimeLimit
	if lockHoldTimeLimit == 0 {
		lockCheckPeriod = 0
	}

	globals.holdLimit = lockHoldTimeLimit
	globals.checkPeriod = lockCheckPeriod
	globals.maxLogged = 16

	err = nil
	return
}

// Register trackedlock package with transitions so that transitions can call Up()/Down()/etc.
// at the appropriate times and config changes.
//
func init() {
	transitions.Register("trackedlock", &globals)
}

func startWatcher() {
	globals.watchLock.Lock()
	globals.watched = make(map[*lockTracker]*Mutex)
	globals.watchLock.Unlock()

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.ticker = time.NewTicker(globals.checkPeriod)
	go lockWatcher(globals.ticker.C)
}

func stopWatcher() {
	if nil == globals.ticker {
		return
	}

	globals.ticker.Stop()
	globals.ticker = nil
	globals.stopChan <- struct{}{}
	<-globals.doneChan

	globals.watchLock.Lock()
	for lt := range globals.watched {
		lt.watched = false
	}
	globals.watched = nil
	globals.watchLock.Unlock()
}

// Up() initializes the package.  It must be called and successfully return
// before locks will be tracked.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if err != nil {
		return
	}
	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v",
		globals.holdLimit, globals.checkPeriod)

	if globals.checkPeriod != 0 {
		startWatcher()
	}

	return
}

// SignaledStart does nothing (lock tracking is not changed until SignaledFinish() call)
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish updates lock tracking state based on confMap contents
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	oldCheckPeriod := globals.checkPeriod
	oldTimeLimit := globals.holdLimit

	stopWatcher()

	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		return
	}

	if globals.checkPeriod != oldCheckPeriod || globals.holdLimit != oldTimeLimit {
		logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
			oldTimeLimit, oldCheckPeriod, globals.holdLimit, globals.checkPeriod)
	}

	if globals.checkPeriod != 0 {
		startWatcher()
	}

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	// shutdown lock tracker
	logger.Infof("trackedlock.Down() called")
	stopWatcher()

	globals.holdLimit = 0
	globals.checkPeriod = 0

	return nil
}
