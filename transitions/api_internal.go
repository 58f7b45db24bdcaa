// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex       // Used only for protecting insertions into registration{List|Set} during init() phase
	registrationList *list.List
	registrationSet  map[string]*registrationItemStruct
	upList           []*registrationItemStruct // packages whose Up() succeeded, in registration order
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegisted  bool
		registrationItem *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegisted = globals.registrationSet[packageName]
	if alreadyRegisted {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

func up(confMap conf.ConfMap) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	if 0 != len(globals.upList) {
		err = fmt.Errorf("transitions.Up() called while already up")
		return
	}

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Up() calling %s.Up()", registrationItem.packageName)
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.Errorf("transitions.Up() call to %s.Up() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			unwindUp(confMap)
			return
		}
		globals.upList = append(globals.upList, registrationItem)
		registrationListElement = registrationListElement.Next()
	}

	err = nil
	return
}

// unwindUp brings down, in reverse order, the packages a failed up() managed to bring up
func unwindUp(confMap conf.ConfMap) {
	for upListIndex := len(globals.upList) - 1; upListIndex >= 0; upListIndex-- {
		registrationItem := globals.upList[upListIndex]
		downErr := registrationItem.callbacks.Down(confMap)
		if nil != downErr {
			logger.Errorf("transitions.Up() unwind call to %s.Down() failed: %v", registrationItem.packageName, downErr)
		}
	}
	globals.upList = nil
}

func signaled(confMap conf.ConfMap) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	logger.Infof("transitions.Signaled() called")
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledStart()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledFinish()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	err = nil
	return
}

func down(confMap conf.ConfMap) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	logger.Infof("transitions.Down() called")
	defer func() {
		if nil != err {
			// On the relatively good likelihood that the failure occurred before calling logger.Down()...
			logger.Errorf("transitions.Down() returning with failure: %v", err)
		}
	}()

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Down() calling %s.Down()", registrationItem.packageName)
		err = registrationItem.callbacks.Down(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	globals.upList = nil

	err = nil
	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.Signaled(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
