// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/contentcache/conf"
)

type testCallbacksInterfaceStruct struct {
	name    string
	failUp  bool
	history *[]string
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	*testCallbacksInterface.history = append(*testCallbacksInterface.history, testCallbacksInterface.name+".Up")
	if testCallbacksInterface.failUp {
		err = fmt.Errorf("%s refused to come up", testCallbacksInterface.name)
	}
	return
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	*testCallbacksInterface.history = append(*testCallbacksInterface.history, testCallbacksInterface.name+".SignaledStart")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	*testCallbacksInterface.history = append(*testCallbacksInterface.history, testCallbacksInterface.name+".SignaledFinish")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	*testCallbacksInterface.history = append(*testCallbacksInterface.history, testCallbacksInterface.name+".Down")
	return nil
}

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	history := []string{}

	callbacks1 := &testCallbacksInterfaceStruct{name: "callbacks1", history: &history}
	callbacks2 := &testCallbacksInterfaceStruct{name: "callbacks2", history: &history}

	Register("callbacks1", callbacks1)
	Register("callbacks2", callbacks2)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
	})
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = Up(confMap)
	assert.Nil(err)
	assert.Equal([]string{"callbacks1.Up", "callbacks2.Up"}, history)

	err = Up(confMap)
	assert.NotNil(err, "second Up() without Down()")

	history = history[:0]
	err = Signaled(confMap)
	assert.Nil(err)
	assert.Equal([]string{
		"callbacks2.SignaledStart",
		"callbacks1.SignaledStart",
		"callbacks1.SignaledFinish",
		"callbacks2.SignaledFinish",
	}, history)

	history = history[:0]
	err = Down(confMap)
	assert.Nil(err)
	assert.Equal([]string{"callbacks2.Down", "callbacks1.Down"}, history)

	// A failing Up() unwinds the packages already brought up
	history = history[:0]
	callbacks2.failUp = true
	err = Up(confMap)
	assert.NotNil(err)
	assert.Equal([]string{"callbacks1.Up", "callbacks2.Up", "callbacks1.Down"}, history)

	callbacks2.failUp = false
	history = history[:0]
	err = Up(confMap)
	assert.Nil(err)
	err = Down(confMap)
	assert.Nil(err)
	assert.Equal([]string{"callbacks1.Up", "callbacks2.Up", "callbacks2.Down", "callbacks1.Down"}, history)
}
