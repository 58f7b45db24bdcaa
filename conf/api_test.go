// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testIncludedConf = `
[Logging]
LogFilePath: /dev/null
TraceLevelLogging: pagecache rangelock
`

const testMainConf = `
# cache settings
[PageCache]
MaxTrieNodes     : 1024
ReclaimMaxCaches = 8   ; visit at most 8 caches per reclaim

[TrackedLock]
LockHoldTimeLimit: 2s
LockCheckPeriod:

.include ./included.conf
`

func TestUpdate(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"PageCache.MaxTrieNodes=16",
		"Logging.TraceLevelLogging=pagecache, rangelock",
		"Logging.LogToConsole:true",
		"Empty.Option=",
	})
	assert.Nil(err)

	maxTrieNodes, err := confMap.FetchOptionValueUint64("PageCache", "MaxTrieNodes")
	assert.Nil(err)
	assert.Equal(uint64(16), maxTrieNodes)

	traceList, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.Nil(err)
	assert.Equal([]string{"pagecache", "rangelock"}, traceList)

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.Nil(err)
	assert.True(logToConsole)

	emptyList, err := confMap.FetchOptionValueStringSlice("Empty", "Option")
	assert.Nil(err)
	assert.Equal(0, len(emptyList))

	_, err = confMap.FetchOptionValueString("Logging", "TraceLevelLogging")
	assert.NotNil(err, "multi-valued option is not a single string")

	err = confMap.UpdateFromString("PageCache.MaxTrieNodes=32")
	assert.Nil(err)
	maxTrieNodes, _ = confMap.FetchOptionValueUint64("PageCache", "MaxTrieNodes")
	assert.Equal(uint64(32), maxTrieNodes)

	err = confMap.UpdateFromString("not a conf string")
	assert.NotNil(err)
	err = confMap.UpdateFromString("   ")
	assert.NotNil(err)
}

func TestFetchDefaults(t *testing.T) {
	assert := assert.New(t)

	confMap := MakeConfMap()

	value, err := confMap.FetchOptionValueUint64Default("Frame", "MaxFrames", 42)
	assert.Nil(err)
	assert.Equal(uint64(42), value)

	err = confMap.UpdateFromString("Frame.MaxFrames=xyz")
	assert.Nil(err)
	_, err = confMap.FetchOptionValueUint64Default("Frame", "MaxFrames", 42)
	assert.NotNil(err)

	_, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	assert.NotNil(err)

	err = confMap.UpdateFromString("TrackedLock.LockCheckPeriod=-1s")
	assert.Nil(err)
	_, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	assert.NotNil(err)

	err = confMap.UpdateFromString("Frame.Bool=maybe")
	assert.Nil(err)
	_, err = confMap.FetchOptionValueBool("Frame", "Bool")
	assert.NotNil(err)
}

func TestFromFileWithInclude(t *testing.T) {
	assert := assert.New(t)

	testDir, err := ioutil.TempDir(os.TempDir(), "contentcache_test_conf_")
	if nil != err {
		t.Fatalf("ioutil.TempDir() failed: %v", err)
	}
	defer os.RemoveAll(testDir)

	err = ioutil.WriteFile(filepath.Join(testDir, "included.conf"), []byte(testIncludedConf), 0644)
	assert.Nil(err)
	err = ioutil.WriteFile(filepath.Join(testDir, "main.conf"), []byte(testMainConf), 0644)
	assert.Nil(err)

	confMap, err := MakeConfMapFromFile(filepath.Join(testDir, "main.conf"))
	if nil != err {
		t.Fatalf("MakeConfMapFromFile() failed: %v", err)
	}

	maxTrieNodes, err := confMap.FetchOptionValueUint32("PageCache", "MaxTrieNodes")
	assert.Nil(err)
	assert.Equal(uint32(1024), maxTrieNodes)

	reclaimMaxCaches, err := confMap.FetchOptionValueUint64("PageCache", "ReclaimMaxCaches")
	assert.Nil(err)
	assert.Equal(uint64(8), reclaimMaxCaches)

	lockHoldTimeLimit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	assert.Nil(err)
	assert.Equal(2*time.Second, lockHoldTimeLimit)

	logFilePath, err := confMap.FetchOptionValueString("Logging", "LogFilePath")
	assert.Nil(err)
	assert.Equal("/dev/null", logFilePath)

	_, err = MakeConfMapFromFile(filepath.Join(testDir, "nonexistent.conf"))
	assert.NotNil(err)

	err = ioutil.WriteFile(filepath.Join(testDir, "bad.conf"), []byte("Option=1\n"), 0644)
	assert.Nil(err)
	_, err = MakeConfMapFromFile(filepath.Join(testDir, "bad.conf"))
	assert.NotNil(err, "option outside a section")
}
