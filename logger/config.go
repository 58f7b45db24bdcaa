// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/contentcache/conf"
)

// multiWriter fans each log entry out to every registered io.Writer.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		// if there's an error, log it and keep going with the remaining writers
		if err != nil {
			os.Stderr.WriteString("logger: log target write failed: " + err.Error() + "\n")
		}
	}
	return len(p), nil
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

var (
	logFile      *os.File
	logTargets   multiWriter
	targetsReady bool
)

// Up configures logging from the [Logging] section of confMap.
//
// Logging.LogFilePath, if set, is opened (append) and used as the
// destination; Logging.LogToConsole additionally copies logs to stderr.
// Logging.TraceLevelLogging and Logging.DebugLevelLogging name the packages
// for which trace and debug logs are emitted.
//
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logTargets.clear()

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logTargets.addWriter(logFile)
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = false
	}
	if logToConsole || logFilePath == "" {
		logTargets.addWriter(os.Stderr)
	}

	log.SetOutput(&logTargets)
	targetsReady = true

	// We always enable max logging in logrus and decide in this package
	// whether each log is emitted
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// Signaled re-reads the trace and debug settings, leaving the destination alone.
func Signaled(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return nil
}

func Down(confMap conf.ConfMap) (err error) {
	// We open and close our own logfile
	if logFile != nil {
		log.SetOutput(os.Stderr)
		logTargets.clear()
		targetsReady = false
		err = logFile.Close()
		logFile = nil
	}
	return
}

func addLogTarget(writer io.Writer) {
	if !targetsReady {
		log.SetOutput(&logTargets)
		targetsReady = true
	}
	logTargets.addWriter(writer)
}

// write records one log entry at LogEntries[0], shifting older entries down.
//
// There is no lock coordinating readers of LogEntries; this target is meant
// for test code.
//
func (target LogTarget) write(p []byte) (n int, err error) {
	for i := len(target.LogBuf.LogEntries) - 1; i > 0; i-- {
		target.LogBuf.LogEntries[i] = target.LogBuf.LogEntries[i-1]
	}
	if len(target.LogBuf.LogEntries) > 0 {
		target.LogBuf.LogEntries[0] = strings.TrimRight(string(p), " \t\n")
	}
	target.LogBuf.TotalEntries++

	return len(p), nil
}
