// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function and goroutine to all logs.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/contentcache/utils"
)

type Level int

// Our logging levels
//
// We have more detailed logging levels than the logrus log package, so these
// get mapped onto the logrus levels before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel is used for operational logs that trace success path through
	// a package (lock grants, cache misses, ...). Whether these are logged is
	// controlled on a per-package basis. When enabled, these are logged at
	// logrus.InfoLevel.
	TraceLevel

	// DebugLevel is used for very verbose logging of internal operations.
	// Whether these are logged is controlled on a per-package and per-tag
	// basis. When enabled, these are logged at logrus.DebugLevel.
	DebugLevel
)

// Flag to disable all logging, for performance testing.
var disableLoggingForPerfTesting = false

// Enable/disable for trace and debug levels.
// These are defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false
var debugLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"frame":       false,
	"logger":      false,
	"pagecache":   false,
	"rangelock":   false,
	"trackedlock": false,
	"transitions": false,
}

const DbgInternal string = "debug_internal"
const DbgTesting string = "debug_test"

// packageDebugSettings holds the list of enabled debug tags for each package.
// A debug log whose tag is not listed for its package is not emitted.
//
var packageDebugSettings = map[string][]string{
	"frame":     []string{},
	"pagecache": []string{},
	"rangelock": []string{},
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = false
	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true

				// This flag lets us avoid the cost of trace-level API calls
				// when no package has tracing enabled.
				traceLevelEnabled = true
			}
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	if isEnabled, ok := packageTraceSettings[pkg]; ok {
		return isEnabled
	}
	return false
}

func setDebugLoggingLevel(confStrSlice []string) {
	debugLevelEnabled = false
	for pkg := range packageDebugSettings {
		packageDebugSettings[pkg] = []string{}
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			debugLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageDebugSettings[pkg]; ok {
				packageDebugSettings[pkg] = []string{DbgInternal, DbgTesting}
				debugLevelEnabled = true
			}
		}
	}

	if debugLevelEnabled {
		for pkg, ids := range packageDebugSettings {
			if len(ids) > 0 {
				Infof("Package %v debug logging is enabled.", pkg)
			}
		}
	}
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx saves the fields common between log calls within a function so
// package and function are only extracted once.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	if ctx.funcContext == nil {
		return ""
	}
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

func (ctx *FuncCtx) traceEnabledForPackage() bool {
	return traceEnabled(ctx.getPackage())
}

func (ctx *FuncCtx) debugEnabledForPackage(debugID string) bool {
	if idList, ok := packageDebugSettings[ctx.getPackage()]; ok {
		for _, id := range idList {
			if id == debugID {
				return true
			}
		}
	}
	return false
}

var nullCtx = FuncCtx{funcContext: nil}

// newFuncCtxWithFields creates a new function logging context, extracting the
// calling function from the call stack and adding fields (which may be nil).
func newFuncCtxWithFields(level int, fields log.Fields) (ctx *FuncCtx) {
	if disableLoggingForPerfTesting {
		return &nullCtx
	}

	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	if fields == nil {
		fields = make(log.Fields)
	}
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	return newFuncCtxWithFields(level+1, nil)
}

func newFuncCtxWithError(level int, err error) (ctx *FuncCtx) {
	return newFuncCtxWithFields(level+1, log.Fields{errorKey: err})
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if disableLoggingForPerfTesting {
		return false
	}
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	if (level == DebugLevel) && !debugLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.
//
// Logger intentionally does not provide Debug()/Debugf(); use DebugfID() so
// every debug log carries a tag that can be enabled on its own.

func Infof(format string, args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	if !logEnabled(WarnLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(WarnLevel, fmt.Sprintf(format, args...))
}

func Error(args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(ErrorLevel, fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(FatalLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(TraceLevel, fmt.Sprintf(format, args...))
}

func DebugfID(id string, format string, args ...interface{}) {
	if !logEnabled(DebugLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).logWithID(DebugLevel, id, fmt.Sprintf(format, args...))
}

func ErrorWithError(err error, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	newFuncCtxWithError(backtraceOneLevel, err).log(ErrorLevel, fmt.Sprint(args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	newFuncCtxWithError(backtraceOneLevel, err).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	newFuncCtxWithError(backtraceOneLevel, err).log(InfoLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	if !logEnabled(WarnLevel) {
		return
	}
	newFuncCtxWithError(backtraceOneLevel, err).log(WarnLevel, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtxWithError(backtraceOneLevel, err).log(TraceLevel, fmt.Sprintf(format, args...))
}

// PanicfWithError logs and then panics. It is reserved for structural
// corruption (e.g. a bad trie node magic); it is never used for data
// dependent conditions.
func PanicfWithError(err error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	newFuncCtxWithError(backtraceOneLevel, err).log(PanicLevel, msg)

	// only reached when logging is disabled
	panic(fmt.Sprintf("%s: %v", msg, err))
}

// TraceEnter generates a function entry trace and returns the FuncCtx to be
// used (deferred) by TraceExit / TraceExitErr.
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	if !logEnabled(TraceLevel) {
		return
	}

	ctx = *newFuncCtx(backtraceOneLevel)
	ctx.traceInternal(">> called", argsPrefix, args...)

	return ctx
}

func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}

	if ctx.funcContext == nil {
		ctx.funcContext = newFuncCtx(backtraceOneLevel).funcContext
	}

	ctx.traceInternal("<< returning", argsPrefix, args...)
}

func (ctx *FuncCtx) TraceExitErr(argsPrefix string, err error, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}

	if ctx.funcContext == nil {
		ctx.funcContext = newFuncCtx(backtraceOneLevel).funcContext
	}

	// Use a temporary context so the error does not stick to ctx
	newCtx := FuncCtx{funcContext: ctx.funcContext.WithField(errorKey, err)}
	newCtx.traceInternal("<< returning", argsPrefix, args...)
}

func (ctx *FuncCtx) traceInternal(formatPrefix string, argsPrefix string, args ...interface{}) {
	format := formatPrefix + " %s"
	for range args {
		format += " %+v"
	}
	newArgs := append([]interface{}{argsPrefix}, args...)
	ctx.log(TraceLevel, fmt.Sprintf(format, newArgs...))
}

// log is the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, it is not
// declared with a pointer receiver to avoid races between goroutines.
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if ctx.funcContext == nil {
		return
	}

	if (level == TraceLevel) && !ctx.traceEnabledForPackage() {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	case DebugLevel:
		ctx.funcContext.Debug(args...)
	}
}

func (ctx FuncCtx) logWithID(level Level, id string, args ...interface{}) {
	if (level == DebugLevel) && !ctx.debugEnabledForPackage(id) {
		return
	}
	ctx.log(level, args...)
}

// AddLogTarget adds another target for log messages to be written to.
// writer is called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer captures the most recent log entries; useful for writing test
// cases that check something was (or was not) logged.
//
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init a LogTarget to hold up to nEntry log entries.
//
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
//
func (target LogTarget) Write(p []byte) (n int, err error) {
	return target.write(p)
}
