// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions drives package lifecycles from a single ConfMap.
//
// Packages register from init(), so registration order follows the import
// graph.  Up() and SignaledFinish() run in registration order; SignaledStart()
// and Down() run in reverse.  Package logger is registered implicitly, first,
// so it is up before and down after every other package.
//
// A package typically hangs the callbacks off its globals:
//
//   func init() {
//       transitions.Register("trackedlock", &globals)
//   }
//
//   func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
//       // parse options from confMap
//       return
//   }
//
package transitions

import (
	"github.com/NVIDIA/contentcache/conf"
)

// Callbacks must be implemented in full, with pointer receivers, even by a
// package interested in only some of them.
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register adds packageName to the lifecycle.  Registering a name twice is
// fatal.
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up brings every registered package up.  If one fails, those already up are
// brought down again, in reverse, before its error is returned.
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled applies a changed confMap, e.g. from a SIGHUP handler: every
// package gets SignaledStart() and then every package gets SignaledFinish().
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down brings every registered package down, logger last.
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}
