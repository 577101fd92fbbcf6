// Copyright 2024 Paul Betts. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package locker provides mutexes that can optionally check invariants on
// every release and complain about being held for too long. Both behaviors
// are off by default and cost nothing until enabled.
package locker

import (
	"sync"
	"time"

	"github.com/anaisbetts/vcachefs/internal/logger"
)

var gEnableInvariantsCheck bool
var gEnableDebugMessages bool

// How long a lock may be held before the debugger starts complaining.
const holdWarningThreshold = 5 * time.Second

// EnableInvariantsCheck causes locks created after this call to run their
// check function at every Lock and Unlock.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages causes locks created after this call to log a warning
// when held longer than a threshold.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

type Locker interface {
	Lock()
	Unlock()
}

// New creates a Locker with the given name for debug messages, checking the
// given invariant function if checking is enabled.
func New(name string, check func()) Locker {
	locker := Locker(&sync.Mutex{})
	if gEnableInvariantsCheck {
		locker = &checker{locker, check}
	}
	if gEnableDebugMessages {
		locker = &debugger{Locker: locker, name: name}
	}
	return locker
}

type RWLocker interface {
	Locker
	RLock()
	RUnlock()
}

// NewRW is like New but for a reader/writer lock. The invariant function is
// only consulted around exclusive acquisition.
func NewRW(name string, check func()) RWLocker {
	locker := RWLocker(&sync.RWMutex{})
	if gEnableInvariantsCheck {
		locker = &rwChecker{locker, check}
	}
	if gEnableDebugMessages {
		locker = &rwDebugger{RWLocker: locker, name: name}
	}
	return locker
}

type checker struct {
	Locker
	check func()
}

func (c *checker) Lock() {
	c.Locker.Lock()
	c.check()
}

func (c *checker) Unlock() {
	c.check()
	c.Locker.Unlock()
}

type rwChecker struct {
	RWLocker
	check func()
}

func (c *rwChecker) Lock() {
	c.RWLocker.Lock()
	c.check()
}

func (c *rwChecker) Unlock() {
	c.check()
	c.RWLocker.Unlock()
}

type debugger struct {
	Locker
	name  string
	timer *time.Timer
}

func (d *debugger) Lock() {
	d.Locker.Lock()
	d.timer = time.AfterFunc(holdWarningThreshold, func() {
		logger.Warnf("%s: lock held for more than %v", d.name, holdWarningThreshold)
	})
}

func (d *debugger) Unlock() {
	d.timer.Stop()
	d.timer = nil
	d.Locker.Unlock()
}

type rwDebugger struct {
	RWLocker
	name  string
	timer *time.Timer
}

func (d *rwDebugger) Lock() {
	d.RWLocker.Lock()
	d.timer = time.AfterFunc(holdWarningThreshold, func() {
		logger.Warnf("%s: lock held for more than %v", d.name, holdWarningThreshold)
	})
}

func (d *rwDebugger) Unlock() {
	d.timer.Stop()
	d.timer = nil
	d.RWLocker.Unlock()
}
