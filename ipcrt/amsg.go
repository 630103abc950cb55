// Copyright 2015 Google Inc. All Rights Reserved.
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

package ipcrt

import (
	"sync"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/scheduler"
)

// Amsg is the outbound call table entry for one in-flight asynchronous
// send: the reply slot a caller later collects with Wait or WaitTimeout.
//
// An Amsg outlives a timed-out wait: the reply may still arrive after
// WaitTimeout has given up on it, and must find the record intact to write
// into. Both the waiting side (Wait/WaitTimeout) and the reply callback
// (replyReceived) hold one reference; whichever of the two finishes last
// retires it. This avoids the caller-moves-on-then-the-late-reply-
// corrupts-a-reused-slot hazard a bare "free on timeout" policy would
// invite.
type Amsg struct {
	rt      *Runtime
	awaiter scheduler.Awaiter

	mu     sync.Mutex // guards the fields below; independent of rt.sched.Lock
	refs   int
	done   bool
	retval ipcerr.Errno
	reply  ipcops.Record
}

func newAmsg(rt *Runtime, fib *scheduler.Fibril) *Amsg {
	// The awaiter starts active: the sending fibril is still running, and
	// nothing may MakeReady it until it has actually parked in Wait or
	// WaitTimeout (which set Active false themselves before switching).
	return &Amsg{
		rt:      rt,
		awaiter: scheduler.Awaiter{FID: fib, Active: true},
		refs:    2,
	}
}

// Refs reports the Amsg's current reference count, for tests asserting
// property 8 (an Amsg is retired exactly once regardless of which side,
// the waiter or the reply, finishes last).
func (a *Amsg) Refs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

func (a *Amsg) release() {
	a.mu.Lock()
	a.refs--
	a.mu.Unlock()
}

// replyReceived is the kernelipc.SendCallback registered at Send time. It
// runs from dispatcher context: record the reply, then wake the waiting
// fibril if it is already parked in Wait/WaitTimeout.
func (a *Amsg) replyReceived(userdata interface{}, status ipcerr.Errno, reply ipcops.Record) {
	a.mu.Lock()
	a.done = true
	a.retval = status
	a.reply = reply
	a.mu.Unlock()

	rt := a.rt
	rt.sched.Lock.Down()
	rt.sched.Timeouts.Remove(&a.awaiter)
	wasActive := a.awaiter.Active
	a.awaiter.Active = true
	rt.sched.Lock.Up()

	if !wasActive {
		rt.sched.MakeReady(a.awaiter.FID)
	}

	a.release()
}
