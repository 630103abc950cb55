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

// Package scheduler implements the cooperative fibril scheduler, the
// futex-like wait primitive, and the timeout queue underneath the async
// IPC runtime: a ready queue of user-level tasks, zero or more manager
// fibrils, and per-fibril-local storage, all suspending and resuming at
// explicit yield points instead of under preemption.
//
// A fibril is realized here as one goroutine that does not proceed past
// its first resume signal until MakeReady is called, and that subsequently
// only makes forward progress between calls to Switch. This mirrors "a
// user-level task with its own stack" without needing manual stack
// management: Go already gives every goroutine its own stack, and the
// cooperative discipline is enforced by convention (fibril bodies must
// yield through Switch at every suspension point) rather than by a single
// OS thread literally refusing to schedule anything else. The ordering and
// cancellation contracts the rest of the runtime depends on hold
// regardless of how many OS threads Go's own scheduler actually uses
// underneath.
package scheduler

import "runtime"

// Mode selects what a fibril is switching to or from.
type Mode int

const (
	// ToManager yields control back to whichever manager fibril will next
	// wake this one (via a routed call, a reply, or a timeout).
	ToManager Mode = iota
	// FromManager is used by a manager fibril itself, at the top of its
	// dispatch loop, to give other ready fibrils a chance to run before it
	// goes on to recompute the kernel receive timeout.
	FromManager
)

// FibrilFunc is the body of a fibril. It receives its own Fibril handle so
// it can call Switch and store fibril-local state without any goroutine-
// local-storage trick.
type FibrilFunc func(f *Fibril)

// Fibril is a cooperatively scheduled, user-level task with its own stack
// (realized as a parked goroutine) and a slot for fibril-local state.
type Fibril struct {
	sched  *Scheduler
	resume chan struct{}

	// Local is fibril-local storage for the fibril body's own use. The ipcrt
	// runtime does not set it; connection handlers receive their
	// *Connection as an argument instead.
	Local interface{}
}

// Self returns f. It exists so fibril bodies that thread a Fibril through
// several helper calls can write fib.Self() at call sites that want to
// read as "the current fibril", without any implicit thread-local lookup.
func (f *Fibril) Self() *Fibril { return f }

// Switch voluntarily yields. The caller MUST hold the scheduler's Lock
// futex exactly once when calling Switch; Switch releases it (Up) before
// yielding and does NOT reacquire it on resume; by convention, callers
// that need the lock again after Switch returns call Lock.Down()
// themselves. Keeping the re-acquire at the call site, rather than hiding
// a second lock/unlock pair inside Switch, makes every critical section
// that spans a suspension point visible where it is written.
//
// The boolean return lets a manager worker decide whether it should
// re-lock or loop again; in this realization it is always false, since
// Go's own scheduler already interleaves goroutines and there is no
// separate "was this delegated to another ready fibril" case to detect.
func (f *Fibril) Switch(mode Mode) bool {
	f.sched.Lock.Up()

	switch mode {
	case ToManager:
		<-f.resume
	case FromManager:
		runtime.Gosched()
	default:
		panic("scheduler: unknown switch mode")
	}

	return false
}

// Scheduler owns the ready-queue machinery (realized via Go's own
// goroutine scheduler plus per-fibril resume channels), the single
// process-wide wait primitive ("async_lock"), and the timeout queue that
// the rest of the runtime shares through it.
type Scheduler struct {
	// Lock is the single futex guarding all shared runtime state: the
	// timeout queue, the connection table, and outbound call bookkeeping.
	Lock *Futex

	// Timeouts is the shared timeout queue. Access to it must only happen
	// while Lock is held.
	Timeouts *TimeoutQueue
}

// New returns a scheduler with its futex unlocked (value 1) and an empty
// timeout queue.
func New() *Scheduler {
	return &Scheduler{
		Lock:     NewFutex(1),
		Timeouts: NewTimeoutQueue(),
	}
}

// Create allocates a fibril running fn. The fibril is NOT ready until
// MakeReady is called on it; the underlying goroutine blocks on its resume
// channel until then.
func (s *Scheduler) Create(fn FibrilFunc) *Fibril {
	f := &Fibril{sched: s, resume: make(chan struct{}, 1)}
	go func() {
		<-f.resume
		fn(f)
	}()
	return f
}

// MakeReady marks f runnable. Calling MakeReady on a fibril that is
// already ready (i.e. has an unconsumed wake pending) is a caller bug, and
// panics rather than silently coalescing the two wakeups.
func (s *Scheduler) MakeReady(f *Fibril) {
	select {
	case f.resume <- struct{}{}:
	default:
		panic("scheduler: fibril made ready while already ready")
	}
}

// CreateManager starts an additional manager fibril running fn and makes
// it ready immediately, so a multi-threaded host can run one dispatcher
// per kernel-IPC thread.
func (s *Scheduler) CreateManager(fn FibrilFunc) *Fibril {
	f := s.Create(fn)
	s.MakeReady(f)
	return f
}
