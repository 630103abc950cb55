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

package scheduler

import "sync"

// Futex is a counting futex, the single process-wide lock ("async_lock")
// that guards every piece of shared runtime state: the timeout queue, the
// connection table, and outbound call bookkeeping. It is seeded at 1, so
// the first Down succeeds immediately and behaves like an ordinary mutex;
// further concurrent Down calls park until a matching Up wakes them.
type Futex struct {
	mu      sync.Mutex
	value   int
	waiters []chan struct{}
}

// NewFutex returns a futex initialized to the given value. The runtime
// always seeds its single futex at 1.
func NewFutex(initial int) *Futex {
	return &Futex{value: initial}
}

// Down decrements the futex. If the value after decrementing is negative,
// the calling goroutine parks until a later Up wakes it.
func (f *Futex) Down() {
	f.mu.Lock()
	f.value--
	if f.value >= 0 {
		f.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	<-ch
}

// Up increments the futex and wakes one parked waiter, if any.
func (f *Futex) Up() {
	f.mu.Lock()
	f.value++

	var wake chan struct{}
	if len(f.waiters) > 0 {
		wake = f.waiters[0]
		f.waiters = f.waiters[1:]
	}
	f.mu.Unlock()

	if wake != nil {
		close(wake)
	}
}
