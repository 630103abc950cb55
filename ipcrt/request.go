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
	"fmt"
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/scheduler"
)

// Send starts an asynchronous call to phone and returns the Amsg used to
// collect its reply with Wait or WaitTimeout. f is the calling fibril
// (see Connection.Fibril). Go's variadic parameters cover both the short
// and the long argument forms a register-limited calling convention would
// split into two entry points, so there is exactly one Send.
func (rt *Runtime) Send(f *scheduler.Fibril, phone ipcops.Phone, method uint32, args ...uint64) (*Amsg, error) {
	if len(args) > 5 {
		return nil, fmt.Errorf("ipcrt: Send: too many arguments: %d > 5", len(args))
	}

	var rec ipcops.Record
	rec.Method = method
	copy(rec.Args[:], args)
	wire := rt.resolvePhone(phone, &rec)

	a := newAmsg(rt, f)
	if err := rt.facade.SendAsync(wire, rec, a, a.replyReceived); err != nil {
		return nil, err
	}
	return a, nil
}

// Wait blocks the calling fibril until a's reply arrives.
func (rt *Runtime) Wait(f *scheduler.Fibril, a *Amsg) (ipcerr.Errno, ipcops.Record) {
	retval, rec, _ := rt.waitAmsg(f, a, -1)
	return retval, rec
}

// WaitTimeout is Wait bounded by timeout; ok is false if timeout elapses
// before the reply arrives. a remains valid to wait on again afterward:
// replyReceived may still fire later and will simply record the reply for
// a subsequent read, per Amsg's refcounting.
func (rt *Runtime) WaitTimeout(f *scheduler.Fibril, a *Amsg, timeout time.Duration) (ipcerr.Errno, ipcops.Record, bool) {
	return rt.waitAmsg(f, a, timeout)
}

func (rt *Runtime) waitAmsg(f *scheduler.Fibril, a *Amsg, timeout time.Duration) (ipcerr.Errno, ipcops.Record, bool) {
	rt.sched.Lock.Down()
	for {
		a.mu.Lock()
		done := a.done
		a.mu.Unlock()
		if done {
			break
		}

		a.awaiter.Active = false
		hasDeadline := timeout >= 0
		if hasDeadline {
			a.awaiter.ToEvent.Expires = rt.cfg.Clock.Now().Add(timeout)
			rt.sched.Timeouts.Insert(&a.awaiter)
		}

		f.Switch(scheduler.ToManager)

		rt.sched.Lock.Down()
		timedOut := hasDeadline && a.awaiter.ToEvent.Occurred
		rt.sched.Timeouts.Remove(&a.awaiter)

		a.mu.Lock()
		done = a.done
		a.mu.Unlock()
		if timedOut && !done {
			rt.sched.Lock.Up()
			a.release()
			return 0, ipcops.Record{}, false
		}
	}
	rt.sched.Lock.Up()

	a.mu.Lock()
	retval, rec := a.retval, a.reply
	a.mu.Unlock()
	a.release()
	return retval, rec, true
}

// Request is Send followed immediately by Wait: a pseudo-synchronous
// call for the common case where the caller has nothing useful to do
// until the reply is in hand.
func (rt *Runtime) Request(f *scheduler.Fibril, phone ipcops.Phone, method uint32, args ...uint64) (ipcerr.Errno, ipcops.Record, error) {
	a, err := rt.Send(f, phone, method, args...)
	if err != nil {
		return 0, ipcops.Record{}, err
	}
	retval, rec := rt.Wait(f, a)
	return retval, rec, nil
}

// Usleep suspends the calling fibril for d. There is no dedicated sleep
// list separate from the timeout queue: an Awaiter with no wake source
// but its own deadline already gets the same effect out of the one queue
// the runtime maintains anyway.
func (rt *Runtime) Usleep(f *scheduler.Fibril, d time.Duration) {
	w := &scheduler.Awaiter{FID: f}

	rt.sched.Lock.Down()
	w.ToEvent.Expires = rt.cfg.Clock.Now().Add(d)
	rt.sched.Timeouts.Insert(w)

	f.Switch(scheduler.ToManager)

	rt.sched.Lock.Down()
	rt.sched.Timeouts.Remove(w)
	rt.sched.Lock.Up()
}

// ConnectMeTo asks the process on the other end of phone to create a new
// connection to the service identified by arg1/arg2/arg3, returning the
// phone handle for the new connection once the peer answers.
func (rt *Runtime) ConnectMeTo(f *scheduler.Fibril, phone ipcops.Phone, arg1, arg2, arg3 uint64) (ipcops.Phone, error) {
	return rt.connectMeTo(f, phone, arg1, arg2, arg3)
}

// ConnectMeToBlocking is ConnectMeTo but retries on ELIMIT (the peer's
// phone table is momentarily full) instead of surfacing it.
func (rt *Runtime) ConnectMeToBlocking(f *scheduler.Fibril, phone ipcops.Phone, arg1, arg2, arg3 uint64) (ipcops.Phone, error) {
	for {
		p, err := rt.connectMeTo(f, phone, arg1, arg2, arg3)
		if err == nil {
			return p, nil
		}
		if e, ok := err.(ipcerr.Errno); !ok || e != ipcerr.ELIMIT {
			return 0, err
		}
	}
}

func (rt *Runtime) connectMeTo(f *scheduler.Fibril, phone ipcops.Phone, arg1, arg2, arg3 uint64) (ipcops.Phone, error) {
	// ARG5 of a connect request carries the source's phone hash: the key
	// under which every later call on the new connection will arrive at
	// the peer's connection table. A kernel would assign it from its phone
	// structures; here the runtime allocates it, a fresh one per attempt
	// so a retry after ELIMIT never re-collides on the same value.
	rt.sched.Lock.Down()
	rt.nextOutHash++
	hash := rt.nextOutHash
	rt.sched.Lock.Up()

	retval, _, err := rt.Request(f, phone, ipcops.ConnectMeTo, arg1, arg2, arg3, 0, hash)
	if err != nil {
		return 0, err
	}
	if retval != ipcerr.EOK {
		return 0, retval
	}

	// The new connection rides the same wire as the phone it was opened
	// through; register a virtual handle resolving to that wire plus the
	// freshly negotiated hash.
	var probe ipcops.Record
	wire := rt.resolvePhone(phone, &probe)

	rt.sched.Lock.Down()
	rt.nextPhone++
	vp := rt.nextPhone
	rt.outPhones[vp] = outPhone{wire: wire, hash: hash}
	rt.sched.Lock.Up()
	return vp, nil
}

// Hangup closes the connection behind phone: it sends PHONE_HUNGUP so the
// peer's server fibril can observe it, drain, and acknowledge, waits for
// that EOK, and retires the phone handle locally whether or not the peer
// answered cleanly.
func (rt *Runtime) Hangup(f *scheduler.Fibril, phone ipcops.Phone) error {
	retval, _, err := rt.Request(f, phone, ipcops.PhoneHungup)

	rt.sched.Lock.Down()
	delete(rt.outPhones, phone)
	rt.sched.Lock.Up()

	if err != nil {
		return err
	}
	return ipcerr.ToError(retval)
}
