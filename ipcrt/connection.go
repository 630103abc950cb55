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
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/scheduler"
)

// Connection is one accepted connection: a dedicated server fibril plus
// the FIFO inbox of calls the dispatcher has routed to it, keyed by
// PhoneHash in the runtime's connection table.
type Connection struct {
	rt *Runtime

	PhoneHash uint64
	Phone     ipcops.Phone

	fib     *scheduler.Fibril
	awaiter scheduler.Awaiter

	// inbox holds routed calls not yet claimed by GetCall/GetCallTimeout,
	// including the PHONE_HUNGUP entry itself in its normal FIFO position.
	// GUARDED_BY rt.sched.Lock.
	inbox []inboxEntry

	// closeCall/hasCloseCall record the cid of a PHONE_HUNGUP call once
	// one has been routed. Once the real inbox entry has been drained,
	// GetCall/GetCallTimeout keep synthesizing the same PHONE_HUNGUP
	// record against this cid instead of blocking forever, so idempotent
	// polling of a hung-up connection keeps observing the hangup.
	closeCall    ipcops.CallID
	hasCloseCall bool
}

type inboxEntry struct {
	cid ipcops.CallID
	rec ipcops.Record
}

// Runtime returns the Runtime this connection belongs to, so handler code
// has something to pass to asyncutil's bulk-data helpers without needing
// its own copy of the Runtime threaded through separately.
func (conn *Connection) Runtime() *Runtime { return conn.rt }

// Fibril returns the scheduler handle for this connection's own fibril, to
// be passed to Runtime.Send/Wait/WaitTimeout/Request/Usleep by handler
// code running on it. There is no implicit per-goroutine lookup, so
// handler code threads this explicitly instead.
func (conn *Connection) Fibril() *scheduler.Fibril { return conn.fib }

// HungUp reports whether this connection's peer has hung up. It is safe to
// call at any time; it does not block.
func (conn *Connection) HungUp() bool {
	conn.rt.sched.Lock.Down()
	defer conn.rt.sched.Lock.Up()
	return conn.hasCloseCall
}

// newConnectionLocked creates and starts a connection fibril for a freshly
// assigned phoneHash, running handler with firstCID/firstCall as its first
// call. Must be called with rt.sched.Lock held.
func (rt *Runtime) newConnectionLocked(phoneHash uint64, phone ipcops.Phone, firstCID ipcops.CallID, firstCall ipcops.Record, handler ConnHandler) *Connection {
	conn := &Connection{rt: rt, PhoneHash: phoneHash, Phone: phone}

	// The awaiter starts active: the fibril is about to run, and RouteCall
	// must not MakeReady it until it has parked in getCall (which sets
	// Active false itself before switching).
	conn.awaiter.Active = true

	conn.fib = rt.sched.Create(func(f *scheduler.Fibril) {
		handler(conn, firstCID, firstCall)
		rt.finishConnection(conn)
	})
	conn.awaiter.FID = conn.fib

	rt.conns[phoneHash] = conn
	rt.sched.MakeReady(conn.fib)
	return conn
}

// NewConnection installs a connection under phoneHash with its own server
// fibril running handler, without a CONNECT_ME having arrived for it: the
// hook services use for callback connections negotiated out of band.
// Fails with ELIMIT if the hash is already claimed by a live connection.
func (rt *Runtime) NewConnection(phoneHash uint64, firstCID ipcops.CallID, firstCall ipcops.Record, handler ConnHandler) (*Connection, error) {
	if phoneHash == 0 {
		return nil, ipcerr.EINVAL
	}
	if handler == nil {
		handler = rt.cfg.ClientConnection
	}

	rt.sched.Lock.Down()
	if _, taken := rt.conns[phoneHash]; taken {
		rt.sched.Lock.Up()
		return nil, ipcerr.ELIMIT
	}
	firstCall.PhoneHash = phoneHash
	conn := rt.newConnectionLocked(phoneHash, ipcops.Phone(firstCID.Base()), firstCID, firstCall, handler)
	rt.sched.Lock.Up()
	return conn, nil
}

// finishConnection runs when a connection's server fibril returns: it
// removes the Connection from the table, answers every call still
// sitting in its inbox with HANGUP (in inbox order), and, if a
// PHONE_HUNGUP was routed to it, answers that cid OK.
func (rt *Runtime) finishConnection(conn *Connection) {
	rt.sched.Lock.Down()
	delete(rt.conns, conn.PhoneHash)
	pending := conn.inbox
	conn.inbox = nil
	closeCall, hasCloseCall := conn.closeCall, conn.hasCloseCall
	rt.sched.Lock.Up()

	for _, e := range pending {
		rt.facade.Answer(e.cid, ipcerr.EHANGUP, ipcops.Record{})
	}
	if hasCloseCall {
		rt.facade.Answer(closeCall, ipcerr.EOK, ipcops.Record{})
	}
}

// GetCall blocks until the next call routed to this connection arrives.
// Once the peer has hung up and the inbox has drained, GetCall keeps
// returning a synthesized PHONE_HUNGUP record against the same close cid
// every time it is called again: a handler loop that checks rec.Method and
// returns on PHONE_HUNGUP behaves correctly no matter how many times it
// polls.
func (conn *Connection) GetCall() (ipcops.CallID, ipcops.Record) {
	cid, rec, _ := conn.getCall(-1)
	return cid, rec
}

// GetCallTimeout is GetCall bounded by timeout; ok is false only if
// timeout elapses with the inbox empty and no hangup recorded yet.
func (conn *Connection) GetCallTimeout(timeout time.Duration) (cid ipcops.CallID, rec ipcops.Record, ok bool) {
	return conn.getCall(timeout)
}

func (conn *Connection) getCall(timeout time.Duration) (ipcops.CallID, ipcops.Record, bool) {
	rt := conn.rt
	rt.sched.Lock.Down()
	for {
		if len(conn.inbox) > 0 {
			e := conn.inbox[0]
			conn.inbox = conn.inbox[1:]
			rt.sched.Lock.Up()
			return e.cid, e.rec, true
		}
		if conn.hasCloseCall {
			rt.sched.Lock.Up()
			return conn.closeCall, ipcops.Record{Method: ipcops.PhoneHungup, PhoneHash: conn.PhoneHash}, true
		}

		conn.awaiter.Active = false
		hasDeadline := timeout >= 0
		if hasDeadline {
			conn.awaiter.ToEvent.Expires = rt.cfg.Clock.Now().Add(timeout)
			rt.sched.Timeouts.Insert(&conn.awaiter)
		}

		conn.fib.Switch(scheduler.ToManager)

		rt.sched.Lock.Down()
		timedOut := hasDeadline && conn.awaiter.ToEvent.Occurred
		rt.sched.Timeouts.Remove(&conn.awaiter)
		if timedOut && len(conn.inbox) == 0 && !conn.hasCloseCall {
			rt.sched.Lock.Up()
			return 0, ipcops.Record{}, false
		}
	}
}

// RouteCall delivers an inbound call that already belongs to an existing
// connection (identified by rec.PhoneHash) to that connection's inbox,
// waking its fibril if parked in GetCall/GetCallTimeout. It reports false
// if no connection claims rec.PhoneHash, so the caller (the dispatcher)
// can answer EHANGUP instead.
func (rt *Runtime) RouteCall(cid ipcops.CallID, rec ipcops.Record) bool {
	rt.sched.Lock.Down()
	conn, ok := rt.conns[rec.PhoneHash]
	if !ok {
		rt.sched.Lock.Up()
		return false
	}

	conn.inbox = append(conn.inbox, inboxEntry{cid: cid, rec: rec})
	if rec.Method == ipcops.PhoneHungup {
		conn.closeCall = cid
		conn.hasCloseCall = true
	}

	wasActive := conn.awaiter.Active
	conn.awaiter.Active = true
	rt.sched.Lock.Up()

	if !wasActive {
		rt.sched.MakeReady(conn.fib)
	}
	return true
}

// routeConnect handles a fresh CONNECT_ME/CONNECT_ME_TO call: ARG5 carries
// the source's phone hash, under which every later call on the new
// connection will arrive, and a new connection fibril starts running the
// configured ClientConnection handler.
func (rt *Runtime) routeConnect(cid ipcops.CallID, rec ipcops.Record) {
	hash := rec.Arg(5)
	if hash == 0 {
		rt.facade.Answer(cid, ipcerr.EINVAL, ipcops.Record{})
		return
	}

	rt.sched.Lock.Down()
	if _, taken := rt.conns[hash]; taken {
		rt.sched.Lock.Up()
		rt.facade.Answer(cid, ipcerr.ELIMIT, ipcops.Record{})
		return
	}
	rec.PhoneHash = hash
	rt.newConnectionLocked(hash, ipcops.Phone(cid.Base()), cid, rec, rt.cfg.ClientConnection)
	rt.sched.Lock.Up()
}

// answerHangupIfUnrouted answers cid EHANGUP when no connection claims it,
// so a caller whose phone hash is stale (its connection already hung up or
// was never routed) does not wait forever for a reply that will never
// come.
func (rt *Runtime) answerHangupIfUnrouted(cid ipcops.CallID) {
	rt.facade.Answer(cid, ipcerr.EHANGUP, ipcops.Record{})
}
