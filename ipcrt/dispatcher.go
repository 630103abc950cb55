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
	"context"
	"time"

	"github.com/ipcrt/asyncrt/internal/rtlog"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/scheduler"
)

// maxDispatchWait bounds how long one dispatch iteration's kernel receive
// call blocks when no awaiter has a nearer deadline, so the loop still
// notices ctx cancellation promptly.
const maxDispatchWait = 100 * time.Millisecond

// dispatchLoop is the manager fibril body: sweep expired timeouts, compute
// the next receive deadline, yield to any fibrils that just became ready,
// then block in the facade's Receive and demux whatever arrives.
func (rt *Runtime) dispatchLoop(ctx context.Context, self *scheduler.Fibril) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rt.sched.Lock.Down()
		now := rt.cfg.Clock.Now()
		rt.sched.Timeouts.Sweep(now, func(w *scheduler.Awaiter) {
			rt.sched.MakeReady(w.FID)
		})

		wait := maxDispatchWait
		if deadline, ok := rt.sched.Timeouts.NextDeadline(); ok {
			if d := deadline.Sub(now); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		// Switch(FromManager) releases Lock and gives any fibril just made
		// ready by the sweep above a chance to run before this manager
		// blocks in Receive.
		self.Switch(scheduler.FromManager)

		cid, rec, err := rt.facade.Receive(wait)
		if err != nil {
			rt.log.Printf("ipcrt: receive error: %v", err)
			continue
		}
		if cid == 0 {
			continue
		}

		rt.handleCall(cid, rec)
	}
}

// handleCall demuxes one inbound call: a reply (already handled by the
// facade's SendCallback before Receive returned, so nothing left to do
// here), a notification, a connect request, or an ordinary call routed by
// PhoneHash.
func (rt *Runtime) handleCall(cid ipcops.CallID, rec ipcops.Record) {
	rtlog.TraceCall(uint64(cid), 2, "handle_call method=%v phone_hash=%#x", rec.Method, rec.PhoneHash)

	if cid.IsAnswered() {
		return
	}
	if cid.IsNotification() {
		// Spawn a fresh fibril per notification rather than invoking the
		// handler inline: running the user handler directly on the manager
		// fibril would stall the whole dispatch loop (and every other
		// connection) for as long as that handler takes.
		rt.Spawn(func(f *scheduler.Fibril) {
			rt.cfg.InterruptReceived(cid, rec)
		})
		return
	}

	switch rec.Method {
	case ipcops.ConnectMe, ipcops.ConnectMeTo:
		rt.routeConnect(cid, rec)
	default:
		if !rt.RouteCall(cid, rec) {
			rt.answerHangupIfUnrouted(cid)
		}
	}
}
