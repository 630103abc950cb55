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

// Package kernelipc narrowly abstracts the kernel IPC syscall surface the
// async runtime is built on: a blocking receive, a non-blocking send with
// a completion callback, answer, forward, the bulk-data/sharing finalize
// calls, and interrupt registration. Device drivers, the real microkernel,
// and the CPU context-switch machinery underneath all of this are out of
// scope; only this interface is.
package kernelipc

import (
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
)

// SendCallback is invoked from dispatcher context when a reply to a
// previously sent call arrives. userdata is whatever was passed to
// SendAsync; the async runtime always passes the *Amsg it allocated for
// the send.
type SendCallback func(userdata interface{}, status ipcerr.Errno, reply ipcops.Record)

// IRQOp is one instruction in a small interrupt-handling program evaluated
// by the kernel before waking userspace, e.g. "read this device register",
// "mask it against a constant", "accept/decline the interrupt".
type IRQOp int

const (
	IRQRead IRQOp = iota
	IRQAnd
	IRQPredicateEQ
	IRQPredicateNE
	IRQAccept
	IRQDecline
)

// IRQInstr is one instruction of a RegisterIRQ program.
type IRQInstr struct {
	Op       IRQOp
	Register uintptr
	Operand  uint64
}

// RawTransport is an optional extension a Facade implementation may
// support to move the actual bytes of a bulk transfer on the client side.
// A real kernel needs nothing like this: the client's half of a
// DataRead/DataWrite/ShareIn/ShareOut copy happens transparently inside
// the kernel the moment the server side finalizes its half. The
// socketpair-backed Unix facade has no kernel underneath it to do that
// for it, so asyncutil's client-side bulk helpers fall back to talking to
// the wire directly through this interface when the facade in use
// implements it.
type RawTransport interface {
	RawWrite(b []byte) error
	RawRead(b []byte) error
}

// Facade is the kernel-IPC surface the async runtime consumes. Exactly one
// implementation backs a running process (see Unix, in this package, and
// asynctesting.FakeFacade for tests).
type Facade interface {
	// Receive blocks up to timeout waiting for the next call or reply. It
	// returns a zero CallID if the timeout expires first. The returned
	// CallID carries the Notification/Answered flag bits described in
	// ipcops.
	Receive(timeout time.Duration) (ipcops.CallID, ipcops.Record, error)

	// SendAsync sends rec over phone without blocking. cb fires from
	// dispatcher context exactly once, when the reply arrives.
	SendAsync(phone ipcops.Phone, rec ipcops.Record, userdata interface{}, cb SendCallback) error

	// Answer sends a reply to cid.
	Answer(cid ipcops.CallID, retval ipcerr.Errno, rec ipcops.Record) error

	// Forward re-routes cid through phone, preserving the original caller.
	Forward(cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error

	// ShareInFinalize, ShareOutFinalize, DataReadFinalize and
	// DataWriteFinalize complete the corresponding bulk-data/sharing
	// handshake for cid, copying the negotiated payload across the
	// address-space boundary the facade represents.
	ShareInFinalize(cid ipcops.CallID, dst []byte) error
	ShareOutFinalize(cid ipcops.CallID, src []byte) error
	DataReadFinalize(cid ipcops.CallID, src []byte) error
	DataWriteFinalize(cid ipcops.CallID, dst []byte) error

	// RegisterIRQ installs an interrupt handler program for the given
	// interrupt number and device.
	RegisterIRQ(inr, devno int, code []IRQInstr) error

	// Close releases the facade's underlying transport.
	Close() error
}
