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

// Package ipcops defines the wire-level vocabulary shared by the kernel-IPC
// facade and the async runtime built on top of it: phone handles, call
// identifiers, the fixed-size call record, and the small set of methods the
// dispatcher itself recognizes.
package ipcops

// Phone is a per-process integer handle identifying one end of a
// connection, as seen from this process's side.
type Phone int

// CallID identifies one in-flight call instance in the kernel. The top two
// bits are reserved flags; callers should treat a CallID as opaque apart
// from the IsNotification/IsAnswered predicates below.
//
// The zero CallID never denotes a real call; the kernel-IPC facade returns
// it to signal "no call arrived before the requested timeout".
type CallID uint64

const (
	notificationBit CallID = 1 << 63
	answeredBit     CallID = 1 << 62
	flagMask               = notificationBit | answeredBit
)

// IsNotification reports whether this call id denotes an interrupt
// notification rather than an ordinary call.
func (c CallID) IsNotification() bool { return c&notificationBit != 0 }

// IsAnswered reports whether this call id denotes a reply to a call this
// process previously sent, rather than an inbound call.
func (c CallID) IsAnswered() bool { return c&answeredBit != 0 }

// WithNotification returns c with the notification flag set.
func (c CallID) WithNotification() CallID { return c | notificationBit }

// WithAnswered returns c with the answered flag set.
func (c CallID) WithAnswered() CallID { return c | answeredBit }

// Base strips the flag bits, returning the underlying call identity.
func (c CallID) Base() CallID { return c &^ flagMask }

// Record is the fixed-size payload carried by a call: a method
// discriminator plus up to five argument words. It mirrors the kernel's
// ipc_call_t: a method and five register-sized arguments, enough for any
// in-scope operation without variable-length encoding.
//
// PhoneHash is the facade's in_phone_hash equivalent: a value stable for
// the lifetime of one accepted connection, used by the connection table to
// route a call that is not itself a connect request to the right
// Connection. It is meaningless on a CONNECT_ME/CONNECT_ME_TO call, which
// has not been routed to a connection yet.
type Record struct {
	Method    uint32
	Args      [5]uint64
	PhoneHash uint64
}

// Arg returns the 1-indexed argument, matching the ARG1..ARG5 naming used
// when describing the wire format.
func (r Record) Arg(n int) uint64 {
	return r.Args[n-1]
}

// Methods recognized directly by the dispatcher. Application-defined
// methods must be >= FirstUserMethod.
const (
	ConnectMe uint32 = iota
	ConnectMeTo
	PhoneHungup
	DataRead
	DataWrite
	ShareIn
	ShareOut

	// FirstUserMethod is the smallest method value an application may
	// assign to its own calls.
	FirstUserMethod uint32 = 1000
)
