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

// Package asynctesting provides a test double for the async IPC runtime:
// a scriptable in-process fake of kernelipc.Facade, so the ipcrt test suite
// can drive exact call/reply/notification sequences without touching a
// real socketpair.
package asynctesting

import (
	"fmt"
	"sync"
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/kernelipc"
)

type inboundEntry struct {
	cid ipcops.CallID
	rec ipcops.Record
}

type pendingSend struct {
	cb       kernelipc.SendCallback
	userdata interface{}
}

// FakeFacade is a single-process kernelipc.Facade double. Tests feed it
// inbound calls with Deliver/DeliverNotification; SendAsync/Answer/Forward
// record what the runtime under test did so the test can assert on it, or
// (via Reply) synthesize the matching reply frame for a previously
// recorded SendAsync.
type FakeFacade struct {
	mu sync.Mutex

	inbound []inboundEntry
	nextCID uint64

	pending map[ipcops.CallID]pendingSend

	// Answered, Sent and Forwarded record every Answer/SendAsync/Forward
	// call observed, in order, for assertions.
	Answered   []AnsweredCall
	Sent       []SentCall
	Forwarded  []ForwardedCall
	Registered []IRQRegistration

	// DataWriteFinalized records, in order, the length of every dst slice
	// DataWriteFinalize was asked to fill.
	DataWriteFinalized []int
}

// AnsweredCall is one recorded Answer invocation.
type AnsweredCall struct {
	CID    ipcops.CallID
	Retval ipcerr.Errno
	Rec    ipcops.Record
}

// SentCall is one recorded SendAsync invocation; CID is the synthetic id
// the test passes to Reply to answer it.
type SentCall struct {
	CID   ipcops.CallID
	Phone ipcops.Phone
	Rec   ipcops.Record
}

// ForwardedCall is one recorded Forward invocation.
type ForwardedCall struct {
	CID   ipcops.CallID
	Phone ipcops.Phone
	Rec   ipcops.Record
}

// IRQRegistration is one recorded RegisterIRQ invocation.
type IRQRegistration struct {
	Inr, Devno int
	Code       []kernelipc.IRQInstr
}

// NewFakeFacade returns an empty fake with nothing queued.
func NewFakeFacade() *FakeFacade {
	return &FakeFacade{pending: make(map[ipcops.CallID]pendingSend)}
}

// Deliver queues rec to be returned by a future Receive call, with a
// freshly allocated CallID. It returns that CallID so the test can later
// correlate an expected Answer/Forward against it.
func (f *FakeFacade) Deliver(rec ipcops.Record) ipcops.CallID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCID++
	cid := ipcops.CallID(f.nextCID)
	f.inbound = append(f.inbound, inboundEntry{cid: cid, rec: rec})
	return cid
}

// DeliverNotification queues rec to be returned by a future Receive call
// flagged as a notification.
func (f *FakeFacade) DeliverNotification(rec ipcops.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCID++
	cid := ipcops.CallID(f.nextCID).WithNotification()
	f.inbound = append(f.inbound, inboundEntry{cid: cid, rec: rec})
}

// Reply synthesizes the reply for the cid returned by a prior SendAsync,
// invoking the callback the runtime registered for it exactly as a real
// facade's Receive would on observing the matching answered frame.
func (f *FakeFacade) Reply(cid ipcops.CallID, status ipcerr.Errno, rec ipcops.Record) error {
	f.mu.Lock()
	p, ok := f.pending[cid]
	if ok {
		delete(f.pending, cid)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("asynctesting: no pending send for cid %v", cid)
	}
	p.cb(p.userdata, status, rec)
	return nil
}

// Receive returns the next queued Deliver/DeliverNotification entry, or a
// zero CallID if none is queued. An empty queue costs one short sleep
// (bounded by timeout) rather than returning instantly, so a dispatch loop
// polling this fake does not spin hot; no exact clock-driven blocking is
// attempted beyond that.
func (f *FakeFacade) Receive(timeout time.Duration) (ipcops.CallID, ipcops.Record, error) {
	for attempt := 0; ; attempt++ {
		f.mu.Lock()
		if len(f.inbound) > 0 {
			e := f.inbound[0]
			f.inbound = f.inbound[1:]
			f.mu.Unlock()
			return e.cid, e.rec, nil
		}
		f.mu.Unlock()

		if attempt > 0 || timeout == 0 {
			return 0, ipcops.Record{}, nil
		}
		nap := time.Millisecond
		if timeout > 0 && timeout < nap {
			nap = timeout
		}
		time.Sleep(nap)
	}
}

// SendAsync records the send and its cb/userdata so a later Reply can fire
// it; SentCalls exposes the synthetic cid the test should pass to Reply.
func (f *FakeFacade) SendAsync(phone ipcops.Phone, rec ipcops.Record, userdata interface{}, cb kernelipc.SendCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCID++
	cid := ipcops.CallID(f.nextCID).WithAnswered()
	f.pending[cid] = pendingSend{cb: cb, userdata: userdata}
	f.Sent = append(f.Sent, SentCall{CID: cid, Phone: phone, Rec: rec})
	return nil
}

// SentCalls returns a snapshot of every SendAsync observed so far, safe to
// call while a dispatch loop is still running against this fake.
func (f *FakeFacade) SentCalls() []SentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentCall(nil), f.Sent...)
}

// AnsweredCalls returns a snapshot of every Answer observed so far, safe
// to call while a dispatch loop is still running against this fake.
func (f *FakeFacade) AnsweredCalls() []AnsweredCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AnsweredCall(nil), f.Answered...)
}

// Answer records the call for assertions.
func (f *FakeFacade) Answer(cid ipcops.CallID, retval ipcerr.Errno, rec ipcops.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Answered = append(f.Answered, AnsweredCall{CID: cid, Retval: retval, Rec: rec})
	return nil
}

// Forward records the call for assertions.
func (f *FakeFacade) Forward(cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Forwarded = append(f.Forwarded, ForwardedCall{CID: cid, Phone: phone, Rec: rec})
	return nil
}

// ShareInFinalize, ShareOutFinalize and DataReadFinalize are no-ops here:
// bulk-data byte movement is outside what the dispatcher and
// connection-table tests this fake supports need to exercise.
func (f *FakeFacade) ShareInFinalize(cid ipcops.CallID, dst []byte) error  { return nil }
func (f *FakeFacade) ShareOutFinalize(cid ipcops.CallID, src []byte) error { return nil }
func (f *FakeFacade) DataReadFinalize(cid ipcops.CallID, src []byte) error { return nil }

// DataWriteFinalize fills dst with a deterministic non-zero pattern
// (byte i = i+1 mod 256) and records len(dst), so asyncutil tests can
// assert exactly how many bytes a caller like DataWriteAccept asked the
// facade to fill; in particular, that a nullterm buffer's trailing byte
// is never handed to the facade and so stays zeroed.
func (f *FakeFacade) DataWriteFinalize(cid ipcops.CallID, dst []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range dst {
		dst[i] = byte(i + 1)
	}
	f.DataWriteFinalized = append(f.DataWriteFinalized, len(dst))
	return nil
}

// RegisterIRQ records the call for assertions and always succeeds.
func (f *FakeFacade) RegisterIRQ(inr, devno int, code []kernelipc.IRQInstr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = append(f.Registered, IRQRegistration{Inr: inr, Devno: devno, Code: code})
	return nil
}

// Close is a no-op.
func (f *FakeFacade) Close() error { return nil }
