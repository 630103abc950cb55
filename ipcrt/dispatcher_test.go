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

package ipcrt_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipcrt/asyncrt/asynctesting"
	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/ipcrt"
	. "github.com/jacobsa/ogletest"
)

func TestDispatcher(t *testing.T) { RunTests(t) }

const methodEcho = ipcops.FirstUserMethod

type DispatcherTest struct {
	facade *asynctesting.FakeFacade
	rt     *ipcrt.Runtime
	ctx    context.Context
	cancel context.CancelFunc

	echoed chan ipcops.Record
}

func init() { RegisterTestSuite(&DispatcherTest{}) }

func (t *DispatcherTest) SetUp(ti *TestInfo) {
	t.facade = asynctesting.NewFakeFacade()
	t.echoed = make(chan ipcops.Record, 8)

	cfg := ipcrt.NewConfig(t.facade).WithClientConnection(func(conn *ipcrt.Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
		AssertEq(nil, conn.Runtime().Facade().Answer(firstCID, ipcerr.EOK, ipcops.Record{}))

		for {
			cid, rec, ok := conn.GetCallTimeout(time.Second)
			if !ok {
				continue
			}
			switch rec.Method {
			case ipcops.PhoneHungup:
				return
			case methodEcho:
				conn.Runtime().Facade().Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{rec.Arg(1) + 1}})
				t.echoed <- rec
			default:
				conn.Runtime().Facade().Answer(cid, ipcerr.ENOTSUP, ipcops.Record{})
			}
		}
	})

	rt, err := ipcrt.New(cfg)
	AssertEq(nil, err)
	t.rt = rt

	t.ctx, t.cancel = context.WithCancel(context.Background())
	go t.rt.Run(t.ctx)
}

func (t *DispatcherTest) TearDown() {
	t.cancel()
}

func (t *DispatcherTest) ConnectRequestRoutesToTheRightConnection() {
	const phoneHash = 0x1001
	connectCID := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})

	answered := waitForAnswer(t.facade, connectCID, time.Second)
	AssertTrue(answered != nil)
	ExpectEq(ipcerr.EOK, answered.Retval)

	callCID := t.facade.Deliver(ipcops.Record{Method: methodEcho, Args: [5]uint64{41}, PhoneHash: phoneHash})

	select {
	case rec := <-t.echoed:
		ExpectEq(uint64(41), rec.Arg(1))
	case <-time.After(time.Second):
		AssertTrue(false, "connection handler never observed the routed call")
	}

	reply := waitForAnswer(t.facade, callCID, time.Second)
	AssertTrue(reply != nil)
	ExpectEq(ipcerr.EOK, reply.Retval)
	ExpectEq(uint64(42), reply.Rec.Arg(1))
}

func (t *DispatcherTest) ConnectWithTakenPhoneHashGetsELimit() {
	const phoneHash = 0x1003
	first := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})
	answered := waitForAnswer(t.facade, first, time.Second)
	AssertTrue(answered != nil)
	AssertEq(ipcerr.EOK, answered.Retval)

	second := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})
	rejected := waitForAnswer(t.facade, second, time.Second)
	AssertTrue(rejected != nil)
	ExpectEq(ipcerr.ELIMIT, rejected.Retval)
}

func (t *DispatcherTest) ConnectWithoutPhoneHashGetsEInval() {
	cid := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo})
	rejected := waitForAnswer(t.facade, cid, time.Second)
	AssertTrue(rejected != nil)
	ExpectEq(ipcerr.EINVAL, rejected.Retval)
}

func (t *DispatcherTest) CallWithUnknownPhoneHashGetsHungUp() {
	cid := t.facade.Deliver(ipcops.Record{Method: methodEcho, PhoneHash: 0xffffffff})

	answered := waitForAnswer(t.facade, cid, time.Second)
	AssertTrue(answered != nil)
	ExpectEq(ipcerr.EHANGUP, answered.Retval)
}

func (t *DispatcherTest) FloodOfCallsIsDeliveredInOrder() {
	const phoneHash = 0x1002
	connectCID := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})
	answered := waitForAnswer(t.facade, connectCID, time.Second)
	AssertTrue(answered != nil)
	AssertEq(ipcerr.EOK, answered.Retval)

	for i := 1; i <= 3; i++ {
		t.facade.Deliver(ipcops.Record{Method: methodEcho, Args: [5]uint64{uint64(i)}, PhoneHash: phoneHash})
	}

	for i := 1; i <= 3; i++ {
		select {
		case rec := <-t.echoed:
			ExpectEq(uint64(i), rec.Arg(1))
		case <-time.After(time.Second):
			AssertTrue(false, "flood call arrived out of order or not at all")
		}
	}
}

func (t *DispatcherTest) TwoConnectionsStayIsolated() {
	const aHash, bHash = 0x2001, 0x2002

	aConnectCID := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, aHash}})
	aAnswered := waitForAnswer(t.facade, aConnectCID, time.Second)
	AssertTrue(aAnswered != nil)
	AssertEq(ipcerr.EOK, aAnswered.Retval)

	bConnectCID := t.facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, bHash}})
	bAnswered := waitForAnswer(t.facade, bConnectCID, time.Second)
	AssertTrue(bAnswered != nil)
	AssertEq(ipcerr.EOK, bAnswered.Retval)

	t.facade.Deliver(ipcops.Record{Method: methodEcho, Args: [5]uint64{7}, PhoneHash: aHash})
	t.facade.Deliver(ipcops.Record{Method: methodEcho, Args: [5]uint64{8}, PhoneHash: bHash})

	got := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case rec := <-t.echoed:
			got[rec.Arg(1)] = true
		case <-time.After(time.Second):
			AssertTrue(false, "expected both connections' calls to be observed")
		}
	}
	ExpectTrue(got[7])
	ExpectTrue(got[8])
}

func (t *DispatcherTest) HangupDrainsPendingInboxInOrder() {
	facade := asynctesting.NewFakeFacade()
	release := make(chan struct{})
	cfg := ipcrt.NewConfig(facade).WithClientConnection(func(conn *ipcrt.Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
		AssertEq(nil, conn.Runtime().Facade().Answer(firstCID, ipcerr.EOK, ipcops.Record{}))
		<-release
		// Return without ever calling GetCall: everything routed to this
		// connection after the connect answer piles up in its inbox and
		// must be drained with HANGUP once this handler returns.
	})
	rt, err := ipcrt.New(cfg)
	AssertEq(nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	const phoneHash = 0x3001
	connectCID := facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})
	answered := waitForAnswer(facade, connectCID, time.Second)
	AssertTrue(answered != nil)
	AssertEq(ipcerr.EOK, answered.Retval)

	var cids []ipcops.CallID
	for i := 0; i < 3; i++ {
		cids = append(cids, facade.Deliver(ipcops.Record{Method: methodEcho, PhoneHash: phoneHash, Args: [5]uint64{uint64(i)}}))
	}
	// Give the dispatcher a chance to route all three into the
	// connection's inbox before its handler is allowed to return.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, cid := range cids {
		ans := waitForAnswer(facade, cid, time.Second)
		AssertTrue(ans != nil)
		ExpectEq(ipcerr.EHANGUP, ans.Retval)
	}
}

func (t *DispatcherTest) IdempotentHangupReadKeepsReturningCloseCall() {
	facade := asynctesting.NewFakeFacade()
	cidsCh := make(chan ipcops.CallID, 8)
	recsCh := make(chan ipcops.Record, 8)
	cfg := ipcrt.NewConfig(facade).WithClientConnection(func(conn *ipcrt.Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
		AssertEq(nil, conn.Runtime().Facade().Answer(firstCID, ipcerr.EOK, ipcops.Record{}))
		for i := 0; i < 3; i++ {
			cid, rec, ok := conn.GetCallTimeout(time.Second)
			AssertTrue(ok)
			cidsCh <- cid
			recsCh <- rec
		}
	})
	rt, err := ipcrt.New(cfg)
	AssertEq(nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	const phoneHash = 0x4001
	connectCID := facade.Deliver(ipcops.Record{Method: ipcops.ConnectMeTo, Args: [5]uint64{0, 0, 0, 0, phoneHash}})
	answered := waitForAnswer(facade, connectCID, time.Second)
	AssertTrue(answered != nil)
	AssertEq(ipcerr.EOK, answered.Retval)

	hangupCID := facade.Deliver(ipcops.Record{Method: ipcops.PhoneHungup, PhoneHash: phoneHash})

	for i := 0; i < 3; i++ {
		var cid ipcops.CallID
		var rec ipcops.Record
		select {
		case cid = <-cidsCh:
		case <-time.After(2 * time.Second):
			AssertTrue(false, "GetCallTimeout never returned the synthesized hangup")
		}
		rec = <-recsCh
		ExpectEq(hangupCID, cid)
		ExpectEq(uint32(ipcops.PhoneHungup), rec.Method)
	}
}

func (t *DispatcherTest) NotificationFanOutSpawnsIndependentFibrilsPerNotification() {
	facade := asynctesting.NewFakeFacade()
	seen := make(chan uint32, 4)
	blockFirst := make(chan struct{})
	var calls int32

	cfg := ipcrt.NewConfig(facade).WithInterruptReceived(func(cid ipcops.CallID, rec ipcops.Record) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-blockFirst
		}
		seen <- rec.Method
	})
	rt, err := ipcrt.New(cfg)
	AssertEq(nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	facade.DeliverNotification(ipcops.Record{Method: 10})
	facade.DeliverNotification(ipcops.Record{Method: 20})

	// The second notification's handler must complete even while the
	// first is still blocked: that only holds if each notification got
	// its own fibril instead of being served one-at-a-time inline on the
	// manager fibril.
	select {
	case m := <-seen:
		ExpectEq(uint32(20), m)
	case <-time.After(time.Second):
		AssertTrue(false, "second notification handler never ran while the first was still blocked")
	}

	close(blockFirst)
	select {
	case m := <-seen:
		ExpectEq(uint32(10), m)
	case <-time.After(time.Second):
		AssertTrue(false, "first notification handler never completed")
	}
}

func (t *DispatcherTest) NotificationInvokesInterruptHandler() {
	facade := asynctesting.NewFakeFacade()
	seen := make(chan ipcops.Record, 1)
	cfg := ipcrt.NewConfig(facade).WithInterruptReceived(func(cid ipcops.CallID, rec ipcops.Record) {
		seen <- rec
	})
	rt, err := ipcrt.New(cfg)
	AssertEq(nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	facade.DeliverNotification(ipcops.Record{Method: 7})

	select {
	case rec := <-seen:
		ExpectEq(uint32(7), rec.Method)
	case <-time.After(time.Second):
		AssertTrue(false, "InterruptReceived was never invoked")
	}
}

// waitForAnswer polls f.Answered for an entry matching cid, since the
// dispatch loop runs on its own goroutine and there is no synchronous
// "answer happened" signal to block on otherwise.
func waitForAnswer(f *asynctesting.FakeFacade, cid ipcops.CallID, timeout time.Duration) *asynctesting.AnsweredCall {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, a := range f.AnsweredCalls() {
			if a.CID == cid {
				a := a
				return &a
			}
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}
