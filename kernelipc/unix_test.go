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

package kernelipc

import (
	"testing"
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
)

func TestEncodeDecodeFrame_RoundTrip(t *testing.T) {
	cid := ipcops.CallID(12345).WithAnswered()
	rec := ipcops.Record{
		Method:    ipcops.DataWrite,
		Args:      [5]uint64{1, 2, 3, 4, 5},
		PhoneHash: 0xdeadbeef,
	}

	b := encodeFrame(cid, ipcerr.ELIMIT, rec)
	if len(b) != frameSize {
		t.Fatalf("encodeFrame produced %d bytes, want %d", len(b), frameSize)
	}

	gotCID, gotStatus, gotRec := decodeFrame(b)
	if gotCID != cid {
		t.Errorf("CallID = %v, want %v", gotCID, cid)
	}
	if gotStatus != ipcerr.ELIMIT {
		t.Errorf("status = %v, want %v", gotStatus, ipcerr.ELIMIT)
	}
	if gotRec != rec {
		t.Errorf("Record = %+v, want %+v", gotRec, rec)
	}
}

func TestEncodeDecodeFrame_ZeroRecord(t *testing.T) {
	b := encodeFrame(0, ipcerr.EOK, ipcops.Record{})
	cid, status, rec := decodeFrame(b)
	if cid != 0 || status != ipcerr.EOK || rec != (ipcops.Record{}) {
		t.Fatalf("round trip of the zero frame changed it: cid=%v status=%v rec=%+v", cid, status, rec)
	}
}

func TestUnix_SendAsyncAndAnswerRoundTrip(t *testing.T) {
	server, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	defer server.Close()

	client := NewUnixFromFD(server.PeerFd(), server.fd)

	replyCh := make(chan ipcops.Record, 1)
	cb := func(userdata interface{}, status ipcerr.Errno, reply ipcops.Record) {
		replyCh <- reply
	}

	if err := client.SendAsync(ipcops.Phone(client.fd), ipcops.Record{Method: 42}, nil, cb); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}

	cid, rec, err := server.Receive(time.Second)
	if err != nil {
		t.Fatalf("server.Receive: %v", err)
	}
	if rec.Method != 42 {
		t.Fatalf("server observed method %d, want 42", rec.Method)
	}

	if err := server.Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{99}}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if _, _, err := client.Receive(time.Second); err != nil {
		t.Fatalf("client.Receive (to dispatch the reply): %v", err)
	}

	select {
	case reply := <-replyCh:
		if reply.Arg(1) != 99 {
			t.Fatalf("reply.Arg(1) = %d, want 99", reply.Arg(1))
		}
	default:
		t.Fatal("SendCallback was never invoked")
	}
}

func TestUnix_ReceiveTimesOutRelativeToNow(t *testing.T) {
	server, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	defer server.Close()

	const budget = 50 * time.Millisecond
	start := time.Now()
	cid, _, err := server.Receive(budget)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if cid != 0 {
		t.Fatalf("Receive on an idle socket returned cid=%v, want 0 (timeout)", cid)
	}
	// A bug that feeds SO_RCVTIMEO an absolute deadline.UnixNano() instead
	// of the relative budget turns this into a multi-decade timeout, so an
	// elapsed time anywhere near a second would indicate regression.
	if elapsed > time.Second {
		t.Fatalf("Receive(%v) took %v to time out; SO_RCVTIMEO is not using the relative budget", budget, elapsed)
	}
}

func TestUnix_ReceiveZeroTimeoutPollsWithoutBlocking(t *testing.T) {
	server, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	defer server.Close()

	start := time.Now()
	cid, _, err := server.Receive(0)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if cid != 0 {
		t.Fatalf("Receive(0) on an idle socket returned cid=%v, want 0", cid)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("Receive(0) took %v; a zero timeout must poll, not block", elapsed)
	}
}
