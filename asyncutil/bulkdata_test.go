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

package asyncutil_test

import (
	"testing"

	"github.com/ipcrt/asyncrt/asynctesting"
	"github.com/ipcrt/asyncrt/asyncutil"
	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/ipcrt"
)

func newTestRuntime(t *testing.T) (*ipcrt.Runtime, *asynctesting.FakeFacade) {
	t.Helper()
	facade := asynctesting.NewFakeFacade()
	rt, err := ipcrt.New(ipcrt.NewConfig(facade))
	if err != nil {
		t.Fatalf("ipcrt.New: %v", err)
	}
	return rt, facade
}

func TestDataWriteAccept_WithoutNullTerminate(t *testing.T) {
	rt, facade := newTestRuntime(t)
	cid := facade.Deliver(ipcops.Record{Method: ipcops.DataWrite, Args: [5]uint64{4}})

	buf, err := asyncutil.DataWriteAccept(rt, cid, ipcops.Record{Args: [5]uint64{4}}, 0, 16, 1, false)
	if err != nil {
		t.Fatalf("DataWriteAccept: %v", err)
	}
	if len(buf) != 4 {
		t.Fatalf("len(buf) = %d, want 4", len(buf))
	}
	if len(facade.DataWriteFinalized) != 1 || facade.DataWriteFinalized[0] != 4 {
		t.Fatalf("DataWriteFinalize was asked to fill %v bytes, want [4]", facade.DataWriteFinalized)
	}
}

func TestDataWriteAccept_WithNullTerminate(t *testing.T) {
	rt, facade := newTestRuntime(t)
	cid := facade.Deliver(ipcops.Record{Method: ipcops.DataWrite, Args: [5]uint64{4}})

	buf, err := asyncutil.DataWriteAccept(rt, cid, ipcops.Record{Args: [5]uint64{4}}, 0, 16, 1, true)
	if err != nil {
		t.Fatalf("DataWriteAccept: %v", err)
	}
	if len(buf) != 5 {
		t.Fatalf("len(buf) = %d, want 5 (payload + nullterm byte)", len(buf))
	}
	if buf[4] != 0 {
		t.Fatalf("trailing nullterm byte = %d, want 0", buf[4])
	}
	// Only the payload length, never the nullterm byte, is handed to the
	// facade to fill.
	if len(facade.DataWriteFinalized) != 1 || facade.DataWriteFinalized[0] != 4 {
		t.Fatalf("DataWriteFinalize was asked to fill %v bytes, want [4]", facade.DataWriteFinalized)
	}

	accepted := facade.Answered[0]
	if accepted.Retval != ipcerr.EOK || accepted.Rec.Arg(1) != 4 {
		t.Fatalf("accepted answer = %+v, want retval EOK size 4 (payload length, not len(buf))", accepted)
	}
}

func TestDataWriteAccept_RejectsOutOfRangeSize(t *testing.T) {
	rt, facade := newTestRuntime(t)
	cid := facade.Deliver(ipcops.Record{Method: ipcops.DataWrite, Args: [5]uint64{100}})

	if _, err := asyncutil.DataWriteAccept(rt, cid, ipcops.Record{Args: [5]uint64{100}}, 0, 16, 1, false); err != ipcerr.ELIMIT {
		t.Fatalf("DataWriteAccept returned err=%v, want ELIMIT", err)
	}
	if len(facade.DataWriteFinalized) != 0 {
		t.Fatalf("DataWriteFinalize was called despite the oversized payload being rejected")
	}
}

func TestDataWriteAccept_RejectsWrongGranularity(t *testing.T) {
	rt, facade := newTestRuntime(t)
	cid := facade.Deliver(ipcops.Record{Method: ipcops.DataWrite, Args: [5]uint64{5}})

	if _, err := asyncutil.DataWriteAccept(rt, cid, ipcops.Record{Args: [5]uint64{5}}, 0, 16, 4, false); err != ipcerr.EINVAL {
		t.Fatalf("DataWriteAccept returned err=%v, want EINVAL", err)
	}
}
