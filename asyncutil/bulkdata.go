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

// Package asyncutil provides the bulk-data and shared-memory handshake
// comfort wrappers built on top of ipcrt's plain Send/Request: the
// DataRead/DataWrite/ShareIn/ShareOut Start/Receive/Finalize triplets, the
// validated DataWriteAccept/DataWriteVoid pair, and the forwarding
// helpers that hand a pending bulk request to another phone unconsumed.
package asyncutil

import (
	"fmt"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/ipcrt"
	"github.com/ipcrt/asyncrt/kernelipc"
	"github.com/ipcrt/asyncrt/scheduler"
)

func rawTransport(rt *ipcrt.Runtime) (kernelipc.RawTransport, error) {
	rw, ok := rt.Facade().(kernelipc.RawTransport)
	if !ok {
		return nil, fmt.Errorf("asyncutil: facade does not support client-side bulk transfer")
	}
	return rw, nil
}

// DataWriteStart sends data to phone as one DATA_WRITE bulk transfer: a
// DataWrite call announcing the payload size, then the raw bytes once the
// server answers.
func DataWriteStart(rt *ipcrt.Runtime, f *scheduler.Fibril, phone ipcops.Phone, data []byte) error {
	retval, _, err := rt.Request(f, phone, ipcops.DataWrite, uint64(len(data)))
	if err != nil {
		return err
	}
	if retval != ipcerr.EOK {
		return retval
	}

	rw, err := rawTransport(rt)
	if err != nil {
		return err
	}
	return rw.RawWrite(data)
}

// DataWriteReceive reports the payload size the caller of a pending
// DATA_WRITE call is proposing, read out of rec's first argument. Server
// code calls this after GetCall/GetCallTimeout returns a DataWrite call,
// before deciding whether to DataWriteAccept or DataWriteVoid it.
func DataWriteReceive(rec ipcops.Record) (size uint64) {
	return rec.Arg(1)
}

// DataWriteAccept validates the pending DATA_WRITE call cid/rec against
// [minSize, maxSize] and granularity, answers EOK with the accepted size,
// and finalizes the transfer into a freshly allocated buffer. If
// nullTerminate is set, the returned buffer carries one extra trailing zero
// byte beyond the received payload (so a caller that wants to treat the
// bytes as a C string can do so without a second allocation); the accepted
// size answered back to the peer is still the payload length, not len(buf).
func DataWriteAccept(rt *ipcrt.Runtime, cid ipcops.CallID, rec ipcops.Record, minSize, maxSize, granularity uint64, nullTerminate bool) ([]byte, error) {
	size := DataWriteReceive(rec)
	if size < minSize || size > maxSize {
		rt.Facade().Answer(cid, ipcerr.ELIMIT, ipcops.Record{})
		return nil, ipcerr.ELIMIT
	}
	if granularity > 1 && size%granularity != 0 {
		rt.Facade().Answer(cid, ipcerr.EINVAL, ipcops.Record{})
		return nil, ipcerr.EINVAL
	}

	if err := rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{size}}); err != nil {
		return nil, err
	}

	bufLen := size
	if nullTerminate {
		bufLen++
	}
	buf := make([]byte, bufLen)
	if err := rt.Facade().DataWriteFinalize(cid, buf[:size]); err != nil {
		return nil, err
	}
	return buf, nil
}

// DataWriteVoid declines a pending DATA_WRITE call with retval, without
// reading its payload.
func DataWriteVoid(rt *ipcrt.Runtime, cid ipcops.CallID, retval ipcerr.Errno) error {
	return rt.Facade().Answer(cid, retval, ipcops.Record{})
}

// DataWriteForward hands a pending DATA_WRITE call to phone unconsumed,
// for a server that wants another connection to actually receive the
// bytes.
func DataWriteForward(rt *ipcrt.Runtime, cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error {
	return rt.Forward(cid, phone, rec)
}

// DataReadStart requests up to len(buf) bytes from phone as one DATA_READ
// bulk transfer, returning the number of bytes actually received.
func DataReadStart(rt *ipcrt.Runtime, f *scheduler.Fibril, phone ipcops.Phone, buf []byte) (int, error) {
	retval, rec, err := rt.Request(f, phone, ipcops.DataRead, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	if retval != ipcerr.EOK {
		return 0, retval
	}

	n := int(rec.Arg(1))
	if n > len(buf) {
		n = len(buf)
	}

	rw, err := rawTransport(rt)
	if err != nil {
		return 0, err
	}
	if err := rw.RawRead(buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// DataReadReceive reports the buffer size the caller of a pending
// DATA_READ call is prepared to accept.
func DataReadReceive(rec ipcops.Record) (size uint64) {
	return rec.Arg(1)
}

// DataReadFinalize answers a pending DATA_READ call cid/rec with min(len(data),
// requested size) bytes of data and completes the transfer.
func DataReadFinalize(rt *ipcrt.Runtime, cid ipcops.CallID, rec ipcops.Record, data []byte) error {
	want := DataReadReceive(rec)
	n := uint64(len(data))
	if n > want {
		n = want
	}

	if err := rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{n}}); err != nil {
		return err
	}
	return rt.Facade().DataReadFinalize(cid, data[:n])
}

// DataReadForward hands a pending DATA_READ call to phone unconsumed.
func DataReadForward(rt *ipcrt.Runtime, cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error {
	return rt.Forward(cid, phone, rec)
}

// ShareOutStart offers data to phone as a SHARE_OUT bulk transfer: a
// ShareOut call announcing the size, then the raw bytes once the peer
// answers.
func ShareOutStart(rt *ipcrt.Runtime, f *scheduler.Fibril, phone ipcops.Phone, data []byte) error {
	retval, _, err := rt.Request(f, phone, ipcops.ShareOut, uint64(len(data)))
	if err != nil {
		return err
	}
	if retval != ipcerr.EOK {
		return retval
	}

	rw, err := rawTransport(rt)
	if err != nil {
		return err
	}
	return rw.RawWrite(data)
}

// ShareOutReceive reports the size proposed by a pending SHARE_OUT call.
func ShareOutReceive(rec ipcops.Record) (size uint64) {
	return rec.Arg(1)
}

// ShareOutFinalize answers a pending SHARE_OUT call and receives its
// payload into a freshly allocated buffer.
func ShareOutFinalize(rt *ipcrt.Runtime, cid ipcops.CallID, rec ipcops.Record) ([]byte, error) {
	size := ShareOutReceive(rec)
	if err := rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{}); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if err := rt.Facade().ShareInFinalize(cid, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ShareInStart requests up to len(buf) bytes of shared data from phone as
// one SHARE_IN bulk transfer.
func ShareInStart(rt *ipcrt.Runtime, f *scheduler.Fibril, phone ipcops.Phone, buf []byte) (int, error) {
	retval, rec, err := rt.Request(f, phone, ipcops.ShareIn, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	if retval != ipcerr.EOK {
		return 0, retval
	}

	n := int(rec.Arg(1))
	if n > len(buf) {
		n = len(buf)
	}

	rw, err := rawTransport(rt)
	if err != nil {
		return 0, err
	}
	if err := rw.RawRead(buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// ShareInReceive reports the size requested by a pending SHARE_IN call.
func ShareInReceive(rec ipcops.Record) (size uint64) {
	return rec.Arg(1)
}

// ShareInFinalize answers a pending SHARE_IN call with min(len(data),
// requested size) bytes and completes the transfer.
func ShareInFinalize(rt *ipcrt.Runtime, cid ipcops.CallID, rec ipcops.Record, data []byte) error {
	want := ShareInReceive(rec)
	n := uint64(len(data))
	if n > want {
		n = want
	}

	if err := rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{n}}); err != nil {
		return err
	}
	return rt.Facade().ShareOutFinalize(cid, data[:n])
}
