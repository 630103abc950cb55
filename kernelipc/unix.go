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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
)

// frameSize is the wire size of one ipcops.Record plus its CallID and
// Errno header: 8 (CallID) + 4 (Errno, as int32) + 4 (Method) + 5*8 (Args)
// + 8 (PhoneHash).
const frameSize = 8 + 4 + 4 + 5*8 + 8

// rawMagic is the 8-byte header marking a frame as a raw bulk-transfer
// payload rather than an encoded call record. Call-record frames start with
// a CallID, and no CallID this transport ever allocates collides with it:
// tags count up from 1 and the flag bits only touch the top two bit
// positions.
const rawMagic uint64 = 0x5241574452415721

// maxRawPayload bounds one raw bulk-transfer frame; SOCK_SEQPACKET
// preserves message boundaries, so one RawWrite is one frame.
const maxRawPayload = 1 << 16

// rawReadTimeout bounds how long a finalize call waits for its payload
// frame before giving up, so a peer that died mid-handshake cannot park a
// server fibril forever.
const rawReadTimeout = 5 * time.Second

// Unix is a Facade backed by a unix domain socketpair. There is no real
// microkernel underneath this process, so the socketpair stands in for the
// kernel answerbox: frames written to one end are observable as inbound
// calls on the other.
//
// Every pending outbound call's completion callback is kept in an
// in-process table keyed by a locally assigned reply tag, since the
// socketpair transport (unlike a real kernel) has no notion of "the
// userdata I was given at send time" to hand back on reply.
type Unix struct {
	fd      int
	peerFd  int
	writeMu sync.Mutex
	pending sync.Map // map[uint64]pendingCall
	nextTag uint64
	tagMu   sync.Mutex

	// raw carries bulk-transfer payload frames from Receive (the only
	// reader of fd) to whichever finalize call is waiting for them. Without
	// this hand-off, a finalize recv on the conn fibril would race the
	// dispatcher's own recv for the same packet.
	raw chan []byte
}

type pendingCall struct {
	cb       SendCallback
	userdata interface{}
}

// NewUnix creates a connected pair of SOCK_SEQPACKET unix sockets and
// returns a Facade using one end, keeping the other end (peerFd) to
// demonstrate loopback wiring for local examples such as cmd/echoserver.
//
// Phone handles accepted by SendAsync/Forward are simply raw fds of
// whichever socket represents the peer's answerbox; a real kernel's phone
// table has no such equivalence, but this transport has no phone table of
// its own to offer instead.
func NewUnix() (*Unix, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}

	return &Unix{fd: fds[0], peerFd: fds[1], raw: make(chan []byte, 64)}, nil
}

// NewUnixFromFD wraps an existing socket fd (the end this Facade will
// receive on) together with the fd of its peer. This lets a second
// Runtime (in a single-binary demo, or a genuinely separate process that
// inherited the fd) drive the other half of a socketpair NewUnix already
// created, without allocating a second one.
func NewUnixFromFD(fd, peerFd int) *Unix {
	return &Unix{fd: fd, peerFd: peerFd, raw: make(chan []byte, 64)}
}

// PeerFd exposes the other end of the socketpair, e.g. for a client
// process driving this facade's server loop from the same address space in
// an example program.
func (u *Unix) PeerFd() int { return u.peerFd }

func encodeFrame(cid ipcops.CallID, status ipcerr.Errno, rec ipcops.Record) []byte {
	b := make([]byte, frameSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(cid))
	binary.BigEndian.PutUint32(b[8:12], uint32(int32(status)))
	binary.BigEndian.PutUint32(b[12:16], rec.Method)
	for i, a := range rec.Args {
		off := 16 + i*8
		binary.BigEndian.PutUint64(b[off:off+8], a)
	}
	binary.BigEndian.PutUint64(b[56:64], rec.PhoneHash)
	return b
}

func decodeFrame(b []byte) (ipcops.CallID, ipcerr.Errno, ipcops.Record) {
	cid := ipcops.CallID(binary.BigEndian.Uint64(b[0:8]))
	status := ipcerr.Errno(int32(binary.BigEndian.Uint32(b[8:12])))
	var rec ipcops.Record
	rec.Method = binary.BigEndian.Uint32(b[12:16])
	for i := range rec.Args {
		off := 16 + i*8
		rec.Args[i] = binary.BigEndian.Uint64(b[off : off+8])
	}
	rec.PhoneHash = binary.BigEndian.Uint64(b[56:64])
	return cid, status, rec
}

// Receive blocks up to timeout for the next frame. A negative timeout
// means wait forever. A zero timeout is a pure poll: Linux's SO_RCVTIMEO
// can't express "don't block at all" (setting it to the zero Timeval
// disables the timeout and
// blocks forever instead), so a zero timeout puts the fd into
// non-blocking mode instead of setting a socket timeout. Any positive
// timeout is relative to now, not an absolute deadline: SO_RCVTIMEO takes
// a duration to wait, not a wall-clock time to wait until.
func (u *Unix) Receive(timeout time.Duration) (ipcops.CallID, ipcops.Record, error) {
	switch {
	case timeout < 0:
		if err := unix.SetNonblock(u.fd, false); err != nil {
			return 0, ipcops.Record{}, err
		}
		if err := unix.SetsockoptTimeval(u.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{}); err != nil {
			return 0, ipcops.Record{}, err
		}
	case timeout == 0:
		if err := unix.SetNonblock(u.fd, true); err != nil {
			return 0, ipcops.Record{}, err
		}
	default:
		if err := unix.SetNonblock(u.fd, false); err != nil {
			return 0, ipcops.Record{}, err
		}
		tv := unix.NsecToTimeval(int64(timeout))
		if err := unix.SetsockoptTimeval(u.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return 0, ipcops.Record{}, err
		}
	}

	buf := make([]byte, 8+maxRawPayload)
	n, _, err := unix.Recvfrom(u.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ipcops.Record{}, nil
		}
		return 0, ipcops.Record{}, err
	}
	if n >= 8 && binary.BigEndian.Uint64(buf[0:8]) == rawMagic {
		// A bulk-transfer payload: hand it to the finalize call waiting in
		// RawRead and report this Receive as empty, so the dispatcher just
		// loops.
		payload := make([]byte, n-8)
		copy(payload, buf[8:n])
		u.raw <- payload
		return 0, ipcops.Record{}, nil
	}
	if n != frameSize {
		return 0, ipcops.Record{}, fmt.Errorf("kernelipc: short frame: %d bytes", n)
	}

	cid, status, rec := decodeFrame(buf)
	if cid.IsAnswered() {
		// A reply: look up and fire the waiting callback, then report it
		// to the dispatcher as already-handled via the Answered flag so
		// it knows to skip routing.
		tag := uint64(cid.Base())
		if v, ok := u.pending.LoadAndDelete(tag); ok {
			p := v.(pendingCall)
			p.cb(p.userdata, status, rec)
		}
	}
	return cid, rec, nil
}

func (u *Unix) allocTag() uint64 {
	u.tagMu.Lock()
	defer u.tagMu.Unlock()
	u.nextTag++
	return u.nextTag
}

// SendAsync writes rec as a frame tagged with a freshly allocated reply
// tag and records cb so a later Receive of the matching reply dispatches
// it. userdata never crosses the wire: it is kept in the same in-process
// table as cb and handed back to cb when the reply arrives.
func (u *Unix) SendAsync(phone ipcops.Phone, rec ipcops.Record, userdata interface{}, cb SendCallback) error {
	tag := u.allocTag()
	u.pending.Store(tag, pendingCall{cb: cb, userdata: userdata})

	cid := ipcops.CallID(tag)
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_, err := unix.Write(int(phone), encodeFrame(cid, ipcerr.EOK, rec))
	return err
}

// Answer sends a reply frame for cid.
func (u *Unix) Answer(cid ipcops.CallID, retval ipcerr.Errno, rec ipcops.Record) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_, err := unix.Write(u.fd, encodeFrame(cid.Base().WithAnswered(), retval, rec))
	return err
}

// Forward re-routes cid to phone by re-emitting its payload there. Unlike
// a real kernel forward, this transport cannot preserve the original
// sender's identity transparently, so the forwarded frame carries the same
// cid for tracing purposes only.
func (u *Unix) Forward(cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_, err := unix.Write(int(phone), encodeFrame(cid, ipcerr.EOK, rec))
	return err
}

// ShareInFinalize, ShareOutFinalize, DataReadFinalize and DataWriteFinalize
// move bytes over the socketpair as raw payload frames rather than through
// a shared address-space mapping, since this transport has no such mapping.
// The receiving halves wait on the raw channel fed by Receive instead of
// recv'ing the socket themselves, keeping the dispatcher the fd's only
// reader. This is sufficient to exercise the handshake shape
// (start/receive/finalize) the bulk-data helpers implement; a production
// kernel-IPC facade would back these with an actual cross-address-space
// copy primitive.
func (u *Unix) ShareInFinalize(cid ipcops.CallID, dst []byte) error {
	return u.RawRead(dst)
}

func (u *Unix) ShareOutFinalize(cid ipcops.CallID, src []byte) error {
	return u.RawWrite(src)
}

func (u *Unix) DataReadFinalize(cid ipcops.CallID, src []byte) error {
	return u.RawWrite(src)
}

func (u *Unix) DataWriteFinalize(cid ipcops.CallID, dst []byte) error {
	return u.RawRead(dst)
}

// RawWrite and RawRead implement kernelipc.RawTransport, letting a client
// on the other end of this socketpair complete its half of a bulk
// transfer directly, since this transport has no kernel to do that copy
// for it transparently. Payloads travel as rawMagic-tagged frames so the
// peer's Receive can tell them apart from call records.
func (u *Unix) RawWrite(b []byte) error {
	if len(b) > maxRawPayload {
		return fmt.Errorf("kernelipc: raw payload too large: %d > %d", len(b), maxRawPayload)
	}

	frame := make([]byte, 8+len(b))
	binary.BigEndian.PutUint64(frame[0:8], rawMagic)
	copy(frame[8:], b)

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_, err := unix.Write(u.fd, frame)
	return err
}

func (u *Unix) RawRead(b []byte) error {
	select {
	case p := <-u.raw:
		if len(p) != len(b) {
			return fmt.Errorf("kernelipc: short raw read: got %d want %d", len(p), len(b))
		}
		copy(b, p)
		return nil
	case <-time.After(rawReadTimeout):
		return fmt.Errorf("kernelipc: raw read timed out after %v", rawReadTimeout)
	}
}

// RegisterIRQ is a stub: this transport has no real interrupt source to
// register against. It validates the program shape and succeeds, so code
// exercising the facade interface (rather than real hardware) can still
// call it.
func (u *Unix) RegisterIRQ(inr, devno int, code []IRQInstr) error {
	if len(code) == 0 {
		return fmt.Errorf("kernelipc: empty IRQ program")
	}
	return nil
}

// Close closes both ends of the socketpair.
func (u *Unix) Close() error {
	err1 := unix.Close(u.fd)
	err2 := unix.Close(u.peerFd)
	if err1 != nil {
		return err1
	}
	return err2
}
