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

// Package ipcrt implements the async runtime core: the outbound call
// table, the connection table, the dispatcher (manager fibril), and the
// request/reply helpers built on top of the scheduler and kernelipc
// packages.
package ipcrt

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jacobsa/timeutil"

	"github.com/ipcrt/asyncrt/internal/rtlog"
	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/kernelipc"
	"github.com/ipcrt/asyncrt/scheduler"
)

// ConnHandler handles one accepted connection. It runs on its own
// connection fibril and is responsible for driving the connection's
// lifetime with Connection.GetCall/GetCallTimeout, including answering
// firstCID itself once ready, until it sees the connection hang up.
type ConnHandler func(conn *Connection, firstCID ipcops.CallID, firstCall ipcops.Record)

// NotificationHandler handles an inbound interrupt notification. Each
// notification is handled on a fibril of its own, so a handler that blocks
// does not stall the dispatcher or other notifications.
type NotificationHandler func(cid ipcops.CallID, rec ipcops.Record)

func defaultClientConnection(conn *Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
	conn.rt.facade.Answer(firstCID, ipcerr.ENOENT, ipcops.Record{})
}

func defaultInterruptReceived(cid ipcops.CallID, rec ipcops.Record) {}

// Config collects the runtime's ambient dependencies and connection
// policy, builder-style: NewConfig seeds defaults and each With... call
// layers one override on top.
type Config struct {
	Facade            kernelipc.Facade
	ClientConnection  ConnHandler
	InterruptReceived NotificationHandler
	Clock             timeutil.Clock
	Logger            *log.Logger
}

// NewConfig returns a Config wired to facade, with trivial defaults: the
// default client connection handler answers every connect request ENOENT,
// and the default interrupt handler silently drops notifications.
func NewConfig(facade kernelipc.Facade) *Config {
	return &Config{
		Facade:            facade,
		ClientConnection:  defaultClientConnection,
		InterruptReceived: defaultInterruptReceived,
		Clock:             timeutil.RealClock(),
		Logger:            rtlog.Default(),
	}
}

func (c *Config) WithClientConnection(h ConnHandler) *Config {
	c.ClientConnection = h
	return c
}

func (c *Config) WithInterruptReceived(h NotificationHandler) *Config {
	c.InterruptReceived = h
	return c
}

func (c *Config) WithClock(clk timeutil.Clock) *Config {
	c.Clock = clk
	return c
}

func (c *Config) WithLogger(l *log.Logger) *Config {
	c.Logger = l
	return c
}

// Runtime ties the scheduler, the kernel-IPC facade, the connection table
// and the dispatcher together. One Runtime corresponds to one userspace
// server or client process.
type Runtime struct {
	sched  *scheduler.Scheduler
	facade kernelipc.Facade
	cfg    Config
	log    *log.Logger

	// conns is the connection table, keyed by PhoneHash (in_phone_hash).
	// GUARDED_BY sched.Lock, like every other piece of shared runtime
	// state.
	conns map[uint64]*Connection

	// outPhones maps the virtual phone handles ConnectMeTo hands out to
	// the wire phone and in-phone-hash every call sent through them must
	// carry. A real kernel keeps this in the caller's phone table and
	// stamps in_phone_hash itself; this runtime has no kernel underneath
	// it, so the bookkeeping lives here. GUARDED_BY sched.Lock.
	outPhones   map[ipcops.Phone]outPhone
	nextPhone   ipcops.Phone
	nextOutHash uint64

	managersMu sync.Mutex
	managers   map[*scheduler.Fibril]context.CancelFunc
}

type outPhone struct {
	wire ipcops.Phone
	hash uint64
}

// virtualPhoneBase keeps the handles ConnectMeTo allocates out of the range
// a Facade implementation is likely to use for its own wire phones (the
// socketpair transport uses raw fds).
const virtualPhoneBase ipcops.Phone = 1 << 30

// New validates cfg and returns a Runtime ready to have its manager
// started with Run or CreateManager.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil || cfg.Facade == nil {
		return nil, fmt.Errorf("ipcrt: Config.Facade is required")
	}
	if cfg.ClientConnection == nil {
		cfg.ClientConnection = defaultClientConnection
	}
	if cfg.InterruptReceived == nil {
		cfg.InterruptReceived = defaultInterruptReceived
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = rtlog.Default()
	}

	return &Runtime{
		sched:     scheduler.New(),
		facade:    cfg.Facade,
		cfg:       *cfg,
		log:       cfg.Logger,
		conns:     make(map[uint64]*Connection),
		outPhones: make(map[ipcops.Phone]outPhone),
		nextPhone: virtualPhoneBase,
		managers:  make(map[*scheduler.Fibril]context.CancelFunc),
	}, nil
}

// resolvePhone maps a virtual phone handle from ConnectMeTo back to its
// wire phone, stamping the connection's in-phone-hash on rec so the peer's
// dispatcher can route the call. A phone this runtime never handed out
// passes through untouched, with rec left as the caller built it.
func (rt *Runtime) resolvePhone(phone ipcops.Phone, rec *ipcops.Record) ipcops.Phone {
	rt.sched.Lock.Down()
	op, ok := rt.outPhones[phone]
	rt.sched.Lock.Up()
	if !ok {
		return phone
	}
	rec.PhoneHash = op.hash
	return op.wire
}

// Forward re-routes the pending inbound call cid onward through phone,
// resolving virtual phones from ConnectMeTo the same way Send does, so the
// downstream peer sees the call arrive on this runtime's connection to it.
func (rt *Runtime) Forward(cid ipcops.CallID, phone ipcops.Phone, rec ipcops.Record) error {
	wire := rt.resolvePhone(phone, &rec)
	return rt.facade.Forward(cid, wire, rec)
}

// Spawn starts fn running on a freshly created, immediately-ready fibril
// of its own, for client-side or background work that needs a fibril to
// call Send/Wait/Request/Usleep from but isn't a connection handler.
func (rt *Runtime) Spawn(fn func(f *scheduler.Fibril)) *scheduler.Fibril {
	f := rt.sched.Create(fn)
	rt.sched.MakeReady(f)
	return f
}

// Facade exposes the runtime's kernel-IPC facade so asyncutil's bulk-data
// helpers can drive its finalize (and, for the socketpair transport, raw
// client-side) calls directly.
func (rt *Runtime) Facade() kernelipc.Facade { return rt.facade }

// CreateManager starts an additional manager (dispatcher) fibril, running
// the same receive/demux loop as any other manager this Runtime hosts, so
// a multi-threaded caller can dedicate one goroutine per kernel-IPC
// receive call.
func (rt *Runtime) CreateManager() *scheduler.Fibril {
	ctx, cancel := context.WithCancel(context.Background())

	var fib *scheduler.Fibril
	fib = rt.sched.CreateManager(func(f *scheduler.Fibril) {
		rt.dispatchLoop(ctx, f)
	})

	rt.managersMu.Lock()
	rt.managers[fib] = cancel
	rt.managersMu.Unlock()
	return fib
}

// DestroyManager stops the manager fibril fib after its current receive
// call returns. fib must have come from
// CreateManager or Run.
func (rt *Runtime) DestroyManager(fib *scheduler.Fibril) {
	rt.managersMu.Lock()
	cancel, ok := rt.managers[fib]
	delete(rt.managers, fib)
	rt.managersMu.Unlock()

	if ok {
		cancel()
	}
}

// Run starts the runtime's primary manager fibril and blocks until ctx is
// canceled and the dispatch loop has observed it and returned.
func (rt *Runtime) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var fib *scheduler.Fibril
	fib = rt.sched.CreateManager(func(f *scheduler.Fibril) {
		defer close(done)
		rt.dispatchLoop(ctx, f)
	})

	rt.managersMu.Lock()
	rt.managers[fib] = cancel
	rt.managersMu.Unlock()

	<-done
}
