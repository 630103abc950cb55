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

// Package asyncrt is a userspace asynchronous IPC runtime: a cooperative
// fibril scheduler, a futex-like wait primitive, a timeout queue, an
// outbound call table, a connection table, a dispatcher and a set of
// request/reply helpers, all built on a narrow kernel-IPC facade.
//
// The primary packages are:
//
//  *  scheduler, which implements the fibril scheduler, the futex wait
//     primitive, and the timeout queue.
//
//  *  kernelipc, which narrowly abstracts the underlying send/receive/
//     answer/forward/bulk-data transport a real microkernel would provide,
//     and ships a real implementation (Unix) over a local socketpair.
//
//  *  ipcrt, which ties the scheduler and a kernelipc.Facade together into
//     a Runtime: the connection table, the dispatcher (manager fibril),
//     and Send/Wait/WaitTimeout/Request/Usleep.
//
//  *  asyncutil, which layers the bulk-data and shared-memory handshake
//     comfort wrappers on top of ipcrt.
//
// A process that wants to accept connections constructs a kernelipc.Facade,
// wraps it in an ipcrt.Config with a ClientConnection handler, builds a
// Runtime with ipcrt.New, and calls Runtime.Run. See cmd/echoserver and
// cmd/pingclient for complete examples.
package asyncrt
