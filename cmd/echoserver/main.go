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

// Command echoserver demonstrates authoring a server on top of asyncrt: a
// ClientConnection handler that answers a small ping method directly and
// echoes a bulk payload back to the caller via the DataWrite/DataRead
// comfort wrappers in asyncutil.
//
// The only Facade implementation this module ships is a local socketpair
// (kernelipc.Unix), so this demo drives both ends from one process: the
// point is to exercise the runtime end to end, not to stand up a real
// multi-process service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/ipcrt/asyncrt/asyncutil"
	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/ipcrt"
	"github.com/ipcrt/asyncrt/kernelipc"
	"github.com/ipcrt/asyncrt/scheduler"
)

// methodPing is an application-defined method; FirstUserMethod and above
// are reserved for services to assign as they like.
const methodPing = ipcops.FirstUserMethod

func clientConnection(conn *ipcrt.Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
	rt := conn.Runtime()

	// Accept the connection. A real service would inspect
	// firstCall.Arg(1..3) first to decide whether it serves whatever the
	// caller asked to connect to.
	if err := rt.Facade().Answer(firstCID, ipcerr.EOK, ipcops.Record{}); err != nil {
		log.Printf("echoserver: answering connect: %v", err)
		return
	}

	var stash []byte
	for {
		cid, rec, ok := conn.GetCallTimeout(30 * time.Second)
		if !ok {
			log.Printf("echoserver: idle connection %d timed out", conn.PhoneHash)
			continue
		}

		switch rec.Method {
		case ipcops.PhoneHungup:
			return

		case methodPing:
			reply := ipcops.Record{Args: [5]uint64{rec.Arg(1) + 1}}
			if err := rt.Facade().Answer(cid, ipcerr.EOK, reply); err != nil {
				log.Printf("echoserver: answering ping: %v", err)
			}

		case ipcops.DataWrite:
			data, err := asyncutil.DataWriteAccept(rt, cid, rec, 0, 1<<16, 1, false)
			if err != nil {
				log.Printf("echoserver: DataWriteAccept: %v", err)
				continue
			}
			stash = data

		case ipcops.DataRead:
			if err := asyncutil.DataReadFinalize(rt, cid, rec, stash); err != nil {
				log.Printf("echoserver: DataReadFinalize: %v", err)
			}

		default:
			rt.Facade().Answer(cid, ipcerr.ENOTSUP, ipcops.Record{})
		}
	}
}

func main() {
	flag.Parse()

	facade, err := kernelipc.NewUnix()
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}
	defer facade.Close()

	cfg := ipcrt.NewConfig(facade).WithClientConnection(clientConnection)
	rt, err := ipcrt.New(cfg)
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Drive a client fibril against the same Runtime's own manager, over
	// the loopback peer fd, to prove the server end to end without a
	// second process.
	client := kernelipc.NewUnixFromFD(facade.PeerFd(), -1)
	clientRT, err := ipcrt.New(ipcrt.NewConfig(client))
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}
	defer client.Close()

	mgr := clientRT.CreateManager()
	defer clientRT.DestroyManager(mgr)

	done := make(chan struct{})
	clientRT.Spawn(func(f *scheduler.Fibril) {
		defer close(done)
		runPingDemo(clientRT, f, ipcops.Phone(facade.PeerFd()))
	})

	go func() {
		<-done
		cancel()
	}()

	rt.Run(ctx)
}

func runPingDemo(rt *ipcrt.Runtime, fib *scheduler.Fibril, serverPhone ipcops.Phone) {
	phone, err := rt.ConnectMeTo(fib, serverPhone, 0, 0, 0)
	if err != nil {
		log.Printf("pingdemo: connect: %v", err)
		return
	}

	retval, rec, err := rt.Request(fib, phone, methodPing, 41)
	if err != nil || retval != ipcerr.EOK {
		log.Printf("pingdemo: ping: retval=%v err=%v", retval, err)
		return
	}
	log.Printf("pingdemo: ping(41) = %d", rec.Arg(1))

	payload := []byte("hello from pingclient")
	if err := asyncutil.DataWriteStart(rt, fib, phone, payload); err != nil {
		log.Printf("pingdemo: data write: %v", err)
		return
	}

	buf := make([]byte, len(payload))
	n, err := asyncutil.DataReadStart(rt, fib, phone, buf)
	if err != nil {
		log.Printf("pingdemo: data read: %v", err)
		return
	}
	log.Printf("pingdemo: echoed back %q", buf[:n])

	if err := rt.Hangup(fib, phone); err != nil {
		log.Printf("pingdemo: hangup: %v", err)
	}
}
