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

// Command pingclient demonstrates authoring a client on top of asyncrt: it
// drives ConnectMeToBlocking, a Request that answers promptly, a Send/
// WaitTimeout pair against a deliberately slow method to show the timeout
// path, and a call to an unrecognized method to show error propagation.
//
// As with cmd/echoserver, the only Facade implementation this module ships
// is a local socketpair, so the "server" it talks to is a second Runtime in
// the same process driving the socketpair's other end.
package main

import (
	"context"
	"log"
	"time"

	"github.com/ipcrt/asyncrt/ipcerr"
	"github.com/ipcrt/asyncrt/ipcops"
	"github.com/ipcrt/asyncrt/ipcrt"
	"github.com/ipcrt/asyncrt/kernelipc"
	"github.com/ipcrt/asyncrt/scheduler"
)

const (
	methodPing = ipcops.FirstUserMethod + iota
	methodSlow
)

// slowDelay is how long the server sits on a methodSlow call before
// answering it, deliberately longer than the timeout the client below
// bounds its wait by.
const slowDelay = 500 * time.Millisecond

func serverConnection(conn *ipcrt.Connection, firstCID ipcops.CallID, firstCall ipcops.Record) {
	rt := conn.Runtime()
	if err := rt.Facade().Answer(firstCID, ipcerr.EOK, ipcops.Record{}); err != nil {
		log.Printf("pingclient: server: answering connect: %v", err)
		return
	}

	for {
		cid, rec, ok := conn.GetCallTimeout(10 * time.Second)
		if !ok {
			continue
		}

		switch rec.Method {
		case ipcops.PhoneHungup:
			return

		case methodPing:
			rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{Args: [5]uint64{rec.Arg(1) * 2}})

		case methodSlow:
			rt.Usleep(conn.Fibril(), slowDelay)
			rt.Facade().Answer(cid, ipcerr.EOK, ipcops.Record{})

		default:
			rt.Facade().Answer(cid, ipcerr.ENOTSUP, ipcops.Record{})
		}
	}
}

func main() {
	facade, err := kernelipc.NewUnix()
	if err != nil {
		log.Fatalf("pingclient: %v", err)
	}
	defer facade.Close()

	serverCfg := ipcrt.NewConfig(facade).WithClientConnection(serverConnection)
	serverRT, err := ipcrt.New(serverCfg)
	if err != nil {
		log.Fatalf("pingclient: %v", err)
	}

	client := kernelipc.NewUnixFromFD(facade.PeerFd(), -1)
	defer client.Close()
	clientRT, err := ipcrt.New(ipcrt.NewConfig(client))
	if err != nil {
		log.Fatalf("pingclient: %v", err)
	}

	mgr := clientRT.CreateManager()
	defer clientRT.DestroyManager(mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	clientRT.Spawn(func(f *scheduler.Fibril) {
		defer close(done)
		runClient(clientRT, f, ipcops.Phone(facade.PeerFd()))
	})

	go func() {
		<-done
		cancel()
	}()

	serverRT.Run(ctx)
}

func runClient(rt *ipcrt.Runtime, fib *scheduler.Fibril, serverPhone ipcops.Phone) {
	phone, err := rt.ConnectMeToBlocking(fib, serverPhone, 0, 0, 0)
	if err != nil {
		log.Printf("pingclient: connect: %v", err)
		return
	}

	retval, rec, err := rt.Request(fib, phone, methodPing, 21)
	if err != nil || retval != ipcerr.EOK {
		log.Printf("pingclient: ping: retval=%v err=%v", retval, err)
		return
	}
	log.Printf("pingclient: ping(21) = %d", rec.Arg(1))

	a, err := rt.Send(fib, phone, methodSlow)
	if err != nil {
		log.Printf("pingclient: send slow: %v", err)
		return
	}
	if _, _, ok := rt.WaitTimeout(fib, a, slowDelay/5); ok {
		log.Printf("pingclient: slow call answered sooner than expected")
	} else {
		log.Printf("pingclient: slow call timed out as expected")
	}

	retval, _, err = rt.Request(fib, phone, 0xdead)
	if err != nil {
		log.Printf("pingclient: unsupported method: %v", err)
		return
	}
	log.Printf("pingclient: unsupported method returned %v", retval)

	if err := rt.Hangup(fib, phone); err != nil {
		log.Printf("pingclient: hangup: %v", err)
	}
}
