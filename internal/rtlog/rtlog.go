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

// Package rtlog provides the runtime's debug/trace logging: silent by
// default, switched on with a flag for diagnosing a stuck dispatcher or a
// misbehaving connection.
package rtlog

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"runtime"
	"sync"
)

var fEnableDebug = flag.Bool(
	"asyncrt.debug",
	false,
	"Write async runtime trace messages to stderr.")

var gLogger *log.Logger
var gLoggerOnce sync.Once

func initLogger() {
	var writer io.Writer = ioutil.Discard
	if flag.Parsed() && *fEnableDebug {
		writer = os.Stderr
	}

	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	gLogger = log.New(writer, "asyncrt: ", flags)
}

// Default returns the process-wide trace logger, initializing it on first
// use. It writes to stderr only when -asyncrt.debug is set.
func Default() *log.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}

// traceCallTo logs, against l, one trace line for the call identified by
// cid: calldepth is the depth to use when recovering file:line information
// with runtime.Caller. Does nothing if l is nil or -asyncrt.debug was never set,
// since l then discards everything it's given anyway, but skips the
// runtime.Caller/Sprintf work in that case instead of just formatting into
// the void.
func traceCallTo(l *log.Logger, cid uint64, calldepth int, format string, v ...interface{}) {
	if l == nil || !*fEnableDebug {
		return
	}

	var file string
	var line int
	var ok bool

	_, file, line, ok = runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fileLine := fmt.Sprintf("%v:%v", path.Base(file), line)
	msg := fmt.Sprintf("call 0x%016x %24s] %v", cid, fileLine, fmt.Sprintf(format, v...))
	l.Println(msg)
}

// TraceCall logs a trace line for cid against the process-wide Default
// logger.
func TraceCall(cid uint64, calldepth int, format string, v ...interface{}) {
	traceCallTo(Default(), cid, calldepth+1, format, v...)
}
