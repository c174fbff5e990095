// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

import (
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

//go:generate mockgen -source=stacktrace.go -destination=stacktrace_mock_test.go -package=malloc

// StackCapturer records the return addresses of the calling goroutine.
type StackCapturer interface {
	// Capture fills pcs most-recent-first, starting skip frames above the
	// caller of Capture, and returns how many entries were written.
	Capture(skip int, pcs []uintptr) int
}

// SymbolResolver maps a return address to its source location.
type SymbolResolver interface {
	Resolve(pc uintptr) (Symbol, error)
}

type Symbol struct {
	File     string
	Function string
	Line     int
	Entry    uintptr
}

type runtimeStackCapturer struct{}

func (runtimeStackCapturer) Capture(skip int, pcs []uintptr) int {
	// runtime.Callers and Capture itself
	return runtime.Callers(skip+2, pcs)
}

type runtimeSymbolResolver struct{}

func (runtimeSymbolResolver) Resolve(pc uintptr) (Symbol, error) {
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" && frame.File == "" {
		return Symbol{}, moerr.NewNoSymbolNoCtx(pc)
	}
	return Symbol{
		File:     frame.File,
		Function: frame.Function,
		Line:     frame.Line,
		Entry:    frame.Entry,
	}, nil
}

// DefaultStackCapturer is backed by runtime.Callers.
func DefaultStackCapturer() StackCapturer {
	return runtimeStackCapturer{}
}

// DefaultSymbolResolver is backed by runtime.CallersFrames.
func DefaultSymbolResolver() SymbolResolver {
	return runtimeSymbolResolver{}
}

const unknownSymbol = "<unknown>"

// writeBacktrace prints pcs outermost frame first, one more space of
// indentation per level.
func writeBacktrace(w io.Writer, resolver SymbolResolver, pcs []uintptr) {
	buf := new(strings.Builder)
	for i := len(pcs) - 1; i >= 0; i-- {
		buf.WriteString(strings.Repeat(" ", len(pcs)-1-i))
		sym, err := resolver.Resolve(pcs[i])
		if err != nil {
			buf.WriteString(unknownSymbol)
			buf.WriteString(":")
			buf.WriteString(unknownSymbol)
			buf.WriteString("():0\n")
			continue
		}
		buf.WriteString(sym.File)
		buf.WriteString(":")
		buf.WriteString(sym.Function)
		buf.WriteString("():")
		buf.WriteString(strconv.Itoa(sym.Line))
		buf.WriteString("\n")
	}
	io.WriteString(w, buf.String())
}
