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
	"bytes"
	"fmt"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func stubExit(t *testing.T) *[]int {
	codes := new([]int)
	stubs := gostub.Stub(&exit, func(code int) {
		*codes = append(*codes, code)
	})
	t.Cleanup(stubs.Reset)
	return codes
}

func newObservedHeap(t *testing.T, opts ...Option) (*Heap, *bytes.Buffer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	out := new(bytes.Buffer)
	opts = append([]Option{
		WithName(t.Name()),
		WithLogger(zap.New(core)),
		WithOutput(out),
	}, opts...)
	return NewHeap(opts...), out, logs
}

func TestDefaultMallocFail(t *testing.T) {
	defer leaktest.AfterTest(t)()
	codes := stubExit(t)
	h, out, logs := newObservedHeap(t, WithMemoryLimit(1000))

	block, err := h.Allocate(900, testOrigin)
	require.NoError(t, err)
	_, err = h.Allocate(200, testOrigin)
	require.Error(t, err)

	require.Equal(t, []int{fatalExitCode}, *codes)
	msg := fmt.Sprintf("Failed to allocate 200 bytes (1000 total available, %d remaining)", 1000-900-BlockOverhead)
	require.Contains(t, out.String(), msg+"\n")
	// the trace reaches the failing call
	require.Contains(t, out.String(), "TestDefaultMallocFail")

	entries := logs.FilterMessage(msg).All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Equal(t, testOrigin.String(), entries[0].ContextMap()["origin"])

	h.Free(block, testOrigin)
	require.Equal(t, uint64(0), h.MemoryUsed())
}

func TestDefaultFreeDangling(t *testing.T) {
	defer leaktest.AfterTest(t)()
	codes := stubExit(t)
	h, out, logs := newObservedHeap(t)

	block, err := h.Allocate(10, testOrigin)
	require.NoError(t, err)
	h.Free(block, testOrigin)
	used := h.MemoryUsed()

	h.Free(block, testOrigin)
	require.Equal(t, []int{fatalExitCode}, *codes)
	msg := fmt.Sprintf("Attempted to free dangling pointer 0x%x", addrOf(block))
	require.Contains(t, out.String(), msg)
	require.Contains(t, out.String(), "TestDefaultFreeDangling")
	require.Equal(t, 1, logs.FilterMessage(msg).Len())
	require.Equal(t, used, h.MemoryUsed())
}

func TestDefaultFreeNull(t *testing.T) {
	codes := stubExit(t)
	h, out, _ := newObservedHeap(t)

	h.Free(nil, testOrigin)
	h.FreeAndClear(nil, testOrigin)
	var slot []byte
	h.FreeAndClear(&slot, testOrigin)

	require.Empty(t, *codes)
	require.Empty(t, out.String())
	require.Equal(t, uint64(0), h.MemoryUsed())
}

func TestChainDefaultPolicy(t *testing.T) {
	codes := stubExit(t)
	h, _, _ := newObservedHeap(t)

	var seen []uint64
	fallback := h.DefaultMallocFail()
	h.SetMallocFailCallback(func(f MallocFailure) {
		seen = append(seen, f.Size)
		if f.Size > 1000 {
			fallback(f)
		}
	})

	h.SetMemoryLimit(BlockOverhead + 10)
	_, err := h.Allocate(100, testOrigin)
	require.Error(t, err)
	require.Empty(t, *codes)
	_, err = h.Allocate(2000, testOrigin)
	require.Error(t, err)
	require.Equal(t, []int{fatalExitCode}, *codes)
	require.Equal(t, []uint64{100, 2000}, seen)
}

func TestDisabledPolicies(t *testing.T) {
	codes := stubExit(t)
	h, out, _ := newObservedHeap(t, WithMemoryLimit(1))
	h.SetMallocFailCallback(nil)
	h.SetFreeDanglingCallback(nil)
	h.SetFreeNullCallback(nil)
	h.SetFreeZNullCallback(nil)

	_, err := h.Allocate(100, testOrigin)
	require.Error(t, err)
	h.Free(make([]byte, 8), testOrigin)
	h.Free(nil, testOrigin)
	h.FreeAndClear(nil, testOrigin)

	require.Empty(t, *codes)
	require.Empty(t, out.String())
}

func TestFailureKind(t *testing.T) {
	require.Equal(t, "malloc", FailureMalloc.String())
	require.Equal(t, "free_null", FailureFreeNull.String())
	require.Equal(t, "free_dangling", FailureFreeDangling.String())
	require.Equal(t, "freez_null", FailureFreeZNull.String())
	require.Equal(t, "FailureKind(9)", FailureKind(9).String())
}
