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
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/zap"

	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

type FailureKind int

const (
	FailureMalloc FailureKind = iota + 1
	FailureFreeNull
	FailureFreeDangling
	FailureFreeZNull
)

func (k FailureKind) String() string {
	switch k {
	case FailureMalloc:
		return "malloc"
	case FailureFreeNull:
		return "free_null"
	case FailureFreeDangling:
		return "free_dangling"
	case FailureFreeZNull:
		return "freez_null"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// MallocFailure describes an allocation refused by the memory limit or by
// the upstream allocator.
type MallocFailure struct {
	Size      uint64
	Limit     uint64
	Remaining uint64
	Origin    Origin
}

// FreeFailure describes a Free of nil or of a block the heap does not
// track.
type FreeFailure struct {
	Kind      FailureKind
	Block     []byte
	Limit     uint64
	Remaining uint64
	Origin    Origin
}

// FreeZFailure describes a FreeAndClear given a nil slot.
type FreeZFailure struct {
	Kind      FailureKind
	Slot      *[]byte
	Limit     uint64
	Remaining uint64
	Origin    Origin
}

// Handlers run with the heap lock held and must not call back into the
// heap. A nil handler ignores the failure.
type (
	MallocFailHandler func(MallocFailure)
	FreeFailHandler   func(FreeFailure)
	FreeZFailHandler  func(FreeZFailure)
)

type policies struct {
	mallocFail   MallocFailHandler
	freeNull     FreeFailHandler
	freeDangling FreeFailHandler
	freeZNull    FreeZFailHandler
}

// exit terminates the process after a fatal failure.
var exit = os.Exit

const (
	fatalExitCode   = 2
	fatalStackDepth = 1024
)

func (h *Heap) defaultPolicies() policies {
	return policies{
		mallocFail:   h.DefaultMallocFail(),
		freeNull:     h.DefaultFreeNull(),
		freeDangling: h.DefaultFreeDangling(),
		freeZNull:    h.DefaultFreeZNull(),
	}
}

// DefaultMallocFail prints the failing allocation with a stack trace and
// exits the process.
func (h *Heap) DefaultMallocFail() MallocFailHandler {
	return func(f MallocFailure) {
		h.fatal(
			fmt.Sprintf("Failed to allocate %d bytes (%d total available, %d remaining)", f.Size, f.Limit, f.Remaining),
			f.Origin,
			zap.Uint64("size", f.Size),
			zap.Uint64("limit", f.Limit),
			zap.Uint64("remaining", f.Remaining),
		)
	}
}

// DefaultFreeDangling prints the offending address with a stack trace and
// exits the process.
func (h *Heap) DefaultFreeDangling() FreeFailHandler {
	return func(f FreeFailure) {
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(f.Block)))
		h.fatal(
			fmt.Sprintf("Attempted to free dangling pointer 0x%x", addr),
			f.Origin,
			zap.Uintptr("addr", addr),
		)
	}
}

// DefaultFreeNull does nothing, freeing nil is legal.
func (h *Heap) DefaultFreeNull() FreeFailHandler {
	return func(FreeFailure) {}
}

func (h *Heap) DefaultFreeZNull() FreeZFailHandler {
	return func(FreeZFailure) {}
}

func (h *Heap) SetMallocFailCallback(fn MallocFailHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies.mallocFail = fn
}

func (h *Heap) SetFreeNullCallback(fn FreeFailHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies.freeNull = fn
}

func (h *Heap) SetFreeDanglingCallback(fn FreeFailHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies.freeDangling = fn
}

func (h *Heap) SetFreeZNullCallback(fn FreeZFailHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies.freeZNull = fn
}

type syncer interface {
	Sync() error
}

func (h *Heap) fatal(msg string, origin Origin, fields ...zap.Field) {
	fmt.Fprintln(h.out, msg)
	pcs := make([]uintptr, fatalStackDepth)
	// fatal and the default handler
	n := h.stacks.Capture(2, pcs)
	writeBacktrace(h.out, h.symbols, pcs[:n])

	h.logger.Error(msg, append(fields, zap.Stringer("origin", origin))...)
	_ = h.logger.Sync()
	if s, ok := h.out.(syncer); ok {
		_ = s.Sync()
	}
	exit(fatalExitCode)
}

func (h *Heap) mallocFailedLocked(size uint64, origin Origin) error {
	limit, remaining := h.MemoryLimit(), h.MemoryRemaining()
	h.countFailure(FailureMalloc)
	if fn := h.policies.mallocFail; fn != nil {
		fn(MallocFailure{
			Size:      size,
			Limit:     limit,
			Remaining: remaining,
			Origin:    origin,
		})
	}
	return moerr.NewAllocationFailedNoCtx(size, limit, remaining)
}

func (h *Heap) freeFailedLocked(kind FailureKind, block []byte, origin Origin) {
	h.countFailure(kind)
	fn := h.policies.freeNull
	var err error = moerr.NewFreeNullNoCtx()
	if kind == FailureFreeDangling {
		fn = h.policies.freeDangling
		err = moerr.NewFreeUntrackedNoCtx(uintptr(unsafe.Pointer(unsafe.SliceData(block))))
	}
	h.logger.Debug("invalid free", zap.Error(err), zap.Stringer("origin", origin))
	if fn != nil {
		fn(FreeFailure{
			Kind:      kind,
			Block:     block,
			Limit:     h.MemoryLimit(),
			Remaining: h.MemoryRemaining(),
			Origin:    origin,
		})
	}
}

func (h *Heap) freeZFailedLocked(origin Origin) {
	h.countFailure(FailureFreeZNull)
	h.logger.Debug("invalid free and clear",
		zap.Error(moerr.NewFreeNullNoCtx()),
		zap.Stringer("origin", origin),
	)
	if fn := h.policies.freeZNull; fn != nil {
		fn(FreeZFailure{
			Kind:      FailureFreeZNull,
			Limit:     h.MemoryLimit(),
			Remaining: h.MemoryRemaining(),
			Origin:    origin,
		})
	}
}
