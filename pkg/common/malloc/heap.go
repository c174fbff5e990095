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
	"math"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/matrixorigin/memtrack/pkg/common/avl"
	"github.com/matrixorigin/memtrack/pkg/logutil"
	v2 "github.com/matrixorigin/memtrack/pkg/util/metric/v2"
)

// Heap tracks every block it hands out in an address ordered index,
// enforces a byte budget over them and reports invalid frees through its
// failure policies.
type Heap struct {
	name     string
	logger   *zap.Logger
	out      io.Writer
	upstream Allocator
	stacks   StackCapturer
	symbols  SymbolResolver
	peak     *PeakTracker

	enableMetrics bool
	metrics       *v2.TrackedHeapMetrics

	// guards index and policies, and serializes changes of used
	mu       sync.Mutex
	index    *avl.Tree[uintptr, Block]
	policies policies

	used  atomic.Uint64
	limit atomic.Uint64
	depth atomic.Int64
}

// upstreamObserver is implemented by upstream allocators that export
// their own events through the metrics of the heap drawing from them.
type upstreamObserver interface {
	observe(m *v2.TrackedHeapMetrics)
}

type Option func(*Heap)

func WithName(name string) Option {
	return func(h *Heap) {
		h.name = name
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Heap) {
		h.logger = logger
	}
}

// WithOutput sets where reports and fatal diagnostics are written,
// os.Stderr by default.
func WithOutput(w io.Writer) Option {
	return func(h *Heap) {
		h.out = w
	}
}

func WithAllocator(upstream Allocator) Option {
	return func(h *Heap) {
		h.upstream = upstream
	}
}

func WithStackCapturer(stacks StackCapturer) Option {
	return func(h *Heap) {
		h.stacks = stacks
	}
}

func WithSymbolResolver(symbols SymbolResolver) Option {
	return func(h *Heap) {
		h.symbols = symbols
	}
}

func WithMemoryLimit(limit uint64) Option {
	return func(h *Heap) {
		h.limit.Store(limit)
	}
}

func WithBacktraceDepth(depth int) Option {
	return func(h *Heap) {
		h.depth.Store(int64(depth))
	}
}

// WithMetrics exports the heap through the mo_mem_tracked_* collectors,
// labelled by the heap name.
func WithMetrics() Option {
	return func(h *Heap) {
		h.enableMetrics = true
	}
}

func newIndex() *avl.Tree[uintptr, Block] {
	return avl.NewOrdered[uintptr, Block]()
}

// NewHeap returns an empty heap. Without options it is unlimited, keeps
// no backtraces and allocates from the Go heap.
func NewHeap(opts ...Option) *Heap {
	h := &Heap{
		name:     "default",
		out:      os.Stderr,
		upstream: NewGoAllocator(),
		stacks:   DefaultStackCapturer(),
		symbols:  DefaultSymbolResolver(),
		peak:     NewPeakTracker(),
		index:    newIndex(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logutil.GetGlobalLogger()
	}
	h.logger = h.logger.Named("malloc").With(zap.String("heap", h.name))
	if h.enableMetrics {
		h.metrics = v2.NewTrackedHeapMetrics(h.name)
		h.metrics.LimitBytes.Set(float64(h.limit.Load()))
		if o, ok := h.upstream.(upstreamObserver); ok {
			o.observe(h.metrics)
		}
	}
	h.policies = h.defaultPolicies()

	h.logger.Info("tracked heap created",
		zap.Uint64("limit", h.limit.Load()),
		zap.Int64("backtrace depth", h.depth.Load()),
		zap.Uint64("block overhead", BlockOverhead),
	)
	return h
}

func (h *Heap) Name() string {
	return h.name
}

// exceeds reports whether a block of size would take used past the
// limit, or could not be served by any upstream even when unlimited.
func (h *Heap) exceeds(size uint64) bool {
	if size > maxBlockSize {
		return true
	}
	limit := h.limit.Load()
	if limit == 0 {
		return false
	}
	need := h.used.Load() + BlockOverhead
	return size > limit || need > limit-size
}

// Allocate returns a zeroed block of size bytes. On failure the malloc
// failure policy runs and an ErrAllocationFailed error is returned.
func (h *Heap) Allocate(size uint64, origin Origin) ([]byte, error) {
	if h.exceeds(size) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return nil, h.mallocFailedLocked(size, origin)
	}

	// zero sized blocks still get a payload address of their own
	length := uint64(headerSize) + max(size, 1)
	buf, deallocator, err := h.upstream.Allocate(length)
	if err != nil {
		h.logger.Warn("upstream allocation failed",
			zap.Uint64("size", size),
			zap.Error(err),
		)
		h.mu.Lock()
		defer h.mu.Unlock()
		return nil, h.mallocFailedLocked(size, origin)
	}
	buf = buf[:length]

	block := Block{
		base:        unsafe.Pointer(unsafe.SliceData(buf)),
		deallocator: deallocator,
		origin:      origin,
	}
	block.header().size = size
	if depth := h.depth.Load(); depth > 0 {
		pcs := make([]uintptr, depth)
		// skip Allocate
		n := h.stacks.Capture(1, pcs)
		block.backtrace = pcs[:n:n]
	}
	footprint := block.Footprint()

	h.mu.Lock()
	// the limit may have been lowered or used raised since the check above
	if h.exceeds(size) {
		deallocator.Deallocate()
		err := h.mallocFailedLocked(size, origin)
		h.mu.Unlock()
		return nil, err
	}
	h.index.Insert(block.Addr(), block)
	used := h.used.Add(footprint)
	if h.metrics != nil {
		h.metrics.Alloc.Inc()
		h.metrics.UsedBytes.Set(float64(used))
		h.metrics.LiveBlocks.Set(float64(h.index.Len()))
	}
	h.mu.Unlock()

	h.peak.Update(used)
	return buf[headerSize : uint64(headerSize)+size : length], nil
}

// Reallocate moves block into a new allocation of newSize bytes, copying
// as much of the old content as fits, and frees block. A nil block makes
// it an Allocate. block must be live: its size is read without checking
// the index. When the new allocation fails block is left untouched.
func (h *Heap) Reallocate(block []byte, newSize uint64, origin Origin) ([]byte, error) {
	if unsafe.SliceData(block) == nil {
		return h.Allocate(newSize, origin)
	}
	oldSize := h.QuerySize(block)
	ret, err := h.Allocate(newSize, origin)
	if err != nil {
		return nil, err
	}
	copy(ret, unsafe.Slice(unsafe.SliceData(block), oldSize))
	h.Free(block, origin)
	return ret, nil
}

// Free releases a block returned by Allocate or Reallocate. Freeing nil
// runs the free null policy, freeing anything else the heap does not
// track runs the free dangling policy. Neither changes the heap.
func (h *Heap) Free(block []byte, origin Origin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freeLocked(block, origin)
}

func (h *Heap) freeLocked(block []byte, origin Origin) {
	if unsafe.SliceData(block) == nil {
		h.freeFailedLocked(FailureFreeNull, block, origin)
		return
	}
	b, ok := h.index.Delete(blockKey(block))
	if !ok {
		h.freeFailedLocked(FailureFreeDangling, block, origin)
		return
	}
	used := h.used.Add(^(b.Footprint() - 1))
	b.release()
	if h.metrics != nil {
		h.metrics.Free.Inc()
		h.metrics.UsedBytes.Set(float64(used))
		h.metrics.LiveBlocks.Set(float64(h.index.Len()))
	}
}

// FreeAndClear frees *slot and sets it to nil. A nil slot runs the
// freez null policy.
func (h *Heap) FreeAndClear(slot *[]byte, origin Origin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot == nil {
		h.freeZFailedLocked(origin)
		return
	}
	h.freeLocked(*slot, origin)
	*slot = nil
}

// QuerySize returns the size block was allocated with, 0 for nil. The
// size is read from the block header, so block must be live.
func (h *Heap) QuerySize(block []byte) uint64 {
	if unsafe.SliceData(block) == nil {
		return 0
	}
	return blockHeader(block).size
}

// IsTracked reports whether block is live in this heap.
func (h *Heap) IsTracked(block []byte) bool {
	if unsafe.SliceData(block) == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.index.Query(blockKey(block))
	return ok
}

// FreeAll releases every live block and empties the index. Limits,
// backtrace depth and policies are kept.
func (h *Heap) FreeAll() {
	h.mu.Lock()
	n := h.freeAllLocked()
	h.mu.Unlock()

	h.logger.Info("freed all blocks", zap.Int("blocks", n))
}

func (h *Heap) freeAllLocked() int {
	n := h.index.Len()
	h.index.Destroy(func(_ uintptr, b Block) {
		b.release()
	})
	h.index = newIndex()
	h.used.Store(0)
	if h.metrics != nil {
		h.metrics.Free.Add(float64(n))
		h.metrics.UsedBytes.Set(0)
		h.metrics.LiveBlocks.Set(0)
	}
	return n
}

// Shutdown releases every live block without reporting them and resets
// the heap to an empty, unlimited one with default policies.
func (h *Heap) Shutdown() {
	h.mu.Lock()
	used := h.used.Load()
	n := h.freeAllLocked()
	h.limit.Store(0)
	h.depth.Store(0)
	h.policies = h.defaultPolicies()
	h.peak.Reset()
	if h.metrics != nil {
		if o, ok := h.upstream.(upstreamObserver); ok {
			o.observe(nil)
		}
		h.metrics.Delete()
		h.metrics = nil
	}
	h.mu.Unlock()

	if n > 0 {
		h.logger.Warn("tracked heap shut down with live blocks",
			zap.Int("blocks", n),
			zap.Uint64("used", used),
		)
		return
	}
	h.logger.Info("tracked heap shut down")
}

// SetMemoryLimit sets the budget for later allocations, 0 means
// unlimited. Blocks already allocated are kept even when they exceed it.
func (h *Heap) SetMemoryLimit(limit uint64) {
	h.mu.Lock()
	h.limit.Store(limit)
	if h.metrics != nil {
		h.metrics.LimitBytes.Set(float64(limit))
	}
	h.mu.Unlock()
	h.logger.Info("memory limit changed", zap.Uint64("limit", limit))
}

// MemoryLimit returns the budget, math.MaxUint64 when unlimited.
func (h *Heap) MemoryLimit() uint64 {
	if limit := h.limit.Load(); limit != 0 {
		return limit
	}
	return math.MaxUint64
}

func (h *Heap) MemoryUsed() uint64 {
	return h.used.Load()
}

// MemoryRemaining returns what is left of the budget, 0 once used has
// passed a lowered limit.
func (h *Heap) MemoryRemaining() uint64 {
	limit, used := h.MemoryLimit(), h.used.Load()
	if used >= limit {
		return 0
	}
	return limit - used
}

// PeakUsed returns the highest MemoryUsed seen since the heap was
// created or last shut down.
func (h *Heap) PeakUsed() uint64 {
	peak, _ := h.peak.Peak()
	return peak
}

// SetBacktraceDepth bounds the backtraces of later allocations, 0
// disables them.
func (h *Heap) SetBacktraceDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	h.depth.Store(int64(depth))
}

func (h *Heap) BacktraceDepth() int {
	return int(h.depth.Load())
}

func (h *Heap) countFailure(kind FailureKind) {
	if h.metrics != nil {
		h.metrics.Failure(kind.String()).Inc()
	}
}
