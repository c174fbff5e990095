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
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/memtrack/pkg/common/moerr"
	v2 "github.com/matrixorigin/memtrack/pkg/util/metric/v2"
)

// ClassAllocator rounds requests up to a size class and keeps a bounded
// number of released buffers per class for reuse.
type ClassAllocator struct {
	classSizes []uint64
	pools      []classAllocatorPool
	// set while a heap exporting metrics draws from this allocator
	metrics atomic.Pointer[v2.TrackedHeapMetrics]
}

type classAllocatorPool struct {
	numAlloc atomic.Int64
	numFree  atomic.Int64
	ch       chan *classAllocatorHandle
}

type classAllocatorHandle struct {
	ptr       unsafe.Pointer
	class     int
	allocator *ClassAllocator
}

var _ Allocator = new(ClassAllocator)
var _ upstreamObserver = new(ClassAllocator)

const (
	minClassSize    = 128
	maxClassSize    = 8 * MB
	classSizeFactor = 1.8
)

// NewClassAllocator returns a ClassAllocator that buffers at most about
// maxBufferSize bytes of released memory.
func NewClassAllocator(
	maxBufferSize uint64,
) *ClassAllocator {

	classSizes := func() (ret []uint64) {
		for size := uint64(minClassSize); size <= maxClassSize; size = uint64(float64(size) * classSizeFactor) {
			ret = append(ret, size)
		}
		return
	}()

	classSumSize := func() (ret uint64) {
		for _, size := range classSizes {
			ret += size
		}
		return
	}()

	bufferedObjectsPerClass := int(maxBufferSize / classSumSize)

	pools := make([]classAllocatorPool, len(classSizes))
	for i := range pools {
		pools[i].ch = make(chan *classAllocatorHandle, bufferedObjectsPerClass)
	}

	return &ClassAllocator{
		classSizes: classSizes,
		pools:      pools,
	}
}

func (c *ClassAllocator) requestSizeToClass(size uint64) int {
	for class, classSize := range c.classSizes {
		if classSize >= size {
			return class
		}
	}
	return -1
}

func (c *ClassAllocator) classAllocate(class int) *classAllocatorHandle {
	select {
	case handle := <-c.pools[class].ch:
		c.pools[class].numAlloc.Add(1)
		c.count(v2.UpstreamReused)
		clear(unsafe.Slice((*byte)(handle.ptr), c.classSizes[handle.class]))
		return handle
	default:
		c.count(v2.UpstreamFresh)
		slice := make([]byte, c.classSizes[class])
		return &classAllocatorHandle{
			ptr:       unsafe.Pointer(unsafe.SliceData(slice)),
			class:     class,
			allocator: c,
		}
	}
}

func (c *ClassAllocator) Allocate(size uint64) ([]byte, Deallocator, error) {
	if size > maxAllocateSize {
		return nil, nil, moerr.NewOOM(moerr.Context())
	}
	class := c.requestSizeToClass(size)
	if class == -1 {
		return make([]byte, size), goDeallocator{}, nil
	}
	handle := c.classAllocate(class)
	return unsafe.Slice((*byte)(handle.ptr), size), handle, nil
}

// Reused reports how many allocations of class size were served from
// released buffers.
func (c *ClassAllocator) Reused(size uint64) int64 {
	class := c.requestSizeToClass(size)
	if class == -1 {
		return 0
	}
	return c.pools[class].numAlloc.Load()
}

// Recycled reports how many released buffers of class size went back to
// the pool instead of the Go heap.
func (c *ClassAllocator) Recycled(size uint64) int64 {
	class := c.requestSizeToClass(size)
	if class == -1 {
		return 0
	}
	return c.pools[class].numFree.Load()
}

func (c *ClassAllocator) observe(m *v2.TrackedHeapMetrics) {
	c.metrics.Store(m)
}

func (c *ClassAllocator) count(event string) {
	if m := c.metrics.Load(); m != nil {
		m.Upstream(event).Inc()
	}
}

func (h *classAllocatorHandle) Deallocate() {
	c := h.allocator
	select {
	case c.pools[h.class].ch <- h:
		c.pools[h.class].numFree.Add(1)
		c.count(v2.UpstreamRecycled)
	default:
		c.count(v2.UpstreamDropped)
	}
}
