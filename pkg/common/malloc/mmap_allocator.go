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

//go:build linux || darwin

package malloc

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

// MmapAllocator maps every buffer as its own anonymous private mapping,
// so a released buffer goes straight back to the OS and any later access
// through a stale slice faults.
type MmapAllocator struct {
	pageSize uint64
	mapped   atomic.Int64
}

var _ Allocator = new(MmapAllocator)

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		pageSize: uint64(unix.Getpagesize()),
	}
}

type mmapDeallocator struct {
	allocator *MmapAllocator
	slice     []byte
}

func (m *MmapAllocator) Allocate(size uint64) ([]byte, Deallocator, error) {
	if size > maxAllocateSize {
		return nil, nil, moerr.NewOOM(moerr.Context())
	}
	length := (max(size, 1) + m.pageSize - 1) / m.pageSize * m.pageSize
	slice, err := unix.Mmap(
		-1, 0,
		int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, nil, moerr.NewInternalErrorNoCtx("mmap %d bytes: %v", length, err)
	}
	m.mapped.Add(int64(length))
	return slice[:size], &mmapDeallocator{
		allocator: m,
		slice:     slice,
	}, nil
}

// Mapped returns the number of bytes currently mapped.
func (m *MmapAllocator) Mapped() int64 {
	return m.mapped.Load()
}

func (d *mmapDeallocator) Deallocate() {
	if err := unix.Munmap(d.slice); err != nil {
		panic(err)
	}
	d.allocator.mapped.Add(-int64(len(d.slice)))
	d.slice = nil
}
