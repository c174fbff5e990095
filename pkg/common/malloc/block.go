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
	"unsafe"
)

// header sits in front of every payload inside the upstream buffer.
type header struct {
	size uint64
}

const headerSize = unsafe.Sizeof(header{})

// maxBlockSize is the largest payload whose buffer stays within
// maxAllocateSize.
const maxBlockSize = maxAllocateSize - uint64(headerSize)

// Block is the bookkeeping record of one live allocation. It is keyed by
// the address of its header.
type Block struct {
	// base is the start of the upstream buffer, where the header lives.
	base        unsafe.Pointer
	deallocator Deallocator
	origin      Origin
	// most recent call first
	backtrace []uintptr
}

// BlockOverhead is charged against the memory limit for every block on
// top of its payload.
const BlockOverhead = uint64(headerSize + unsafe.Sizeof(Block{}))

func (b *Block) header() *header {
	return (*header)(b.base)
}

func (b *Block) Addr() uintptr {
	return uintptr(b.base)
}

func (b *Block) Size() uint64 {
	return b.header().size
}

// Footprint is what the block costs the memory budget.
func (b *Block) Footprint() uint64 {
	return BlockOverhead + b.Size() + uint64(len(b.backtrace))*uint64(unsafe.Sizeof(uintptr(0)))
}

func (b *Block) Origin() Origin {
	return b.origin
}

func (b *Block) payload() unsafe.Pointer {
	return unsafe.Add(b.base, headerSize)
}

func (b *Block) release() {
	b.backtrace = nil
	b.deallocator.Deallocate()
	b.deallocator = nil
	b.base = nil
}

// Info returns a snapshot of the block safe to keep after it is freed.
func (b *Block) Info() BlockInfo {
	return BlockInfo{
		Addr:      b.Addr(),
		Payload:   uintptr(b.payload()),
		Size:      b.Size(),
		Footprint: b.Footprint(),
		Origin:    b.origin,
		Backtrace: append([]uintptr(nil), b.backtrace...),
	}
}

// BlockInfo describes a live block.
type BlockInfo struct {
	Addr      uintptr
	Payload   uintptr
	Size      uint64
	Footprint uint64
	Origin    Origin
	Backtrace []uintptr
}

func blockKey(block []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(block))) - headerSize
}

func blockHeader(block []byte) *header {
	return (*header)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(block)), -int(headerSize)))
}
