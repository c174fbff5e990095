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
	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

const (
	B = 1 << (iota * 10)
	KB
	MB
	GB
)

// Allocator is the upstream source of the buffers a Heap tracks.
// Returned buffers are zeroed and exactly size bytes long.
type Allocator interface {
	Allocate(size uint64) ([]byte, Deallocator, error)
}

// Deallocator gives a buffer back to the Allocator it came from. It is
// called once, after which the buffer must not be touched.
type Deallocator interface {
	Deallocate()
}

// maxAllocateSize bounds a single upstream request.
const maxAllocateSize = 1 << 40

type GoAllocator struct{}

var _ Allocator = GoAllocator{}

func NewGoAllocator() GoAllocator {
	return GoAllocator{}
}

type goDeallocator struct{}

func (goDeallocator) Deallocate() {}

func (GoAllocator) Allocate(size uint64) ([]byte, Deallocator, error) {
	if size > maxAllocateSize {
		return nil, nil, moerr.NewOOM(moerr.Context())
	}
	return make([]byte, size), goDeallocator{}, nil
}
