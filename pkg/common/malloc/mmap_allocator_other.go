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

//go:build !linux && !darwin

package malloc

import (
	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

type MmapAllocator struct{}

var _ Allocator = new(MmapAllocator)

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{}
}

func (m *MmapAllocator) Allocate(size uint64) ([]byte, Deallocator, error) {
	return nil, nil, moerr.NewNotSupported(moerr.Context(), "mmap allocator")
}

func (m *MmapAllocator) Mapped() int64 {
	return 0
}
