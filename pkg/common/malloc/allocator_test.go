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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/memtrack/pkg/common/moerr"
)

func TestGoAllocator(t *testing.T) {
	buf, deallocator, err := NewGoAllocator().Allocate(100)
	require.NoError(t, err)
	require.Len(t, buf, 100)
	deallocator.Deallocate()

	_, _, err = NewGoAllocator().Allocate(maxAllocateSize + 1)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOOM))
}

func TestClassAllocator(t *testing.T) {
	allocator := NewClassAllocator(64 * MB)

	buf, deallocator, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.Len(t, buf, 100)
	for i := range buf {
		buf[i] = 0xaa
	}
	ptr := unsafe.SliceData(buf)
	deallocator.Deallocate()

	// same class, recycled and cleared
	buf, deallocator, err = allocator.Allocate(120)
	require.NoError(t, err)
	require.True(t, ptr == unsafe.SliceData(buf))
	require.Equal(t, int64(1), allocator.Reused(120))
	require.Equal(t, int64(1), allocator.Recycled(120))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
	deallocator.Deallocate()

	// beyond the largest class
	buf, deallocator, err = allocator.Allocate(maxClassSize + 1)
	require.NoError(t, err)
	require.Len(t, buf, maxClassSize+1)
	deallocator.Deallocate()
	require.Equal(t, int64(0), allocator.Reused(maxClassSize+1))
	require.Equal(t, int64(0), allocator.Recycled(maxClassSize+1))
}

func TestClassAllocatorNoBuffer(t *testing.T) {
	allocator := NewClassAllocator(0)
	buf, deallocator, err := allocator.Allocate(100)
	require.NoError(t, err)
	deallocator.Deallocate()

	next, deallocator, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.False(t, unsafe.SliceData(buf) == unsafe.SliceData(next))
	deallocator.Deallocate()
}
