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

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	v2 "github.com/matrixorigin/memtrack/pkg/util/metric/v2"
)

func TestHeapMetrics(t *testing.T) {
	h, _, _ := newTestHeap(t, WithMetrics(), WithMemoryLimit(4096))
	m := h.metrics
	require.NotNil(t, m)
	require.Equal(t, float64(4096), testutil.ToFloat64(m.LimitBytes))

	a, err := h.Allocate(100, testOrigin)
	require.NoError(t, err)
	_, err = h.Allocate(200, testOrigin)
	require.NoError(t, err)
	require.Equal(t, float64(2), testutil.ToFloat64(m.Alloc))
	require.Equal(t, float64(2), testutil.ToFloat64(m.LiveBlocks))
	require.Equal(t, float64(h.MemoryUsed()), testutil.ToFloat64(m.UsedBytes))

	h.Free(a, testOrigin)
	h.Free(a, testOrigin)
	_, err = h.Allocate(8192, testOrigin)
	require.Error(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Free))
	require.Equal(t, float64(1), testutil.ToFloat64(m.LiveBlocks))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Failure(v2.FailureFreeDangling)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Failure(v2.FailureMalloc)))

	h.SetMemoryLimit(0)
	require.Equal(t, float64(0), testutil.ToFloat64(m.LimitBytes))

	h.FreeAll()
	require.Equal(t, float64(2), testutil.ToFloat64(m.Free))
	require.Equal(t, float64(0), testutil.ToFloat64(m.UsedBytes))

	h.Shutdown()
	require.Nil(t, h.metrics)
}

func TestClassAllocatorMetrics(t *testing.T) {
	upstream := NewClassAllocator(64 * MB)
	h, _, _ := newTestHeap(t, WithMetrics(), WithAllocator(upstream))
	m := h.metrics
	require.NotNil(t, m)

	a, err := h.Allocate(100, testOrigin)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Upstream(v2.UpstreamFresh)))
	h.Free(a, testOrigin)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Upstream(v2.UpstreamRecycled)))

	// same size class, served from the released buffer
	b, err := h.Allocate(90, testOrigin)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Upstream(v2.UpstreamReused)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Upstream(v2.UpstreamFresh)))
	require.Equal(t, int64(1), upstream.Reused(90+uint64(headerSize)))
	h.Free(b, testOrigin)

	// a heap that has shut down no longer receives upstream events
	h.Shutdown()
	require.Nil(t, upstream.metrics.Load())
	_, d, err := upstream.Allocate(100)
	require.NoError(t, err)
	d.Deallocate()
}
