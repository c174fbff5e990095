// Copyright 2023 Matrix Origin
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

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	memTrackedUsedBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_used_bytes",
			Help:      "Bytes charged against the budget of a tracked heap, overhead included.",
		}, []string{"heap"})

	memTrackedLiveBlocksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_live_blocks",
			Help:      "Number of live blocks of a tracked heap.",
		}, []string{"heap"})

	memTrackedLimitBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_limit_bytes",
			Help:      "Memory limit of a tracked heap, 0 means unlimited.",
		}, []string{"heap"})

	memTrackedAllocCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_alloc_total",
			Help:      "Total number of successful allocations of a tracked heap.",
		}, []string{"heap"})

	memTrackedFreeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_free_total",
			Help:      "Total number of blocks released by a tracked heap.",
		}, []string{"heap"})

	memTrackedFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_failure_total",
			Help:      "Total number of failed allocations and invalid frees of a tracked heap.",
		}, []string{"heap", "kind"})

	memTrackedUpstreamCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "tracked_upstream_total",
			Help:      "Size class buffer events of the upstream allocator of a tracked heap.",
		}, []string{"heap", "event"})
)

func initMemMetrics() {
	registry.MustRegister(memTrackedUsedBytesGauge)
	registry.MustRegister(memTrackedLiveBlocksGauge)
	registry.MustRegister(memTrackedLimitBytesGauge)
	registry.MustRegister(memTrackedAllocCounter)
	registry.MustRegister(memTrackedFreeCounter)
	registry.MustRegister(memTrackedFailureCounter)
	registry.MustRegister(memTrackedUpstreamCounter)
}

// Failure kinds of the tracked_failure_total counter.
const (
	FailureMalloc       = "malloc"
	FailureFreeNull     = "free_null"
	FailureFreeDangling = "free_dangling"
	FailureFreeZNull    = "freez_null"
)

// Upstream events of the tracked_upstream_total counter.
const (
	UpstreamReused   = "reused"
	UpstreamFresh    = "fresh"
	UpstreamRecycled = "recycled"
	UpstreamDropped  = "dropped"
)

// TrackedHeapMetrics holds the collectors of one tracked heap.
type TrackedHeapMetrics struct {
	name string

	UsedBytes  prometheus.Gauge
	LiveBlocks prometheus.Gauge
	LimitBytes prometheus.Gauge
	Alloc      prometheus.Counter
	Free       prometheus.Counter
}

// NewTrackedHeapMetrics binds the tracked heap collectors to a heap name.
func NewTrackedHeapMetrics(name string) *TrackedHeapMetrics {
	return &TrackedHeapMetrics{
		name:       name,
		UsedBytes:  memTrackedUsedBytesGauge.WithLabelValues(name),
		LiveBlocks: memTrackedLiveBlocksGauge.WithLabelValues(name),
		LimitBytes: memTrackedLimitBytesGauge.WithLabelValues(name),
		Alloc:      memTrackedAllocCounter.WithLabelValues(name),
		Free:       memTrackedFreeCounter.WithLabelValues(name),
	}
}

func (m *TrackedHeapMetrics) Failure(kind string) prometheus.Counter {
	return memTrackedFailureCounter.WithLabelValues(m.name, kind)
}

func (m *TrackedHeapMetrics) Upstream(event string) prometheus.Counter {
	return memTrackedUpstreamCounter.WithLabelValues(m.name, event)
}

// Delete drops every series of the heap, used once the heap shuts down.
func (m *TrackedHeapMetrics) Delete() {
	memTrackedUsedBytesGauge.DeleteLabelValues(m.name)
	memTrackedLiveBlocksGauge.DeleteLabelValues(m.name)
	memTrackedLimitBytesGauge.DeleteLabelValues(m.name)
	memTrackedAllocCounter.DeleteLabelValues(m.name)
	memTrackedFreeCounter.DeleteLabelValues(m.name)
	for _, kind := range []string{FailureMalloc, FailureFreeNull, FailureFreeDangling, FailureFreeZNull} {
		memTrackedFailureCounter.DeleteLabelValues(m.name, kind)
	}
	for _, event := range []string{UpstreamReused, UpstreamFresh, UpstreamRecycled, UpstreamDropped} {
		memTrackedUpstreamCounter.DeleteLabelValues(m.name, event)
	}
}
