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
	"time"
)

// PeakTracker records the high-water mark of a counter without locking.
type PeakTracker struct {
	ptr atomic.Pointer[peakValue]
}

type peakValue struct {
	Value uint64
	Time  time.Time
}

func NewPeakTracker() *PeakTracker {
	ret := new(PeakTracker)
	ret.ptr.Store(&peakValue{})
	return ret
}

func (p *PeakTracker) Update(n uint64) {
	for {
		// read
		ptr := p.ptr.Load()
		if n <= ptr.Value {
			return
		}
		// update
		if p.ptr.CompareAndSwap(ptr, &peakValue{
			Value: n,
			Time:  time.Now(),
		}) {
			return
		}
	}
}

// Peak returns the highest value seen and when it was first reached.
func (p *PeakTracker) Peak() (uint64, time.Time) {
	ptr := p.ptr.Load()
	return ptr.Value, ptr.Time
}

func (p *PeakTracker) Reset() {
	p.ptr.Store(&peakValue{})
}
