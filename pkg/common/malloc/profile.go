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
	"time"

	"github.com/google/pprof/profile"

	"github.com/matrixorigin/memtrack/pkg/common/avl"
)

// WriteProfile writes the live blocks as a gzipped pprof heap profile,
// one sample per block located by its backtrace.
func (h *Heap) WriteProfile(w io.Writer) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{
				Type: "inuse_objects",
				Unit: "count",
			},
			{
				Type: "inuse_space",
				Unit: "bytes",
			},
		},
		DefaultSampleType: "inuse_space",
		PeriodType: &profile.ValueType{
			Type: "space",
			Unit: "bytes",
		},
		Period:    1,
		TimeNanos: time.Now().UnixNano(),
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[uintptr]*profile.Location)
	location := func(pc uintptr) *profile.Location {
		if loc, ok := locations[pc]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: uint64(pc),
		}
		if sym, err := h.symbols.Resolve(pc); err == nil {
			fn, ok := functions[sym.Function]
			if !ok {
				fn = &profile.Function{
					ID:         uint64(len(p.Function) + 1),
					Name:       sym.Function,
					SystemName: sym.Function,
					Filename:   sym.File,
				}
				functions[sym.Function] = fn
				p.Function = append(p.Function, fn)
			}
			loc.Line = []profile.Line{{
				Function: fn,
				Line:     int64(sym.Line),
			}}
		}
		locations[pc] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	h.WalkLiveBlocks(avl.Ascending, func(info BlockInfo) bool {
		sample := &profile.Sample{
			Value: []int64{1, int64(info.Size)},
			Label: map[string][]string{
				"origin": {info.Origin.String()},
			},
		}
		for _, pc := range info.Backtrace {
			sample.Location = append(sample.Location, location(pc))
		}
		p.Sample = append(p.Sample, sample)
		return true
	})

	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
