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

package main

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/memtrack/pkg/common/malloc"
	"github.com/matrixorigin/memtrack/pkg/config"
)

type refusals struct {
	count atomic.Int64
	bytes atomic.Int64
}

func (r *refusals) add(size uint64) {
	r.count.Add(1)
	r.bytes.Add(int64(size))
}

func (r *refusals) load() (int64, int64) {
	return r.count.Load(), r.bytes.Load()
}

type workloadStats struct {
	allocations   int
	reallocations int
	leaked        int
}

// runWorkload drives the heap from a pool of workers. Every task
// allocates a block, fills it, grows or shrinks every other one and frees
// it unless it is chosen to leak.
func runWorkload(ctx context.Context, heap *malloc.Heap, cfg *config.WorkloadConfig) (workloadStats, error) {
	maxSize, err := cfg.GetMaxSize()
	if err != nil {
		return workloadStats{}, err
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return workloadStats{}, err
	}
	defer pool.Release()

	var (
		wg            sync.WaitGroup
		allocations   atomic.Int64
		reallocations atomic.Int64
		leaked        atomic.Int64
	)
	for i := 0; i < cfg.Allocations; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			origin := malloc.Here(0)
			size := uint64(rand.Int63n(int64(maxSize) + 1))
			block, err := heap.Allocate(size, origin)
			if err != nil {
				return
			}
			allocations.Add(1)
			for j := range block {
				block[j] = byte(i)
			}
			if i%2 == 1 {
				moved, err := heap.Reallocate(block, size/2+uint64(rand.Intn(int(size)+1)), origin)
				if err == nil {
					block = moved
					reallocations.Add(1)
				}
			}
			if cfg.LeakEvery > 0 && i%cfg.LeakEvery == 0 {
				leaked.Add(1)
				return
			}
			heap.FreeAndClear(&block, origin)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			wg.Wait()
			return workloadStats{}, err
		}
	}
	wg.Wait()

	return workloadStats{
		allocations:   int(allocations.Load()),
		reallocations: int(reallocations.Load()),
		leaked:        int(leaked.Load()),
	}, nil
}
