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
	"bufio"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/matrixorigin/memtrack/pkg/common/avl"
)

// ReportLiveBlocks writes every live block in address order, with its
// origin and backtrace, to the heap output and returns the sum of their
// sizes. The heap is locked for the whole walk.
func (h *Heap) ReportLiveBlocks() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := bufio.NewWriter(h.out)
	var total uint64
	h.index.Walk(avl.Ascending, func(_ uintptr, b *Block, _ int) bool {
		size := b.Size()
		total += size
		fmt.Fprintf(w, "Block of size %d (%d) allocated at %s 0x%x\n",
			size, b.Footprint(), b.origin, b.Addr())
		writeBacktrace(w, h.symbols, b.backtrace)
		return true
	})
	if err := w.Flush(); err != nil {
		h.logger.Warn("write live block report", zap.Error(err))
	}

	h.logger.Info("live blocks reported",
		zap.Int("blocks", h.index.Len()),
		zap.String("payload", humanize.IBytes(total)),
		zap.String("used", humanize.IBytes(h.used.Load())),
	)
	return total
}

// WalkLiveBlocks calls fn with every live block in the given address
// order until fn returns false. fn runs with the heap locked.
func (h *Heap) WalkLiveBlocks(dir avl.Direction, fn func(BlockInfo) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index.Walk(dir, func(_ uintptr, b *Block, _ int) bool {
		return fn(b.Info())
	})
}

// LiveBlocks returns the number of live blocks.
func (h *Heap) LiveBlocks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index.Len()
}
