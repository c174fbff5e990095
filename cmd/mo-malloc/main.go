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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/matrixorigin/memtrack/pkg/common/malloc"
	"github.com/matrixorigin/memtrack/pkg/config"
	"github.com/matrixorigin/memtrack/pkg/logutil"
)

var (
	configFile = flag.String("cfg", "./etc/memtrack.toml", "toml configuration of the tracked heap and its workload")
	strict     = flag.Bool("strict", false, "exit on the first refused allocation instead of counting it")
	wait       = flag.Bool("wait", false, "keep serving metrics after the workload until SIGINT or SIGTERM")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s, error: %s", *configFile, err.Error()))
	}
	setupLogger(cfg)

	if err := run(cfg); err != nil {
		logutil.Error("mo-malloc failed", zap.Error(err))
		_ = logutil.Sync()
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Configuration) {
	logutil.SetupMOLogger(&cfg.Log)
}

func run(cfg *config.Configuration) error {
	opts, err := cfg.Malloc.HeapOptions()
	if err != nil {
		return err
	}
	heap := malloc.NewHeap(append(opts, malloc.WithLogger(logutil.GetGlobalLogger()))...)
	defer heap.Shutdown()

	var refused refusals
	fallback := heap.DefaultMallocFail()
	heap.SetMallocFailCallback(func(f malloc.MallocFailure) {
		refused.add(f.Size)
		if *strict {
			fallback(f)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopStatus, err := startStatusServer(cfg.Status.ListenAddress)
	if err != nil {
		return err
	}
	defer stopStatus()

	stats, err := runWorkload(ctx, heap, &cfg.Workload)
	if err != nil {
		return err
	}
	count, bytes := refused.load()
	logutil.Info("workload finished",
		zap.Int("allocations", stats.allocations),
		zap.Int("reallocations", stats.reallocations),
		zap.Int("leaked", stats.leaked),
		zap.Int64("refused", count),
		zap.String("refused bytes", humanize.IBytes(uint64(bytes))),
		zap.String("peak", humanize.IBytes(heap.PeakUsed())),
	)

	leaked := heap.ReportLiveBlocks()
	if leaked > 0 {
		logutil.Warnf("%d live blocks hold %s after the workload", heap.LiveBlocks(), humanize.IBytes(leaked))
	}

	if path := cfg.Workload.ProfilePath; path != "" {
		if err := writeProfile(heap, path); err != nil {
			return err
		}
		logutil.Info("live block profile written", zap.String("path", path))
	}

	if *wait && cfg.Status.ListenAddress != "" {
		logutil.Info("waiting for signal", zap.String("metrics", cfg.Status.ListenAddress))
		<-ctx.Done()
	}
	heap.FreeAll()
	return nil
}

func writeProfile(heap *malloc.Heap, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := heap.WriteProfile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
