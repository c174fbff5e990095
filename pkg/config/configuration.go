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

package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/matrixorigin/memtrack/pkg/common/malloc"
	"github.com/matrixorigin/memtrack/pkg/common/moerr"
	"github.com/matrixorigin/memtrack/pkg/logutil"
)

const (
	AllocatorGo    = "go"
	AllocatorClass = "class"
	AllocatorMmap  = "mmap"
)

// Configuration is the content of a memtrack TOML file.
type Configuration struct {
	Log      logutil.LogConfig `toml:"log"`
	Malloc   MallocConfig      `toml:"malloc"`
	Workload WorkloadConfig    `toml:"workload"`
	Status   StatusConfig      `toml:"status"`
}

type MallocConfig struct {
	//default is "default". the heap name, also the label of its metrics.
	Name string `toml:"name"`

	//default is "", unlimited. the budget of the heap, like "256MiB".
	MemoryLimit string `toml:"memory-limit"`

	//default is 16. number of frames kept per block, 0 keeps none.
	BacktraceDepth int `toml:"backtrace-depth"`

	//default is "go". one of go, class and mmap.
	Allocator string `toml:"allocator"`

	//default is "64MiB". released buffers the class allocator keeps for reuse.
	ClassBufferSize string `toml:"class-buffer-size"`

	//default is false. export the heap through prometheus.
	EnableMetrics bool `toml:"enable-metrics"`
}

type WorkloadConfig struct {
	//default is 8. number of goroutines in the worker pool.
	Workers int `toml:"workers"`

	//default is 10000. number of allocations the workload performs.
	Allocations int `toml:"allocations"`

	//default is "64KiB". the largest allocation of the workload.
	MaxSize string `toml:"max-size"`

	//default is 0. the workload leaves every n-th block live, 0 frees all.
	LeakEvery int `toml:"leak-every"`

	//default is "". write a pprof heap profile of the live blocks here.
	ProfilePath string `toml:"profile-path"`
}

type StatusConfig struct {
	//default is "". serve /metrics on this address, like "127.0.0.1:7001".
	ListenAddress string `toml:"listen-address"`
}

// SetDefaultValues fills every unset field.
func (c *Configuration) SetDefaultValues() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Malloc.Name == "" {
		c.Malloc.Name = "default"
	}
	if c.Malloc.BacktraceDepth == 0 {
		c.Malloc.BacktraceDepth = 16
	}
	if c.Malloc.Allocator == "" {
		c.Malloc.Allocator = AllocatorGo
	}
	if c.Malloc.ClassBufferSize == "" {
		c.Malloc.ClassBufferSize = "64MiB"
	}
	if c.Workload.Workers == 0 {
		c.Workload.Workers = 8
	}
	if c.Workload.Allocations == 0 {
		c.Workload.Allocations = 10000
	}
	if c.Workload.MaxSize == "" {
		c.Workload.MaxSize = "64KiB"
	}
}

// Validate checks the values SetDefaultValues cannot fix.
func (c *Configuration) Validate() error {
	if _, err := c.Malloc.GetMemoryLimit(); err != nil {
		return err
	}
	if c.Malloc.BacktraceDepth < 0 {
		return moerr.NewBadConfigNoCtx("backtrace-depth must not be negative, got %d", c.Malloc.BacktraceDepth)
	}
	switch c.Malloc.Allocator {
	case AllocatorGo, AllocatorClass, AllocatorMmap:
	default:
		return moerr.NewBadConfigNoCtx("unknown allocator %q", c.Malloc.Allocator)
	}
	if _, err := parseBytes("class-buffer-size", c.Malloc.ClassBufferSize); err != nil {
		return err
	}
	if c.Workload.Workers <= 0 || c.Workload.Allocations < 0 || c.Workload.LeakEvery < 0 {
		return moerr.NewBadConfigNoCtx("invalid workload %+v", c.Workload)
	}
	if _, err := c.Workload.GetMaxSize(); err != nil {
		return err
	}
	return nil
}

func parseBytes(name, value string) (uint64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, moerr.NewBadConfigNoCtx("%s %q: %v", name, value, err)
	}
	return n, nil
}

// GetMemoryLimit returns the limit in bytes, 0 for unlimited.
func (m *MallocConfig) GetMemoryLimit() (uint64, error) {
	if strings.TrimSpace(m.MemoryLimit) == "" {
		return 0, nil
	}
	return parseBytes("memory-limit", m.MemoryLimit)
}

func (m *MallocConfig) newAllocator() (malloc.Allocator, error) {
	switch m.Allocator {
	case AllocatorGo:
		return malloc.NewGoAllocator(), nil
	case AllocatorClass:
		size, err := parseBytes("class-buffer-size", m.ClassBufferSize)
		if err != nil {
			return nil, err
		}
		return malloc.NewClassAllocator(size), nil
	case AllocatorMmap:
		return malloc.NewMmapAllocator(), nil
	}
	return nil, moerr.NewBadConfigNoCtx("unknown allocator %q", m.Allocator)
}

// HeapOptions turns the section into options for malloc.NewHeap.
func (m *MallocConfig) HeapOptions() ([]malloc.Option, error) {
	limit, err := m.GetMemoryLimit()
	if err != nil {
		return nil, err
	}
	allocator, err := m.newAllocator()
	if err != nil {
		return nil, err
	}
	opts := []malloc.Option{
		malloc.WithName(m.Name),
		malloc.WithMemoryLimit(limit),
		malloc.WithBacktraceDepth(m.BacktraceDepth),
		malloc.WithAllocator(allocator),
	}
	if m.EnableMetrics {
		opts = append(opts, malloc.WithMetrics())
	}
	return opts, nil
}

func (w *WorkloadConfig) GetMaxSize() (uint64, error) {
	return parseBytes("max-size", w.MaxSize)
}

// LoadFromFile decodes, completes and validates a configuration file.
func LoadFromFile(path string) (*Configuration, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, moerr.NewBadConfigNoCtx("config file %s: %v", path, err)
	}
	cfg := &Configuration{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, moerr.NewBadConfigNoCtx("decode %s: %v", path, err)
	}
	cfg.SetDefaultValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
