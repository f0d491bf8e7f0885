// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleWindow is the CPU measurement window used by HostSampler.
const DefaultSampleWindow = 100 * time.Millisecond

// HostUsage is host CPU and memory usage in percent.
type HostUsage struct {
	CPU    float64
	Memory float64
}

// Sampler reports host resource usage.
type Sampler interface {
	Sample(ctx context.Context) (HostUsage, error)
}

// HostSampler reads CPU and memory usage from the operating system.
type HostSampler struct {
	window time.Duration
}

// NewHostSampler returns a sampler measuring CPU over window. A zero window
// compares against the previous call instead of blocking.
func NewHostSampler(window time.Duration) *HostSampler {
	return &HostSampler{window: window}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) (HostUsage, error) {
	pct, err := cpu.PercentWithContext(ctx, s.window, false)
	if err != nil {
		return HostUsage{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostUsage{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	u := HostUsage{Memory: vm.UsedPercent}
	if len(pct) > 0 {
		u.CPU = pct[0]
	}
	return u, nil
}

// Snapshot combines host usage with queue occupancy. A sampler error yields
// zero host usage so the caller still gets a usable snapshot.
func Snapshot(ctx context.Context, s Sampler, queueLen, queueCap int) (SystemMetrics, error) {
	m := SystemMetrics{QueueLoad: QueueLoad(queueLen, queueCap)}
	if s == nil {
		return m, nil
	}
	u, err := s.Sample(ctx)
	if err != nil {
		return m, err
	}
	m.CPUUsage = u.CPU
	m.MemoryUsage = u.Memory
	return m, nil
}
