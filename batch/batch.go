// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"math"
	"time"
)

// Default sizing limits.
const (
	DefaultTargetCPU   = 65.0
	DefaultTargetMem   = 75.0
	DefaultMinSize     = 10
	DefaultMaxSize     = 100
	DefaultMinInterval = 100 * time.Millisecond
	DefaultMaxInterval = time.Second
)

// SystemMetrics is a point-in-time snapshot of resource usage, in percent.
type SystemMetrics struct {
	CPUUsage    float64
	MemoryUsage float64
	QueueLoad   float64
}

// Limits bounds the adaptive batch size and interval.
type Limits struct {
	TargetCPU   float64
	TargetMem   float64
	MinSize     int
	MaxSize     int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultLimits returns the default sizing limits.
func DefaultLimits() Limits {
	return Limits{
		TargetCPU:   DefaultTargetCPU,
		TargetMem:   DefaultTargetMem,
		MinSize:     DefaultMinSize,
		MaxSize:     DefaultMaxSize,
		MinInterval: DefaultMinInterval,
		MaxInterval: DefaultMaxInterval,
	}
}

// QueueLoad returns the queue occupancy in percent.
func QueueLoad(size, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(size) / float64(capacity) * 100
}

// Size maps resource usage to a batch size within [l.MinSize, l.MaxSize].
// An idle host (cpu < 30, mem < 30, queue < 25) always gets l.MaxSize.
func Size(m SystemMetrics, l Limits) int {
	cpuFactor := math.Max(0, 1-math.Pow(m.CPUUsage/l.TargetCPU, 2))
	memFactor := math.Max(0, 1-math.Pow(m.MemoryUsage/l.TargetMem, 2))
	queueFactor := math.Min(1, m.QueueLoad/100)

	totalUsage := m.CPUUsage + m.MemoryUsage + m.QueueLoad
	cpuWeight := 0.4
	if m.CPUUsage > 50 {
		cpuWeight = 0.5
	}
	memWeight := 0.4
	if m.MemoryUsage > 50 {
		memWeight = 0.5
	}
	queueWeight := 0.1
	if totalUsage < 150 {
		queueWeight = 0.2
	}

	resourceFactor := cpuFactor*cpuWeight + memFactor*memWeight + queueFactor*queueWeight
	newSize := int(math.Floor(float64(l.MaxSize) * resourceFactor))

	if m.CPUUsage < 30 && m.MemoryUsage < 30 && m.QueueLoad < 25 {
		return l.MaxSize
	}
	return max(l.MinSize, min(newSize, l.MaxSize))
}

// Interval shortens the drain wait as the queue fills, never going below
// l.MinInterval.
func Interval(m SystemMetrics, l Limits) time.Duration {
	d := time.Duration(float64(l.MaxInterval) * (1 - m.QueueLoad/100))
	return max(d, l.MinInterval)
}
