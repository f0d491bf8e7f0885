// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"

	"github.com/absmach/tether/transport"
)

// Monitor checks whether the collection service is reachable.
type Monitor struct {
	transport transport.Transport
	timeout   time.Duration
}

// NewMonitor creates a monitor probing t with the given timeout.
func NewMonitor(t transport.Transport, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Monitor{transport: t, timeout: timeout}
}

// Probe reports whether a single short reachability check succeeded.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.transport.Probe(ctx) == nil
}
