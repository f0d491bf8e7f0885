// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/tether/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the client metrics.
const MeterName = "github.com/absmach/tether"

var _ client.Recorder = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the client. It
// implements client.Recorder.
type Metrics struct {
	meter metric.Meter

	// Counters
	enqueued    metric.Int64Counter
	dropped     metric.Int64Counter
	sent        metric.Int64Counter
	stored      metric.Int64Counter
	replayed    metric.Int64Counter
	batches     metric.Int64Counter
	transitions metric.Int64Counter

	// Histograms
	batchSize        metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments
// initialized. A nil meter uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.enqueued, err = meter.Int64Counter(
		"tether.messages.enqueued",
		metric.WithDescription("Messages accepted into the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueued counter: %w", err)
	}

	m.dropped, err = meter.Int64Counter(
		"tether.messages.dropped",
		metric.WithDescription("Messages discarded, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.sent, err = meter.Int64Counter(
		"tether.messages.sent",
		metric.WithDescription("Messages delivered to the service"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sent counter: %w", err)
	}

	m.stored, err = meter.Int64Counter(
		"tether.messages.stored",
		metric.WithDescription("Messages written to offline storage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stored counter: %w", err)
	}

	m.replayed, err = meter.Int64Counter(
		"tether.messages.replayed",
		metric.WithDescription("Offline messages delivered after reconnecting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayed counter: %w", err)
	}

	m.batches, err = meter.Int64Counter(
		"tether.batches.sent",
		metric.WithDescription("Batches delivered to the service"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batches counter: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"tether.connection.transitions",
		metric.WithDescription("Connectivity changes, by new state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.batchSize, err = meter.Int64Histogram(
		"tether.batch.size",
		metric.WithDescription("Messages per delivered batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		"tether.dispatch.duration",
		metric.WithDescription("Batch delivery duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// Enqueued implements client.Recorder.
func (m *Metrics) Enqueued(ctx context.Context) {
	m.enqueued.Add(ctx, 1)
}

// Dropped implements client.Recorder.
func (m *Metrics) Dropped(ctx context.Context, n int, reason string) {
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// Sent implements client.Recorder.
func (m *Metrics) Sent(ctx context.Context, n int) {
	m.sent.Add(ctx, int64(n))
}

// Stored implements client.Recorder.
func (m *Metrics) Stored(ctx context.Context, n int) {
	m.stored.Add(ctx, int64(n))
}

// Replayed implements client.Recorder.
func (m *Metrics) Replayed(ctx context.Context, n int) {
	m.replayed.Add(ctx, int64(n))
}

// BatchSent implements client.Recorder.
func (m *Metrics) BatchSent(ctx context.Context, size int, d time.Duration) {
	m.batches.Add(ctx, 1)
	m.batchSize.Record(ctx, int64(size))
	m.dispatchDuration.Record(ctx, d.Seconds())
}

// ConnectionChanged implements client.Recorder.
func (m *Metrics) ConnectionChanged(ctx context.Context, connected bool) {
	state := client.StateOffline
	if connected {
		state = client.StateOnline
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state.String()),
	))
}

// ObserveStatus registers gauges for queue occupancy, offline backlog and
// connectivity, read from status at every collection.
func (m *Metrics) ObserveStatus(status func(context.Context) client.Status) (metric.Registration, error) {
	queueLen, err := m.meter.Int64ObservableGauge(
		"tether.queue.length",
		metric.WithDescription("Messages waiting in the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueLen gauge: %w", err)
	}

	offline, err := m.meter.Int64ObservableGauge(
		"tether.offline.count",
		metric.WithDescription("Active rows in offline storage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline gauge: %w", err)
	}

	connected, err := m.meter.Int64ObservableGauge(
		"tether.connection.online",
		metric.WithDescription("1 while the service is reachable"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connected gauge: %w", err)
	}

	return m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := status(ctx)
		o.ObserveInt64(queueLen, int64(s.QueueLen))
		o.ObserveInt64(offline, int64(s.OfflineCount))
		var up int64
		if s.Connected {
			up = 1
		}
		o.ObserveInt64(connected, up)
		return nil
	}, queueLen, offline, connected)
}
