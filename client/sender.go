// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// run is the background worker. Each iteration runs one dispatch cycle and
// pads it to MinTick.
func (c *Client) run() {
	defer close(c.doneCh)

	for !c.stopping.Load() {
		start := c.now()
		c.cycle(c.ctx)

		if wait := c.opts.MinTick - c.now().Sub(start); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-c.stopCh:
				timer.Stop()
			}
		}
	}

	c.flush(c.ctx)
}

// cycle runs one dispatch cycle and reports whether it ran, including a
// cycle cut short by a recovered panic. A cycle that finds another one in
// progress returns immediately.
func (c *Client) cycle(ctx context.Context) (ran bool) {
	if !c.cycleMu.TryLock() {
		return false
	}
	defer c.cycleMu.Unlock()
	ran = true

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dispatch cycle panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	c.checkConnection(ctx)

	metrics, err := batch.Snapshot(ctx, c.sampler, c.queue.Len(), c.queue.Cap())
	if err != nil {
		c.logger.Debug("host metrics unavailable", slog.String("error", err.Error()))
	}
	size := batch.Size(metrics, c.limits)
	interval := batch.Interval(metrics, c.limits)

	msgs := c.drain(size, interval)
	if len(msgs) > 0 {
		c.logger.Debug("dispatching batch",
			slog.Float64("queue_load", metrics.QueueLoad),
			slog.Float64("cpu", metrics.CPUUsage),
			slog.Float64("memory", metrics.MemoryUsage),
			slog.Int("batch_size", size),
			slog.Int("messages", len(msgs)))
		c.dispatch(ctx, msgs)
	}

	c.pollInbound(ctx)
	c.purgeExpired(ctx)

	return true
}

// checkConnection re-probes when due and replays the offline store when the
// service comes back.
func (c *Client) checkConnection(ctx context.Context) {
	now := c.now()
	if !c.state.probeDue(now, c.opts.ConnectionCheckInterval) {
		return
	}

	up := c.monitor.Probe(ctx)
	c.state.probed(now)
	first := !c.probed
	c.probed = true

	changed := c.setConnected(ctx, up)
	if !up || c.store == nil {
		return
	}
	// Rows left by a previous run are replayed after the first good probe.
	if changed || first {
		if _, err := c.ReplayOffline(ctx); err != nil {
			c.logger.Warn("offline replay stopped", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) setConnected(ctx context.Context, up bool) bool {
	s := StateOffline
	if up {
		s = StateOnline
	}
	if !c.state.set(s) {
		return false
	}
	c.recorder.ConnectionChanged(ctx, up)
	if up {
		c.logger.Info("connection restored")
	} else {
		c.logger.Warn("connection lost, storing messages offline")
	}
	return true
}

// drain takes up to size messages, waiting at most interval for each and
// stopping as soon as the queue is seen empty.
func (c *Client) drain(size int, interval time.Duration) []message.Message {
	msgs := make([]message.Message, 0, size)
	for len(msgs) < size {
		msg, ok := c.queue.Get(interval)
		if !ok {
			break
		}
		msgs = append(msgs, msg)
		if c.queue.Len() == 0 {
			break
		}
	}
	return msgs
}

// dispatch delivers msgs when online and stores them offline otherwise.
func (c *Client) dispatch(ctx context.Context, msgs []message.Message) {
	if !c.state.isConnected() {
		c.fallback(ctx, msgs)
		return
	}

	undelivered, err := c.deliver(ctx, msgs)
	if err == nil {
		return
	}
	c.logger.Warn("delivery failed",
		slog.Int("undelivered", len(undelivered)),
		slog.String("error", err.Error()))
	c.setConnected(ctx, false)
	c.fallback(ctx, undelivered)
}

// fallback stores msgs offline, or drops them without a store.
func (c *Client) fallback(ctx context.Context, msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	if c.store == nil {
		c.logger.Warn("offline storage disabled, dropping messages", slog.Int("count", len(msgs)))
		c.recorder.Dropped(ctx, len(msgs), DropOffline)
		return
	}
	c.storeOffline(ctx, msgs, c.opts.OfflineTTL)
}

// deliver sends msgs through the transport. It returns the messages that
// were not delivered together with the connectivity error that stopped it;
// messages the service rejects are logged and dropped.
func (c *Client) deliver(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	ctx, span := c.startSpan(ctx, "tether.dispatch", len(msgs))
	defer span.End()

	start := c.now()
	var waits, rest []message.Message
	for _, msg := range msgs {
		if msg.Wait() {
			waits = append(waits, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	if n, err := c.sendEach(ctx, waits); err != nil {
		pending := make([]message.Message, 0, len(waits)-n+len(rest))
		pending = append(append(pending, waits[n:]...), rest...)
		recordSpanError(span, err)
		return pending, err
	}
	if len(rest) == 0 {
		return nil, nil
	}

	if c.transport.SupportsBatch() {
		err := c.transport.PublishBatch(ctx, rest)
		if err == nil {
			c.recorder.Sent(ctx, len(rest))
			c.recorder.BatchSent(ctx, len(rest), c.now().Sub(start))
			return nil, nil
		}
		if transport.IsConnectivity(err) {
			recordSpanError(span, err)
			return rest, err
		}
		c.logger.Warn("batch request failed, falling back to individual requests",
			slog.Int("count", len(rest)),
			slog.String("error", err.Error()))
	}

	n, err := c.sendEach(ctx, rest)
	if err != nil {
		recordSpanError(span, err)
		return rest[n:], err
	}
	c.recorder.BatchSent(ctx, len(rest), c.now().Sub(start))
	return nil, nil
}

// sendEach publishes msgs one at a time. It stops at the first connectivity
// error and returns the index of the message that failed.
func (c *Client) sendEach(ctx context.Context, msgs []message.Message) (int, error) {
	for i, msg := range msgs {
		_, err := c.transport.Publish(ctx, msg)
		switch {
		case err == nil:
			c.recorder.Sent(ctx, 1)
		case transport.IsConnectivity(err):
			return i, err
		default:
			c.logger.Warn("message rejected", slog.String("error", err.Error()))
			c.recorder.Dropped(ctx, 1, DropRejected)
		}
	}
	return len(msgs), nil
}

// flush dispatches what is left in the queue after Stop.
func (c *Client) flush(ctx context.Context) {
	var msgs []message.Message
	for {
		msg, ok := c.queue.TryGet()
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	c.logger.Debug("flushing queue", slog.Int("messages", len(msgs)))
	c.dispatch(ctx, msgs)
}

// pollInbound fetches inbound messages when due and hands them to the
// callback on a separate goroutine. Polling pauses while a previous
// callback run is still busy.
func (c *Client) pollInbound(ctx context.Context) {
	if c.opts.Callback == nil || !c.state.isConnected() {
		return
	}
	now := c.now()
	if now.Sub(c.lastCheck) < c.opts.CheckMsgInterval || c.callbackBusy.Load() {
		return
	}
	c.lastCheck = now

	msgs, err := c.transport.CheckMessages(ctx, c.opts.CheckMsgLimit)
	if err != nil {
		c.logger.Debug("inbound check failed", slog.String("error", err.Error()))
		return
	}
	if len(msgs) == 0 {
		return
	}

	c.callbackBusy.Store(true)
	c.callbacks.Add(1)
	go func() {
		defer c.callbacks.Done()
		defer c.callbackBusy.Store(false)
		for _, msg := range msgs {
			c.invokeCallback(msg)
		}
	}()
}

func (c *Client) invokeCallback(msg map[string]any) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallbackTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panicked: %v", r)
			}
		}()
		done <- c.opts.Callback(ctx, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Error("callback failed", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
		c.logger.Warn("callback timed out", slog.Duration("timeout", c.opts.CallbackTimeout))
	}
}

// purgeExpired removes expired offline rows when due.
func (c *Client) purgeExpired(ctx context.Context) {
	if c.store == nil {
		return
	}
	now := c.now()
	if now.Sub(c.lastPurge) < c.opts.CleanupInterval {
		return
	}
	c.lastPurge = now

	n, err := c.store.PurgeExpired(ctx)
	if err != nil {
		c.logger.Error("failed to purge expired messages", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		c.logger.Debug("purged expired messages", slog.Int("count", n))
	}
}

func (c *Client) startSpan(ctx context.Context, name string, size int) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, noop.Span{}
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("tether.batch.size", size),
		attribute.String("tether.mode", string(c.opts.Mode)),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
