// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/tether/message"
)

// Producer returns one telemetry value per call.
type Producer func(ctx context.Context) (any, error)

// TetherOption configures Tether.
type TetherOption func(*tetherOptions)

type tetherOptions struct {
	tags         []string
	writeOffline bool
	ttl          time.Duration
}

// WithTetherTags tags every message the producer emits.
func WithTetherTags(tags ...string) TetherOption {
	return func(o *tetherOptions) {
		o.tags = tags
	}
}

// WithWriteOffline stores values in the offline store when the queue is full.
func WithWriteOffline() TetherOption {
	return func(o *tetherOptions) {
		o.writeOffline = true
	}
}

// WithTTL sets the lifetime of values written offline.
func WithTTL(ttl time.Duration) TetherOption {
	return func(o *tetherOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// Tether wraps fn so that every value it returns is also published. The
// wrapped function returns fn's result unchanged. A value that cannot be
// published as a payload is reported with message.ErrInvalidPayload. Values
// that do not fit in the queue go to the offline store when write-offline
// is set and a store exists, and are discarded otherwise.
func (c *Client) Tether(fn Producer, opts ...TetherOption) Producer {
	to := tetherOptions{ttl: DefaultOfflineTTL}
	for _, opt := range opts {
		opt(&to)
	}

	return func(ctx context.Context) (any, error) {
		data, err := fn(ctx)
		if err != nil {
			return data, err
		}
		if perr := c.capture(ctx, data, to); perr != nil {
			return data, perr
		}
		return data, nil
	}
}

// TetherFunc is the typed form of Client.Tether.
func TetherFunc[T any](c *Client, fn func(ctx context.Context) (T, error), opts ...TetherOption) func(ctx context.Context) (T, error) {
	wrapped := c.Tether(func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)

	return func(ctx context.Context) (T, error) {
		v, err := wrapped(ctx)
		out, _ := v.(T)
		return out, err
	}
}

func (c *Client) capture(ctx context.Context, data any, to tetherOptions) error {
	if c.stopping.Load() {
		return ErrClientClosed
	}

	msg, err := message.Make(data, message.TypePublish, message.WithTags(to.tags...))
	if err != nil {
		return fmt.Errorf("tethered value not published: %w", err)
	}

	if c.opts.Headless {
		if _, err := c.publishNow(ctx, msg, c.opts.PublishTimeout); err != nil {
			c.logger.Warn("headless publish failed", slog.String("error", err.Error()))
		}
		return nil
	}

	err = c.enqueue(ctx, msg)
	if !errors.Is(err, ErrQueueFull) {
		return err
	}

	if to.writeOffline && c.store != nil {
		c.storeOffline(ctx, []message.Message{msg}, to.ttl)
		return nil
	}
	c.recorder.Dropped(ctx, 1, DropQueueFull)
	c.logger.Warn("queue full, discarding tethered value")
	return nil
}
