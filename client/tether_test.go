// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/tether/message"
	"github.com/absmach/tether/storage/memory"
	"github.com/absmach/tether/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTetherPublishesResult(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())

	fn := c.Tether(func(context.Context) (any, error) {
		return map[string]any{"cpu": 12.5}, nil
	}, WithTetherTags("host"))

	v, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cpu": 12.5}, v)

	require.Equal(t, 1, c.queue.Len())
	msg, ok := c.queue.TryGet()
	require.True(t, ok)
	assert.Equal(t, message.TypePublish, msg.Type)
	assert.Equal(t, []string{"host"}, msg.Context.Tags)
	assert.Equal(t, 12.5, msg.Data.Fields()["cpu"])
}

func TestTetherProducerError(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())
	boom := errors.New("sensor offline")

	fn := c.Tether(func(context.Context) (any, error) {
		return nil, boom
	})

	_, err := fn(context.Background())
	assert.Equal(t, boom, err)
	assert.Zero(t, c.queue.Len())
}

func TestTetherInvalidPayload(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())

	fn := c.Tether(func(context.Context) (any, error) {
		return 7, nil
	})

	v, err := fn(context.Background())
	assert.ErrorIs(t, err, message.ErrInvalidPayload)
	assert.Equal(t, 7, v)
	assert.Zero(t, c.queue.Len())
}

func TestTetherWriteOfflineWhenQueueFull(t *testing.T) {
	store := memory.New()
	rec := newCountingRecorder()
	c := newTestClient(t, testutil.NewTransport(), withStore(store), withRecorder(rec), func(o *Options) {
		o.MaxQueueSize = 1
	})
	ctx := context.Background()

	_, err := c.Publish(ctx, "fills the queue")
	require.NoError(t, err)

	fn := c.Tether(func(context.Context) (any, error) {
		return map[string]any{"v": 1.0}, nil
	}, WithWriteOffline(), WithTTL(2*time.Hour), WithTetherTags("sensor"))

	_, err = fn(ctx)
	require.NoError(t, err)

	rows, err := store.ListActive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"v":1}`, string(rows[0].Data))
	tags, err := rows[0].DecodeTags()
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor"}, tags)
	assert.InDelta(t, time.Now().Add(2*time.Hour).Unix(), rows[0].ExpiresAt, 5)

	// Stored, not dropped.
	assert.Equal(t, 1, rec.stored)
	assert.Zero(t, rec.droppedFor(DropQueueFull))
}

func TestTetherQueueFullWithoutWriteOffline(t *testing.T) {
	store := memory.New()
	rec := newCountingRecorder()
	c := newTestClient(t, testutil.NewTransport(), withStore(store), withRecorder(rec), func(o *Options) {
		o.MaxQueueSize = 1
	})
	ctx := context.Background()

	_, err := c.Publish(ctx, "fills the queue")
	require.NoError(t, err)

	fn := c.Tether(func(context.Context) (any, error) {
		return "dropped", nil
	})
	v, err := fn(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dropped", v)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, rec.droppedFor(DropQueueFull))
}

func TestTetherWriteOfflineWithoutStore(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport(), func(o *Options) {
		o.MaxQueueSize = 1
	})
	ctx := context.Background()

	_, err := c.Publish(ctx, "fills the queue")
	require.NoError(t, err)

	fn := c.Tether(func(context.Context) (any, error) {
		return "x", nil
	}, WithWriteOffline())
	_, err = fn(ctx)
	assert.NoError(t, err)
}

func TestTetherHeadless(t *testing.T) {
	tr := testutil.NewTransport()
	c := newTestClient(t, tr, func(o *Options) { o.Headless = true })

	fn := c.Tether(func(context.Context) (any, error) {
		return "direct", nil
	})
	_, err := fn(context.Background())
	require.NoError(t, err)

	published := tr.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "direct", published[0].Data.String())
}

func TestTetherHeadlessSendFailure(t *testing.T) {
	tr := testutil.NewTransport()
	tr.SetPublishErr(errors.New("unreachable"))
	c := newTestClient(t, tr, func(o *Options) { o.Headless = true })

	fn := c.Tether(func(context.Context) (any, error) {
		return "direct", nil
	})
	v, err := fn(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "direct", v)
}

func TestTetherAfterStop(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())
	require.NoError(t, c.Stop(context.Background()))

	fn := c.Tether(func(context.Context) (any, error) {
		return "late", nil
	})
	v, err := fn(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, "late", v)
}

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

func TestTetherFunc(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())

	fn := TetherFunc(c, func(context.Context) (reading, error) {
		return reading{Sensor: "t1", Value: 3.5}, nil
	})

	r, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reading{Sensor: "t1", Value: 3.5}, r)

	msg, ok := c.queue.TryGet()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"sensor": "t1", "value": 3.5}, msg.Data.Fields())
}

func TestTetherFuncError(t *testing.T) {
	c := newTestClient(t, testutil.NewTransport())
	boom := errors.New("boom")

	fn := TetherFunc(c, func(context.Context) (reading, error) {
		return reading{}, boom
	})

	_, err := fn(context.Background())
	assert.ErrorIs(t, err, boom)
}
