// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"
)

// Drop reasons reported to the Recorder.
const (
	DropQueueFull = "queue_full"
	DropOffline   = "offline"
	DropRejected  = "rejected"
	DropCorrupt   = "corrupt"
	DropStore     = "store_error"
)

// Recorder receives dispatch metrics.
type Recorder interface {
	Enqueued(ctx context.Context)
	Dropped(ctx context.Context, n int, reason string)
	Sent(ctx context.Context, n int)
	Stored(ctx context.Context, n int)
	Replayed(ctx context.Context, n int)
	BatchSent(ctx context.Context, size int, d time.Duration)
	ConnectionChanged(ctx context.Context, connected bool)
}

type noopRecorder struct{}

func (noopRecorder) Enqueued(context.Context) {}
func (noopRecorder) Dropped(context.Context, int, string) {}
func (noopRecorder) Sent(context.Context, int) {}
func (noopRecorder) Stored(context.Context, int) {}
func (noopRecorder) Replayed(context.Context, int) {}
func (noopRecorder) BatchSent(context.Context, int, time.Duration) {}
func (noopRecorder) ConnectionChanged(context.Context, bool) {}
