// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/client"
	"github.com/absmach/tether/config"
)

type hostReading struct {
	Host   string  `json:"host"`
	CPU    float64 `json:"cpu_percent"`
	Memory float64 `json:"memory_percent"`
}

// heartbeat publishes host usage every interval until ctx is done.
type heartbeat struct {
	cfg     config.HeartbeatConfig
	read    func(ctx context.Context) (hostReading, error)
	logger  *slog.Logger
	host    string
	sampler batch.Sampler
}

func newHeartbeat(c *client.Client, sampler batch.Sampler, cfg config.HeartbeatConfig, logger *slog.Logger) *heartbeat {
	host, _ := os.Hostname()
	h := &heartbeat{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "heartbeat")),
		host:    host,
		sampler: sampler,
	}

	opts := []client.TetherOption{client.WithTetherTags(cfg.Tags...)}
	if cfg.WriteOffline {
		opts = append(opts, client.WithWriteOffline())
	}
	h.read = client.TetherFunc(c, h.sample, opts...)
	return h
}

func (h *heartbeat) sample(ctx context.Context) (hostReading, error) {
	u, err := h.sampler.Sample(ctx)
	if err != nil {
		return hostReading{}, err
	}
	return hostReading{Host: h.host, CPU: u.CPU, Memory: u.Memory}, nil
}

func (h *heartbeat) run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := h.read(ctx); err != nil {
			if errors.Is(err, client.ErrClientClosed) {
				return nil
			}
			h.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
