// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/tether/client"
	"github.com/absmach/tether/storage/memory"
	"github.com/absmach/tether/transport"
	"github.com/absmach/tether/transport/agent"
	"github.com/absmach/tether/transport/api"
)

// ClientOptions converts the configuration to client options with the
// configured transport already built.
func (c *Config) ClientOptions(logger *slog.Logger) (*client.Options, error) {
	cc := c.Client
	opts := client.NewOptions().
		SetMode(client.Mode(cc.Mode)).
		SetTargets(cc.TargetCPU, cc.TargetMemory).
		SetBatchSize(cc.MinBatchSize, cc.MaxBatchSize).
		SetBatchInterval(cc.MinBatchInterval, cc.MaxBatchInterval).
		SetMaxQueueSize(cc.MaxQueueSize).
		SetCheckMsgRate(cc.CheckMsgInterval, cc.CheckMsgLimit).
		SetHeadless(cc.Headless).
		SetLogger(logger)
	opts.MinTick = cc.MinTick
	opts.ConnectionCheckInterval = cc.ConnectionCheckInterval
	opts.CallbackTimeout = cc.CallbackTimeout
	opts.PublishTimeout = c.Transport.Timeout
	opts.APIKey = c.Transport.APIKey
	opts.BaseURL = c.Transport.BaseURL
	opts.SocketPath = c.Transport.SocketPath

	tr, err := c.newTransport(logger)
	if err != nil {
		return nil, err
	}
	opts.SetTransport(tr)

	switch c.Storage.Type {
	case "badger":
		opts.SetOfflineStorage(c.Storage.BadgerDir)
	case "memory":
		opts.SetStore(memory.New())
	}
	opts.OfflineTTL = c.Storage.TTL
	opts.CleanupInterval = c.Storage.CleanupInterval
	opts.ReplayPageSize = c.Storage.ReplayPageSize
	opts.ReplayRate = c.Storage.ReplayRate

	return opts, nil
}

func (c *Config) newTransport(logger *slog.Logger) (transport.Transport, error) {
	if c.Client.Mode == "agent" {
		return agent.New(agent.Config{
			SocketPath: c.Transport.SocketPath,
			Timeout:    c.Transport.Timeout,
			Logger:     logger,
		}), nil
	}

	compression, err := api.ParseCompression(c.Transport.Compression)
	if err != nil {
		return nil, fmt.Errorf("transport.compression: %w", err)
	}
	tr, err := api.New(api.Config{
		BaseURL:      c.Transport.BaseURL,
		APIKey:       c.Transport.APIKey,
		Timeout:      c.Transport.Timeout,
		BatchTimeout: c.Transport.BatchTimeout,
		Compression:  compression,
		Breaker: api.BreakerConfig{
			FailureThreshold: uint32(c.Transport.Breaker.FailureThreshold),
			ResetTimeout:     c.Transport.Breaker.ResetTimeout,
		},
		Logger: logger,
	})
	if errors.Is(err, api.ErrMissingAPIKey) {
		return nil, client.ErrMissingAPIKey
	}
	return tr, err
}
