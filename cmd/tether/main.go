// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/client"
	"github.com/absmach/tether/config"
	"github.com/absmach/tether/otel"
	"github.com/absmach/tether/server/health"
	oteltrace "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting tether", "version", version)
	slog.Info("Configuration loaded",
		"mode", cfg.Client.Mode,
		"headless", cfg.Client.Headless,
		"queue_size", cfg.Client.MaxQueueSize,
		"storage", cfg.Storage.Type,
		"health_enabled", cfg.Health.Enabled,
		"heartbeat_enabled", cfg.Heartbeat.Enabled,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.ClientOptions(logger)
	if err != nil {
		slog.Error("Failed to build client options", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		host, _ := os.Hostname()
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, host)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Telemetry.MetricsEnabled {
			metrics, err = otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			opts.SetRecorder(metrics)
		}
		if cfg.Telemetry.TracesEnabled {
			opts.SetTracer(oteltrace.Tracer("tether"))
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}

	sampler := batch.NewHostSampler(batch.DefaultSampleWindow)
	opts.Sampler = sampler

	c, err := client.New(opts)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	if metrics != nil {
		reg, err := metrics.ObserveStatus(c.Status)
		if err != nil {
			slog.Error("Failed to register status gauges", "error", err)
			os.Exit(1)
		}
		defer func() { _ = reg.Unregister() }()
	}

	if err := c.Start(); err != nil {
		slog.Error("Failed to start client", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Client.ShutdownTimeout,
		}, c, logger)
		g.Go(func() error {
			return healthServer.Listen(gctx)
		})
	}

	if cfg.Heartbeat.Enabled {
		hb := newHeartbeat(c, sampler, cfg.Heartbeat, logger)
		g.Go(func() error {
			return hb.run(gctx)
		})
	}

	slog.Info("Tether started")

	<-gctx.Done()
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal")
	}
	if err := g.Wait(); err != nil {
		slog.Error("Service error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Client.ShutdownTimeout)
	defer shutdownCancel()

	if err := c.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Tether stopped")
}
