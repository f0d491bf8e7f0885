// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/storage"
	"github.com/absmach/tether/transport"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the transport.
type Mode string

// Transport modes.
const (
	ModeAPI   Mode = "api"
	ModeAgent Mode = "agent"
)

// APIKeyEnv is read when no API key is configured.
const APIKeyEnv = "TENDRL_KEY"

// Default values.
const (
	DefaultCheckMsgInterval        = 3 * time.Second
	DefaultCheckMsgLimit           = 1
	DefaultCallbackTimeout         = 5 * time.Second
	DefaultConnectionCheckInterval = 30 * time.Second
	DefaultProbeTimeout            = 2 * time.Second
	DefaultCleanupInterval         = 60 * time.Second
	DefaultMinTick                 = 250 * time.Millisecond
	DefaultPublishTimeout          = 5 * time.Second
	DefaultOfflineTTL              = time.Hour
	DefaultReplayPageSize          = 50
	DefaultDBPath                  = "tether_offline"
)

// Callback handles one inbound message from the service. Errors and panics
// are logged and never reach the dispatch loop.
type Callback func(ctx context.Context, msg map[string]any) error

// Options configures the client.
type Options struct {
	// Transport
	Mode       Mode                // api or agent
	APIKey     string              // Bearer key for api mode (falls back to TENDRL_KEY)
	BaseURL    string              // Service URL for api mode
	SocketPath string              // Agent socket for agent mode
	Transport  transport.Transport // Overrides Mode when set

	// Batching
	TargetCPU    float64       // CPU percent at which batches shrink to the minimum
	TargetMemory float64       // Memory percent at which batches shrink to the minimum
	MinBatchSize int           // Smallest batch sent under load
	MaxBatchSize int           // Largest batch
	MinInterval  time.Duration // Shortest drain wait per message
	MaxInterval  time.Duration // Longest drain wait per message
	MaxQueueSize int           // Queue capacity
	MinTick      time.Duration // Minimum duration of one dispatch cycle
	Sampler      batch.Sampler // Host usage source (nil = gopsutil)

	// Connectivity
	ConnectionCheckInterval time.Duration // Time between reachability probes
	ProbeTimeout            time.Duration // Timeout of one probe
	PublishTimeout          time.Duration // Default timeout for synchronous publishes

	// Offline storage
	OfflineStorage  bool          // Open a badger store at DBPath when Store is nil
	DBPath          string        // Directory of the badger store
	Store           storage.Store // Offline store (nil = none unless OfflineStorage)
	OfflineTTL      time.Duration // Lifetime of messages stored by the dispatch loop
	CleanupInterval time.Duration // Time between purges of expired rows
	ReplayPageSize  int           // Rows replayed per batch
	ReplayRate      float64       // Replay batches per second (0 = unlimited)

	// Inbound messages
	Callback         Callback
	CheckMsgInterval time.Duration
	CheckMsgLimit    int
	CallbackTimeout  time.Duration

	// Headless disables the background worker; publishes are synchronous.
	Headless bool

	// Observability
	Logger   *slog.Logger
	Recorder Recorder     // nil = no metrics
	Tracer   trace.Tracer // nil if tracing disabled
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	limits := batch.DefaultLimits()
	return &Options{
		Mode:                    ModeAPI,
		TargetCPU:               limits.TargetCPU,
		TargetMemory:            limits.TargetMem,
		MinBatchSize:            limits.MinSize,
		MaxBatchSize:            limits.MaxSize,
		MinInterval:             limits.MinInterval,
		MaxInterval:             limits.MaxInterval,
		MaxQueueSize:            1000,
		MinTick:                 DefaultMinTick,
		ConnectionCheckInterval: DefaultConnectionCheckInterval,
		ProbeTimeout:            DefaultProbeTimeout,
		PublishTimeout:          DefaultPublishTimeout,
		DBPath:                  DefaultDBPath,
		OfflineTTL:              DefaultOfflineTTL,
		CleanupInterval:         DefaultCleanupInterval,
		ReplayPageSize:          DefaultReplayPageSize,
		CheckMsgInterval:        DefaultCheckMsgInterval,
		CheckMsgLimit:           DefaultCheckMsgLimit,
		CallbackTimeout:         DefaultCallbackTimeout,
	}
}

// SetMode sets the transport mode.
func (o *Options) SetMode(m Mode) *Options {
	o.Mode = m
	return o
}

// SetAPIKey sets the API key.
func (o *Options) SetAPIKey(key string) *Options {
	o.APIKey = key
	return o
}

// SetBaseURL sets the service URL.
func (o *Options) SetBaseURL(url string) *Options {
	o.BaseURL = url
	return o
}

// SetSocketPath sets the agent socket path.
func (o *Options) SetSocketPath(path string) *Options {
	o.SocketPath = path
	return o
}

// SetTransport sets a custom transport, bypassing Mode.
func (o *Options) SetTransport(t transport.Transport) *Options {
	o.Transport = t
	return o
}

// SetTargets sets the CPU and memory targets in percent.
func (o *Options) SetTargets(cpu, mem float64) *Options {
	o.TargetCPU = cpu
	o.TargetMemory = mem
	return o
}

// SetBatchSize sets the batch size bounds.
func (o *Options) SetBatchSize(min, max int) *Options {
	o.MinBatchSize = min
	o.MaxBatchSize = max
	return o
}

// SetBatchInterval sets the drain interval bounds.
func (o *Options) SetBatchInterval(min, max time.Duration) *Options {
	o.MinInterval = min
	o.MaxInterval = max
	return o
}

// SetMaxQueueSize sets the queue capacity.
func (o *Options) SetMaxQueueSize(n int) *Options {
	o.MaxQueueSize = n
	return o
}

// SetOfflineStorage enables the badger offline store at path.
func (o *Options) SetOfflineStorage(path string) *Options {
	o.OfflineStorage = true
	if path != "" {
		o.DBPath = path
	}
	return o
}

// SetStore sets the offline store.
func (o *Options) SetStore(s storage.Store) *Options {
	o.Store = s
	return o
}

// SetCallback sets the inbound message handler.
func (o *Options) SetCallback(fn Callback) *Options {
	o.Callback = fn
	return o
}

// SetCheckMsgRate sets how often and how many inbound messages are polled.
func (o *Options) SetCheckMsgRate(every time.Duration, limit int) *Options {
	o.CheckMsgInterval = every
	o.CheckMsgLimit = limit
	return o
}

// SetHeadless disables the background worker.
func (o *Options) SetHeadless(headless bool) *Options {
	o.Headless = headless
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetRecorder sets the metrics recorder.
func (o *Options) SetRecorder(r Recorder) *Options {
	o.Recorder = r
	return o
}

// SetTracer sets the tracer used for dispatch spans.
func (o *Options) SetTracer(t trace.Tracer) *Options {
	o.Tracer = t
	return o
}

// Validate checks the options for errors and fills unset tunables.
func (o *Options) Validate() error {
	if o.Transport == nil {
		switch o.Mode {
		case ModeAPI:
			if o.APIKey == "" {
				o.APIKey = os.Getenv(APIKeyEnv)
			}
			if o.APIKey == "" {
				return ErrMissingAPIKey
			}
		case ModeAgent:
		default:
			return ErrInvalidMode
		}
	}
	if o.TargetCPU <= 0 || o.TargetCPU > 100 || o.TargetMemory <= 0 || o.TargetMemory > 100 {
		return ErrInvalidTargets
	}
	if o.MinBatchSize <= 0 || o.MinBatchSize > o.MaxBatchSize {
		return ErrInvalidBatchSize
	}
	if o.MinInterval <= 0 || o.MinInterval > o.MaxInterval {
		return ErrInvalidInterval
	}
	if o.MaxQueueSize <= 0 {
		return ErrInvalidQueueSize
	}

	if o.MinTick < 0 {
		o.MinTick = 0
	}
	if o.ConnectionCheckInterval <= 0 {
		o.ConnectionCheckInterval = DefaultConnectionCheckInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.OfflineTTL <= 0 {
		o.OfflineTTL = DefaultOfflineTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.ReplayPageSize <= 0 {
		o.ReplayPageSize = DefaultReplayPageSize
	}
	if o.CheckMsgInterval <= 0 {
		o.CheckMsgInterval = DefaultCheckMsgInterval
	}
	if o.CheckMsgLimit <= 0 {
		o.CheckMsgLimit = DefaultCheckMsgLimit
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = DefaultCallbackTimeout
	}
	if o.DBPath == "" {
		o.DBPath = DefaultDBPath
	}
	return nil
}

func (o *Options) limits() batch.Limits {
	return batch.Limits{
		TargetCPU:   o.TargetCPU,
		TargetMem:   o.TargetMemory,
		MinSize:     o.MinBatchSize,
		MaxSize:     o.MaxBatchSize,
		MinInterval: o.MinInterval,
		MaxInterval: o.MaxInterval,
	}
}
