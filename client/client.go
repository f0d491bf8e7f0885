// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/message"
	"github.com/absmach/tether/queue"
	"github.com/absmach/tether/storage"
	"github.com/absmach/tether/storage/badger"
	"github.com/absmach/tether/transport"
	"github.com/absmach/tether/transport/agent"
	"github.com/absmach/tether/transport/api"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Client buffers messages and forwards them to the collection service from a
// single background worker. It is safe for concurrent use.
type Client struct {
	opts   *Options
	logger *slog.Logger

	queue     *queue.Queue[message.Message]
	transport transport.Transport
	store     storage.Store
	monitor   *Monitor
	sampler   batch.Sampler
	limits    batch.Limits
	recorder  Recorder
	tracer    trace.Tracer
	limiter   *rate.Limiter

	// Connectivity, owned by the worker.
	state *connState

	// cycleMu admits one dispatch cycle at a time.
	cycleMu   sync.Mutex
	replayMu  sync.Mutex
	lastCheck time.Time
	lastPurge time.Time
	probed    bool

	// Inbound callbacks in flight.
	callbacks    sync.WaitGroup
	callbackBusy atomic.Bool

	// Lifecycle
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
	stopCh   chan struct{}
	doneCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	now func() time.Time
}

// New creates a client with the given options. The background worker does
// not run until Start.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "tether-client"))

	tr := opts.Transport
	if tr == nil {
		var err error
		if tr, err = newTransport(opts, logger); err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil && opts.OfflineStorage {
		s, err := badger.New(badger.Config{Dir: opts.DBPath})
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("failed to open offline storage: %w", err)
		}
		logger.Info("offline storage enabled", slog.String("path", opts.DBPath))
		store = s
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = batch.NewHostSampler(0)
	}

	var recorder Recorder = noopRecorder{}
	if opts.Recorder != nil {
		recorder = opts.Recorder
	}

	var limiter *rate.Limiter
	if opts.ReplayRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ReplayRate), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		opts:      opts,
		logger:    logger,
		queue:     queue.New[message.Message](opts.MaxQueueSize),
		transport: tr,
		store:     store,
		monitor:   NewMonitor(tr, opts.ProbeTimeout),
		sampler:   sampler,
		limits:    opts.limits(),
		recorder:  recorder,
		tracer:    opts.Tracer,
		limiter:   limiter,
		state:     newConnState(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}, nil
}

func newTransport(opts *Options, logger *slog.Logger) (transport.Transport, error) {
	switch opts.Mode {
	case ModeAgent:
		return agent.New(agent.Config{
			SocketPath: opts.SocketPath,
			Timeout:    opts.PublishTimeout,
			Logger:     logger,
		}), nil
	default:
		t, err := api.New(api.Config{
			BaseURL: opts.BaseURL,
			APIKey:  opts.APIKey,
			Timeout: opts.PublishTimeout,
			Logger:  logger,
		})
		if errors.Is(err, api.ErrMissingAPIKey) {
			return nil, ErrMissingAPIKey
		}
		return t, err
	}
}

// Start launches the background worker. It is a no-op in headless mode.
func (c *Client) Start() error {
	if c.stopping.Load() {
		return ErrClientClosed
	}
	if c.opts.Headless {
		return nil
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go c.run()
	c.logger.Info("client started",
		slog.String("mode", string(c.opts.Mode)),
		slog.Int("queue_size", c.queue.Cap()),
		slog.Bool("offline_storage", c.store != nil))
	return nil
}

// Stop signals the worker, waits for it to finish the current cycle and
// flush the queue, then closes the transport and the offline store. If ctx
// ends first, in-flight calls are canceled and Stop still waits for the
// worker before closing.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		// The queue closes before the worker can see stopping, so its
		// final flush sees every accepted message.
		c.queue.Close()
		c.stopping.Store(true)
		close(c.stopCh)

		if c.started.Load() {
			select {
			case <-c.doneCh:
			case <-ctx.Done():
				c.stopErr = ctx.Err()
				c.cancel()
				<-c.doneCh
			}
		}

		callbacksDone := make(chan struct{})
		go func() {
			c.callbacks.Wait()
			close(callbacksDone)
		}()
		select {
		case <-callbacksDone:
		case <-ctx.Done():
			c.cancel()
			<-callbacksDone
		}
		c.cancel()

		var errs []error
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close offline storage: %w", err))
			}
		}
		if len(errs) > 0 {
			c.stopErr = errors.Join(append([]error{c.stopErr}, errs...)...)
		}
		c.logger.Info("client stopped")
	})
	return c.stopErr
}

// Publish formats data as a publish message. Messages that wait for a
// response, and every message of a headless client, are sent immediately
// and the response id is returned. Other messages are queued and the
// returned id is empty.
func (c *Client) Publish(ctx context.Context, data any, opts ...PublishOption) (string, error) {
	if c.stopping.Load() {
		return "", ErrClientClosed
	}

	po := publishOptions{timeout: c.opts.PublishTimeout}
	for _, opt := range opts {
		opt(&po)
	}

	msg, err := message.Make(data, message.TypePublish,
		message.WithTags(po.tags...),
		message.WithEntity(po.entity),
		message.WithWaitResponse(po.wait),
	)
	if err != nil {
		return "", err
	}

	if po.wait || c.opts.Headless {
		resp, err := c.publishNow(ctx, msg, po.timeout)
		if err != nil {
			return "", err
		}
		return resp.ID(), nil
	}

	err = c.enqueue(ctx, msg)
	if errors.Is(err, ErrQueueFull) {
		c.recorder.Dropped(ctx, 1, DropQueueFull)
	}
	return "", err
}

// CheckMessages polls up to limit inbound messages directly.
func (c *Client) CheckMessages(ctx context.Context, limit int) ([]map[string]any, error) {
	if c.stopping.Load() {
		return nil, ErrClientClosed
	}
	if limit <= 0 {
		limit = c.opts.CheckMsgLimit
	}
	return c.transport.CheckMessages(ctx, limit)
}

// Connected reports the connectivity observed by the last probe or dispatch.
func (c *Client) Connected() bool {
	return c.state.isConnected()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// Status is a point-in-time view of the client.
type Status struct {
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	QueueLen     int       `json:"queue_len"`
	QueueCap     int       `json:"queue_cap"`
	OfflineCount int       `json:"offline_count"`
	LastProbe    time.Time `json:"last_probe"`
}

// Status reports queue occupancy, connectivity and the offline backlog.
func (c *Client) Status(ctx context.Context) Status {
	s := Status{
		State:     c.state.get().String(),
		Connected: c.state.isConnected(),
		QueueLen:  c.queue.Len(),
		QueueCap:  c.queue.Cap(),
		LastProbe: c.state.lastProbeAt(),
	}
	if c.store != nil && !c.stopping.Load() {
		if n, err := c.store.Count(ctx); err == nil {
			s.OfflineCount = n
		}
	}
	return s
}

func (c *Client) enqueue(ctx context.Context, msg message.Message) error {
	switch err := c.queue.TryPut(msg); {
	case err == nil:
		c.recorder.Enqueued(ctx)
		return nil
	case errors.Is(err, queue.ErrFull):
		return ErrQueueFull
	case errors.Is(err, queue.ErrClosed):
		return ErrClientClosed
	default:
		return err
	}
}

func (c *Client) publishNow(ctx context.Context, msg message.Message, timeout time.Duration) (transport.Response, error) {
	if timeout <= 0 {
		timeout = c.opts.PublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.transport.Publish(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	c.recorder.Sent(ctx, 1)
	return resp, nil
}

// storeOffline writes the payload and tags of msgs to the offline store and
// returns how many were written.
func (c *Client) storeOffline(ctx context.Context, msgs []message.Message, ttl time.Duration) int {
	// Local writes must still happen while the client shuts down.
	ctx = context.WithoutCancel(ctx)
	stored := 0
	for _, msg := range msgs {
		if err := c.store.Store(ctx, newID(), msg.Data.Value(), msg.Context.Tags, ttl); err != nil {
			c.logger.Error("failed to store message offline", slog.String("error", err.Error()))
			c.recorder.Dropped(ctx, 1, DropStore)
			continue
		}
		stored++
	}
	if stored > 0 {
		c.recorder.Stored(ctx, stored)
	}
	return stored
}

// newID returns a time-ordered id so offline rows replay in creation order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PublishOption configures a single Publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	tags    []string
	entity  string
	wait    bool
	timeout time.Duration
}

// WithTags attaches tags to the message.
func WithTags(tags ...string) PublishOption {
	return func(o *publishOptions) {
		o.tags = tags
	}
}

// WithEntity addresses the message to a destination entity.
func WithEntity(entity string) PublishOption {
	return func(o *publishOptions) {
		o.entity = entity
	}
}

// WithWaitResponse sends the message immediately and waits for the reply.
func WithWaitResponse(wait bool) PublishOption {
	return func(o *publishOptions) {
		o.wait = wait
	}
}

// WithTimeout bounds a synchronous publish.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.timeout = d
	}
}
