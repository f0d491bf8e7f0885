// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/absmach/tether/internal/bufpool"
	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
)

// Version is reported in the User-Agent header.
var Version = "0.1.0"

// Endpoint paths relative to the base URL.
const (
	DefaultBaseURL = "https://app.tendrl.com/api"

	publishPath = "/entities/message"
	batchPath   = "/entities/messages"
	checkPath   = "/entities/check_messages"
	probePath   = "/"
)

// Defaults.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultBatchTimeout     = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

var ErrMissingAPIKey = errors.New("api key is required")

var _ transport.Transport = (*Transport)(nil)

// BreakerConfig controls the circuit breaker in front of every request.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Config holds the HTTP transport configuration.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per request when ctx has no deadline
	BatchTimeout time.Duration
	Compression  Compression
	Breaker      BreakerConfig

	// HTTPClient overrides the default HTTP/2 capable client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transport publishes messages to the collection service over HTTP.
type Transport struct {
	cfg       Config
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	encoder   *encoder
	userAgent string
	logger    *slog.Logger
	closed    atomic.Bool
}

// New creates an HTTP transport.
func New(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		cfg.Breaker.ResetTimeout = DefaultResetTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api-transport"))

	enc, err := newEncoder(cfg.Compression)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(logger)
	}

	t := &Transport{
		cfg:       cfg,
		client:    client,
		encoder:   enc,
		userAgent: UserAgent(),
		logger:    logger,
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tether-api",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		// Rejections by the service say nothing about its availability.
		IsSuccessful: func(err error) bool {
			return err == nil || !transport.IsConnectivity(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return t, nil
}

// UserAgent returns the User-Agent sent with every request.
func UserAgent() string {
	return fmt.Sprintf("tether-go-sdk/%s (Go/%s; %s/%s)",
		Version, strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH)
}

func newHTTPClient(logger *slog.Logger) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if h2, err := http2.ConfigureTransports(tr); err != nil {
		logger.Warn("http2 unavailable, using http/1.1", slog.String("error", err.Error()))
	} else {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	return &http.Client{Transport: tr}
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg message.Message) (transport.Response, error) {
	buf, err := bufpool.EncodeJSON(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	defer bufpool.Put(buf)

	ctx, cancel := t.withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	status, body, err := t.do(ctx, http.MethodPost, publishPath, buf.Bytes(), false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var resp transport.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		// A non-object body is still a successful publish.
		t.logger.Debug("ignoring non-object publish response", slog.String("error", err.Error()))
		return nil, nil
	}
	return resp, nil
}

type batchRequest struct {
	Messages []message.Message `json:"messages"`
}

// PublishBatch implements transport.Transport.
func (t *Transport) PublishBatch(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	buf, err := bufpool.EncodeJSON(batchRequest{Messages: msgs})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	defer bufpool.Put(buf)

	ctx, cancel := t.withTimeout(ctx, t.cfg.BatchTimeout)
	defer cancel()

	_, _, err = t.do(ctx, http.MethodPost, batchPath, buf.Bytes(), true)
	return err
}

type checkResponse struct {
	Messages []map[string]any `json:"messages"`
}

// CheckMessages implements transport.Transport.
func (t *Transport) CheckMessages(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 1
	}

	ctx, cancel := t.withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	path := checkPath + "?limit=" + strconv.Itoa(limit)
	status, body, err := t.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var resp checkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode inbound messages: %w", err)
	}
	return resp.Messages, nil
}

// Probe implements transport.Transport. Any answer below 500 means the
// service is reachable.
func (t *Transport) Probe(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.cfg.BaseURL+probePath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.Unreachable(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return transport.Unreachable(fmt.Errorf("%w: %d", transport.ErrStatus, resp.StatusCode))
	}
	return nil
}

// SupportsBatch implements transport.Transport.
func (t *Transport) SupportsBatch() bool {
	return true
}

// Close releases idle connections.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.client.CloseIdleConnections()
	return nil
}

// do sends a request through the circuit breaker and returns the status and
// body of a 2xx response. 5xx answers and network failures are reported as
// connectivity errors.
func (t *Transport) do(ctx context.Context, method, path string, payload []byte, compress bool) (int, []byte, error) {
	if t.closed.Load() {
		return 0, nil, transport.ErrClosed
	}

	type result struct {
		status int
		body   []byte
	}

	res, err := t.breaker.Execute(func() (interface{}, error) {
		var (
			body     io.Reader
			encoding string
		)
		if payload != nil {
			data := payload
			if compress {
				var err error
				if data, encoding, err = t.encoder.encode(payload); err != nil {
					return nil, err
				}
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		t.setHeaders(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, transport.Unreachable(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transport.Unreachable(fmt.Errorf("failed to read response: %w", err))
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return nil, transport.Unreachable(fmt.Errorf("%w: %d", transport.ErrStatus, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("%w: %d", transport.ErrStatus, resp.StatusCode)
		}
		return result{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, transport.Unreachable(err)
		}
		return 0, nil, err
	}

	r := res.(result)
	return r.status, r.body, nil
}

func (t *Transport) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")
}

func (t *Transport) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
