// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, h http.Handler, mutate ...func(*Config)) (*Transport, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:    srv.URL + "/api",
		APIKey:     "secret",
		HTTPClient: srv.Client(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, srv
}

func mustMessage(t *testing.T, data any, opts ...message.Option) message.Message {
	t.Helper()
	msg, err := message.Make(data, message.TypePublish, opts...)
	require.NoError(t, err)
	return msg
}

func TestNew_MissingKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = New(Config{APIKey: "k", Compression: "brotli"})
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	var got map[string]any
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/entities/message", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "tether-go-sdk/"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m-1"}`))
	}))

	resp, err := tr.Publish(context.Background(), mustMessage(t, "hello", message.WithWaitResponse(true)))
	require.NoError(t, err)
	assert.Equal(t, "m-1", resp.ID())

	assert.Equal(t, "publish", got["msg_type"])
	assert.Equal(t, "hello", got["data"])
	assert.Equal(t, map[string]any{"wait": true}, got["context"])
}

func TestPublish_EmptyResponse(t *testing.T) {
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	resp, err := tr.Publish(context.Background(), mustMessage(t, "x"))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestPublish_StatusErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		connectivity bool
	}{
		{name: "bad request", status: http.StatusBadRequest, connectivity: false},
		{name: "unauthorized", status: http.StatusUnauthorized, connectivity: false},
		{name: "server error", status: http.StatusInternalServerError, connectivity: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, connectivity: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
			require.Error(t, err)
			assert.ErrorIs(t, err, transport.ErrStatus)
			assert.Equal(t, tt.connectivity, transport.IsConnectivity(err))
		})
	}
}

func TestPublishBatch(t *testing.T) {
	decode := map[Compression]func(io.Reader) (io.Reader, error){
		CompressionNone: func(r io.Reader) (io.Reader, error) { return r, nil },
		CompressionGzip: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
		CompressionZstd: func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	}

	for kind, dec := range decode {
		t.Run("compression="+string(kind), func(t *testing.T) {
			var count atomic.Int32
			tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/entities/messages", r.URL.Path)
				assert.Equal(t, string(kind), r.Header.Get("Content-Encoding"))

				body, err := dec(r.Body)
				require.NoError(t, err)

				var req struct {
					Messages []map[string]any `json:"messages"`
				}
				require.NoError(t, json.NewDecoder(body).Decode(&req))
				count.Store(int32(len(req.Messages)))
				w.WriteHeader(http.StatusOK)
			}), func(c *Config) { c.Compression = kind })

			msgs := []message.Message{
				mustMessage(t, "a"),
				mustMessage(t, map[string]any{"b": 1}, message.WithTags("t")),
				mustMessage(t, "c"),
			}
			require.NoError(t, tr.PublishBatch(context.Background(), msgs))
			assert.Equal(t, int32(3), count.Load())
		})
	}
}

func TestPublishBatch_Empty(t *testing.T) {
	var hits atomic.Int32
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	require.NoError(t, tr.PublishBatch(context.Background(), nil))
	assert.Zero(t, hits.Load())
	assert.True(t, tr.SupportsBatch())
}

func TestCheckMessages(t *testing.T) {
	var empty atomic.Bool
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/entities/check_messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		if empty.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"msg_type":"server_cmd_req","data":"ping"},{"data":"two"}]}`))
	}))

	msgs, err := tr.CheckMessages(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping", msgs[0]["data"])

	empty.Store(true)
	msgs, err = tr.CheckMessages(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)

	tr, srv := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))

	assert.NoError(t, tr.Probe(context.Background()))

	status.Store(http.StatusBadGateway)
	err := tr.Probe(context.Background())
	assert.True(t, transport.IsConnectivity(err))

	srv.Close()
	err = tr.Probe(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), func(c *Config) {
		c.Breaker = BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	})

	for i := 0; i < 2; i++ {
		_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
		require.Error(t, err)
	}

	_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBreakerIgnoresRejections(t *testing.T) {
	var hits atomic.Int32
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), func(c *Config) {
		c.Breaker = BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}
	})

	for i := 0; i < 3; i++ {
		_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
		assert.ErrorIs(t, err, transport.ErrStatus)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestClose(t *testing.T) {
	tr, _ := newTestTransport(t, http.NotFoundHandler())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Probe(context.Background()), transport.ErrClosed)
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	assert.True(t, strings.HasPrefix(ua, "tether-go-sdk/"+Version+" (Go/"))
	assert.Contains(t, ua, "; ")
}

func TestParseCompression(t *testing.T) {
	for _, s := range []string{"", "none", "gzip", "zstd"} {
		_, err := ParseCompression(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}
