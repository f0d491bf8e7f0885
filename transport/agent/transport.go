// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/absmach/tether/internal/bufpool"
	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
)

// Socket locations of the local agent.
const (
	UnixSocketPath    = "/var/lib/tendrl/tendrl_agent.sock"
	WindowsSocketPath = `C:\ProgramData\tendrl\tendrl_agent.sock`

	DefaultTimeout = 5 * time.Second
)

var _ transport.Transport = (*Transport)(nil)

// DefaultSocketPath returns the agent socket path for the running OS.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return WindowsSocketPath
	}
	return UnixSocketPath
}

// Config holds the agent transport configuration.
type Config struct {
	SocketPath string
	Timeout    time.Duration // per request when ctx has no deadline
	Logger     *slog.Logger
}

type checkRequest struct {
	MsgType string `json:"msg_type"`
	Limit   int    `json:"limit"`
}

// Transport talks to the local agent over a Unix domain socket. The agent
// protocol has no batch request, so batches are written one message at a
// time over a single persistent connection.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed bool
}

// New creates an agent transport. The socket is dialed on first use.
func New(cfg Config) *Transport {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "agent-transport"), slog.String("socket", cfg.SocketPath)),
	}
}

// Publish implements transport.Transport. The agent only answers messages
// that request a response.
func (t *Transport) Publish(ctx context.Context, msg message.Message) (transport.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(ctx, msg); err != nil {
		return nil, err
	}
	if !msg.Wait() {
		return nil, nil
	}

	raw, err := t.receive()
	if err != nil {
		return nil, err
	}
	if isEmptyReply(raw) {
		return nil, nil
	}
	var resp transport.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return resp, nil
}

// PublishBatch implements transport.Transport.
func (t *Transport) PublishBatch(ctx context.Context, msgs []message.Message) error {
	for i, msg := range msgs {
		if _, err := t.Publish(ctx, msg); err != nil {
			return fmt.Errorf("message %d of %d: %w", i+1, len(msgs), err)
		}
	}
	return nil
}

// CheckMessages implements transport.Transport. The agent replies with the
// literal 204 when nothing is pending.
func (t *Transport) CheckMessages(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(ctx, checkRequest{MsgType: "msg_check", Limit: limit}); err != nil {
		return nil, err
	}

	raw, err := t.receive()
	if err != nil {
		return nil, err
	}
	return decodeInbound(raw)
}

// Probe implements transport.Transport by opening and closing a fresh
// connection.
func (t *Transport) Probe(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	conn, err := t.dialer.DialContext(ctx, "unix", t.cfg.SocketPath)
	if err != nil {
		return transport.Unreachable(err)
	}
	return conn.Close()
}

// SupportsBatch implements transport.Transport.
func (t *Transport) SupportsBatch() bool {
	return false
}

// Close closes the persistent connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.reset()
}

// send writes one JSON request, dialing first if needed. Callers hold mu.
func (t *Transport) send(ctx context.Context, v any) error {
	if t.closed {
		return transport.ErrClosed
	}

	buf, err := bufpool.EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	defer bufpool.Put(buf)

	if t.conn == nil {
		conn, err := t.dialer.DialContext(ctx, "unix", t.cfg.SocketPath)
		if err != nil {
			return transport.Unreachable(err)
		}
		t.conn = conn
		t.r = bufio.NewReader(conn)
		t.logger.Debug("connected to agent")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.Timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.reset()
		return transport.Unreachable(err)
	}

	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		t.reset()
		return transport.Unreachable(err)
	}
	return nil
}

// receive reads one reply. Objects and arrays are read up to their closing
// bracket. Anything else, such as the bare 204 marker, has no terminator and
// is taken as the single frame the agent wrote. Any failure leaves the
// stream in an unknown state, so the connection is dropped and redialed
// next time.
func (t *Transport) receive() (json.RawMessage, error) {
	raw, err := readReply(t.r)
	if err != nil {
		t.reset()
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
		return nil, transport.Unreachable(err)
	}
	return raw, nil
}

func readReply(r *bufio.Reader) (json.RawMessage, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !isSpace(b) {
			if err := r.UnreadByte(); err != nil {
				return nil, err
			}
			if b == '{' || b == '[' {
				var raw json.RawMessage
				if err := json.NewDecoder(r).Decode(&raw); err != nil {
					return nil, err
				}
				return raw, nil
			}
			frame := make([]byte, r.Buffered())
			if _, err := io.ReadFull(r, frame); err != nil {
				return nil, err
			}
			return bytes.TrimSpace(frame), nil
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func isEmptyReply(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("204")) || bytes.Equal(raw, []byte("null"))
}

func (t *Transport) reset() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.r = nil
	return err
}

// decodeInbound accepts a single object, an array of objects, an object
// wrapping a messages list, or the 204 marker.
func decodeInbound(raw json.RawMessage) ([]map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if isEmptyReply(raw) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var msgs []map[string]any
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("failed to decode inbound messages: %w", err)
		}
		return msgs, nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode inbound message: %w", err)
		}
		if list, ok := obj["messages"].([]any); ok && len(obj) == 1 {
			msgs := make([]map[string]any, 0, len(list))
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					msgs = append(msgs, m)
				}
			}
			return msgs, nil
		}
		return []map[string]any{obj}, nil
	default:
		return nil, fmt.Errorf("unexpected agent reply %q", raw)
	}
}
