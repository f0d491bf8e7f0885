// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent answers the agent protocol on a Unix socket.
type fakeAgent struct {
	ln    net.Listener
	path  string
	reply func(req map[string]any) any
	// oneShot closes each connection after its first request.
	oneShot bool

	mu       sync.Mutex
	received []map[string]any
	conns    int
}

func newFakeAgent(t *testing.T, reply func(req map[string]any) any) *fakeAgent {
	t.Helper()
	return startFakeAgent(t, &fakeAgent{reply: reply})
}

func startFakeAgent(t *testing.T, a *fakeAgent) *fakeAgent {
	t.Helper()

	dir, err := os.MkdirTemp("", "agt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "a.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	a.ln, a.path = ln, path
	t.Cleanup(func() { ln.Close() })

	go a.serve()
	return a
}

func (a *fakeAgent) serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns++
		a.mu.Unlock()
		go a.handle(conn)
	}
}

func (a *fakeAgent) handle(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	for {
		var req map[string]any
		if err := dec.Decode(&req); err != nil {
			return
		}
		a.mu.Lock()
		a.received = append(a.received, req)
		a.mu.Unlock()

		if out := a.reply(req); out != nil {
			b, _ := json.Marshal(out)
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
		if a.oneShot {
			return
		}
	}
}

func (a *fakeAgent) messages() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.received...)
}

func (a *fakeAgent) connCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}

func agentReply(req map[string]any) any {
	if req["msg_type"] == "msg_check" {
		return 204
	}
	if c, ok := req["context"].(map[string]any); ok && c["wait"] == true {
		return map[string]any{"id": "agent-1"}
	}
	return nil
}

func mustMessage(t *testing.T, data any, opts ...message.Option) message.Message {
	t.Helper()
	msg, err := message.Make(data, message.TypePublish, opts...)
	require.NoError(t, err)
	return msg
}

func TestPublish(t *testing.T) {
	agent := newFakeAgent(t, agentReply)
	tr := New(Config{SocketPath: agent.path})
	defer tr.Close()

	ctx := context.Background()

	resp, err := tr.Publish(ctx, mustMessage(t, "fire-and-forget"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = tr.Publish(ctx, mustMessage(t, map[string]any{"v": 1}, message.WithWaitResponse(true)))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.ID())

	assert.Eventually(t, func() bool { return len(agent.messages()) == 2 }, time.Second, 10*time.Millisecond)
	got := agent.messages()
	assert.Equal(t, "fire-and-forget", got[0]["data"])
	assert.Equal(t, 1, agent.connCount())
}

func TestPublishBatch(t *testing.T) {
	agent := newFakeAgent(t, agentReply)
	tr := New(Config{SocketPath: agent.path})
	defer tr.Close()

	assert.False(t, tr.SupportsBatch())

	msgs := []message.Message{mustMessage(t, "a"), mustMessage(t, "b"), mustMessage(t, "c")}
	require.NoError(t, tr.PublishBatch(context.Background(), msgs))

	assert.Eventually(t, func() bool { return len(agent.messages()) == 3 }, time.Second, 10*time.Millisecond)
}

func TestCheckMessages(t *testing.T) {
	var mu sync.Mutex
	pending := true

	agent := newFakeAgent(t, func(req map[string]any) any {
		if req["msg_type"] != "msg_check" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if !pending {
			return 204
		}
		pending = false
		return map[string]any{"msg_type": "server_cmd_req", "data": "reboot"}
	})
	tr := New(Config{SocketPath: agent.path})
	defer tr.Close()

	msgs, err := tr.CheckMessages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reboot", msgs[0]["data"])

	msgs, err = tr.CheckMessages(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got := agent.messages()
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0]["limit"])
}

func TestCheckMessagesEmptyMarkerKeepsConnection(t *testing.T) {
	agent := newFakeAgent(t, agentReply)
	tr := New(Config{SocketPath: agent.path, Timeout: 2 * time.Second})
	defer tr.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		msgs, err := tr.CheckMessages(context.Background(), 5)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, agent.connCount())
}

func TestReadReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{name: "bare marker", reply: "204", want: "204"},
		{name: "marker with newline", reply: "204\n", want: "204"},
		{name: "object", reply: `{"id":"a"}`, want: `{"id":"a"}`},
		{name: "array after whitespace", reply: "  [1,2]", want: "[1,2]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, conn := net.Pipe()
			defer server.Close()
			defer conn.Close()

			go func() { _, _ = server.Write([]byte(tt.reply)) }()

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
			raw, err := readReply(bufio.NewReader(conn))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestUnreachable(t *testing.T) {
	dir := t.TempDir()
	tr := New(Config{SocketPath: filepath.Join(dir, "missing.sock"), Timeout: 100 * time.Millisecond})
	defer tr.Close()

	_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.True(t, transport.IsConnectivity(tr.Probe(context.Background())))
}

func TestRedialAfterDroppedConnection(t *testing.T) {
	agent := startFakeAgent(t, &fakeAgent{reply: agentReply, oneShot: true})
	tr := New(Config{SocketPath: agent.path, Timeout: time.Second})
	defer tr.Close()

	ctx := context.Background()
	_, err := tr.Publish(ctx, mustMessage(t, "a", message.WithWaitResponse(true)))
	require.NoError(t, err)

	_, err = tr.Publish(ctx, mustMessage(t, "b", message.WithWaitResponse(true)))
	require.Error(t, err)
	assert.True(t, transport.IsConnectivity(err))

	resp, err := tr.Publish(ctx, mustMessage(t, "c", message.WithWaitResponse(true)))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.ID())
	assert.Equal(t, 2, agent.connCount())
}

func TestProbe(t *testing.T) {
	agent := newFakeAgent(t, agentReply)
	tr := New(Config{SocketPath: agent.path})

	require.NoError(t, tr.Probe(context.Background()))
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Probe(context.Background()), transport.ErrClosed)

	_, err := tr.Publish(context.Background(), mustMessage(t, "x"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "no content", raw: "204", want: 0},
		{name: "null", raw: "null", want: 0},
		{name: "object", raw: `{"data":"x"}`, want: 1},
		{name: "array", raw: `[{"data":"x"},{"data":"y"}]`, want: 2},
		{name: "wrapped", raw: `{"messages":[{"data":"x"},{"data":"y"},{"data":"z"}]}`, want: 3},
		{name: "scalar", raw: `"nope"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := decodeInbound(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, msgs, tt.want)
		})
	}
}

func TestDefaultSocketPath(t *testing.T) {
	assert.NotEmpty(t, DefaultSocketPath())
	assert.Equal(t, DefaultSocketPath(), New(Config{}).cfg.SocketPath)
}
