// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/absmach/tether/message"
)

// Transport errors.
var (
	// ErrUnreachable marks failures caused by the peer being unavailable.
	// The client treats it as a signal to go offline.
	ErrUnreachable = errors.New("destination unreachable")
	ErrStatus      = errors.New("unexpected response status")
	ErrClosed      = errors.New("transport is closed")
)

// Response is the decoded reply to a single publish.
type Response map[string]any

// ID returns the id field of the response, if any.
func (r Response) ID() string {
	if r == nil {
		return ""
	}
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Transport delivers messages to the collection service.
type Transport interface {
	// Publish sends one message. The response is nil unless the peer
	// answered with a body.
	Publish(ctx context.Context, msg message.Message) (Response, error)

	// PublishBatch sends msgs in a single call where the transport supports
	// it and one by one otherwise.
	PublishBatch(ctx context.Context, msgs []message.Message) error

	// CheckMessages polls up to limit inbound messages.
	CheckMessages(ctx context.Context, limit int) ([]map[string]any, error)

	// Probe performs a short reachability check.
	Probe(ctx context.Context) error

	// SupportsBatch reports whether PublishBatch is a single call.
	SupportsBatch() bool

	Close() error
}

// Unreachable wraps err as a connectivity failure.
func Unreachable(err error) error {
	if err == nil || errors.Is(err, ErrUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// IsConnectivity reports whether err means the peer could not be reached
// rather than that it rejected the request.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
