// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"sync"

	"github.com/absmach/tether/batch"
	"github.com/absmach/tether/message"
	"github.com/absmach/tether/transport"
)

// Transport is an in-memory transport.Transport that records what it is
// asked to send. Errors set on it are returned until cleared.
type Transport struct {
	mu sync.Mutex

	published []message.Message
	batches   [][]message.Message
	inbound   []map[string]any
	probes    int
	closed    bool

	Batch      bool
	PublishErr error
	BatchErr   error
	ProbeErr   error
	CheckErr   error
	Response   transport.Response

	// OnPublish, when set, runs before every Publish.
	OnPublish func(msg message.Message) error
	// OnBatch, when set, runs before every PublishBatch.
	OnBatch func(msgs []message.Message) error
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport returns a fake transport that supports batches.
func NewTransport() *Transport {
	return &Transport{Batch: true}
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, msg message.Message) (transport.Response, error) {
	t.mu.Lock()
	hook := t.OnPublish
	err := t.PublishErr
	resp := t.Response
	t.mu.Unlock()

	if hook != nil {
		if herr := hook(msg); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.published = append(t.published, msg)
	t.mu.Unlock()
	return resp, nil
}

// PublishBatch implements transport.Transport.
func (t *Transport) PublishBatch(ctx context.Context, msgs []message.Message) error {
	t.mu.Lock()
	hook := t.OnBatch
	t.mu.Unlock()

	if hook != nil {
		if err := hook(msgs); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.BatchErr != nil {
		return t.BatchErr
	}
	t.batches = append(t.batches, append([]message.Message(nil), msgs...))
	return nil
}

// CheckMessages implements transport.Transport. Queued inbound messages are
// returned once.
func (t *Transport) CheckMessages(ctx context.Context, limit int) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.CheckErr != nil {
		return nil, t.CheckErr
	}
	n := min(limit, len(t.inbound))
	out := t.inbound[:n:n]
	t.inbound = t.inbound[n:]
	return out, nil
}

// Probe implements transport.Transport.
func (t *Transport) Probe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.probes++
	return t.ProbeErr
}

// SupportsBatch implements transport.Transport.
func (t *Transport) SupportsBatch() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Batch
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SetPublishErr sets the error returned by Publish.
func (t *Transport) SetPublishErr(err error) {
	t.mu.Lock()
	t.PublishErr = err
	t.mu.Unlock()
}

// SetBatchErr sets the error returned by PublishBatch.
func (t *Transport) SetBatchErr(err error) {
	t.mu.Lock()
	t.BatchErr = err
	t.mu.Unlock()
}

// SetProbeErr sets the error returned by Probe.
func (t *Transport) SetProbeErr(err error) {
	t.mu.Lock()
	t.ProbeErr = err
	t.mu.Unlock()
}

// AddInbound queues messages for CheckMessages.
func (t *Transport) AddInbound(msgs ...map[string]any) {
	t.mu.Lock()
	t.inbound = append(t.inbound, msgs...)
	t.mu.Unlock()
}

// Published returns the messages sent one at a time.
func (t *Transport) Published() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]message.Message(nil), t.published...)
}

// Batches returns the batches sent.
func (t *Transport) Batches() [][]message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]message.Message(nil), t.batches...)
}

// Delivered returns every delivered message, batched or not.
func (t *Transport) Delivered() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]message.Message(nil), t.published...)
	for _, b := range t.batches {
		out = append(out, b...)
	}
	return out
}

// Probes returns how many probes were made.
func (t *Transport) Probes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Sampler is a batch.Sampler returning fixed usage.
type Sampler struct {
	mu    sync.Mutex
	usage batch.HostUsage
	err   error
}

var _ batch.Sampler = (*Sampler)(nil)

// NewSampler returns a sampler reporting cpu and mem percent.
func NewSampler(cpu, mem float64) *Sampler {
	return &Sampler{usage: batch.HostUsage{CPU: cpu, Memory: mem}}
}

// Sample implements batch.Sampler.
func (s *Sampler) Sample(ctx context.Context) (batch.HostUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.err
}

// Set changes the reported usage.
func (s *Sampler) Set(cpu, mem float64) {
	s.mu.Lock()
	s.usage = batch.HostUsage{CPU: cpu, Memory: mem}
	s.mu.Unlock()
}

// SetErr makes Sample fail.
func (s *Sampler) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
