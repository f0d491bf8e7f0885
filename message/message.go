// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the wire timestamp format: UTC with millisecond precision
// and an explicit +00:00 offset.
const TimestampLayout = "2006-01-02T15:04:05.000-07:00"

// Formatter errors.
var (
	ErrInvalidPayload = errors.New("payload must be text or a structured mapping")
	ErrInvalidType    = errors.New("invalid message type")
	ErrMalformed      = errors.New("malformed message")
)

// MsgType identifies the kind of message sent to the collection service.
type MsgType string

// Message types.
const (
	TypePublish       MsgType = "publish"
	TypeHeartbeat     MsgType = "heartbeat"
	TypeServerCmdReq  MsgType = "server_cmd_req"
	TypeClientCmdResp MsgType = "client_cmd_resp"
)

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	switch t {
	case TypePublish, TypeHeartbeat, TypeServerCmdReq, TypeClientCmdResp:
		return true
	default:
		return false
	}
}

// Context carries optional routing hints.
type Context struct {
	Tags []string `json:"tags,omitempty"`
	Wait bool     `json:"wait,omitempty"`
}

// IsZero reports whether the context carries nothing worth sending.
func (c Context) IsZero() bool {
	return len(c.Tags) == 0 && !c.Wait
}

// Message is the canonical unit of telemetry.
type Message struct {
	Type      MsgType
	Data      Payload
	Context   Context
	Dest      string
	Timestamp string
}

// wireMessage is the JSON shape. Every field is omitted when empty because
// the service distinguishes absent fields from null ones.
type wireMessage struct {
	MsgType   MsgType  `json:"msg_type,omitempty"`
	Data      *Payload `json:"data,omitempty"`
	Context   *Context `json:"context,omitempty"`
	Dest      string   `json:"dest,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Wait reports whether the sender blocks until the message is delivered.
func (m Message) Wait() bool {
	return m.Context.Wait
}

// MarshalJSON encodes m dropping every empty field.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		MsgType:   m.Type,
		Dest:      m.Dest,
		Timestamp: m.Timestamp,
	}
	if !m.Data.IsZero() {
		data := m.Data
		w.Data = &data
	}
	if !m.Context.IsZero() {
		ctx := m.Context
		w.Context = &ctx
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	*m = Message{
		Type:      w.MsgType,
		Dest:      w.Dest,
		Timestamp: w.Timestamp,
	}
	if w.Data != nil {
		m.Data = *w.Data
	}
	if w.Context != nil {
		m.Context = *w.Context
	}
	return nil
}

// Option configures Make.
type Option func(*options)

type options struct {
	tags      []string
	entity    string
	timestamp time.Time
	wait      bool
}

// WithTags attaches tags to the message context.
func WithTags(tags ...string) Option {
	return func(o *options) {
		o.tags = tags
	}
}

// WithEntity addresses the message to a destination entity.
func WithEntity(entity string) Option {
	return func(o *options) {
		o.entity = entity
	}
}

// WithTimestamp overrides the default current time.
func WithTimestamp(ts time.Time) Option {
	return func(o *options) {
		o.timestamp = ts
	}
}

// WithWaitResponse asks the receiver to acknowledge delivery.
// It has no effect when an entity destination is set.
func WithWaitResponse(wait bool) Option {
	return func(o *options) {
		o.wait = wait
	}
}

// Make builds a canonical message from data, which must be a string,
// a map[string]any, a Payload, or a value encoding to a JSON object.
func Make(data any, msgType MsgType, opts ...Option) (Message, error) {
	if !msgType.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidType, msgType)
	}
	payload, err := NewPayload(data)
	if err != nil {
		return Message{}, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := Message{
		Type: msgType,
		Data: payload,
		Dest: o.entity,
	}
	if len(o.tags) > 0 {
		m.Context.Tags = append([]string(nil), o.tags...)
	}
	if o.wait && o.entity == "" {
		m.Context.Wait = true
	}

	ts := o.timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m.Timestamp = FormatTimestamp(ts)

	return m, nil
}

// FormatTimestamp renders ts in the wire format.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}
