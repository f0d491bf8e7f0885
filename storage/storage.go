// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrClosed     = errors.New("store is closed")
	ErrEmptyID    = errors.New("message id cannot be empty")
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// DefaultTTL is how long undeliverable messages are kept.
const DefaultTTL = time.Hour

// StoredMessage is a row of the offline store.
type StoredMessage struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Tags      json.RawMessage `json:"tags,omitempty"`
	ExpiresAt int64           `json:"expires_at"`
}

// Active reports whether the row has not expired at now.
func (m StoredMessage) Active(now time.Time) bool {
	return m.ExpiresAt >= now.Unix()
}

// DecodeTags returns the stored tag list.
func (m StoredMessage) DecodeTags() ([]string, error) {
	if len(m.Tags) == 0 {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal(m.Tags, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of %s: %w", m.ID, err)
	}
	return tags, nil
}

// NewStoredMessage serializes data and tags into a row expiring ttl after now.
func NewStoredMessage(id string, data any, tags []string, ttl time.Duration, now time.Time) (StoredMessage, error) {
	if id == "" {
		return StoredMessage{}, ErrEmptyID
	}
	if ttl <= 0 {
		return StoredMessage{}, ErrInvalidTTL
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("failed to marshal data: %w", err)
	}

	m := StoredMessage{
		ID:        id,
		Data:      raw,
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if len(tags) > 0 {
		if m.Tags, err = json.Marshal(tags); err != nil {
			return StoredMessage{}, fmt.Errorf("failed to marshal tags: %w", err)
		}
	}
	return m, nil
}

// Store is a durable keyed buffer for messages that could not be delivered.
// Implementations serialize every operation.
type Store interface {
	// Store inserts a message expiring ttl from now.
	Store(ctx context.Context, id string, data any, tags []string, ttl time.Duration) error

	// ListActive returns non-expired rows ordered by id. A limit <= 0 returns all.
	ListActive(ctx context.Context, limit int) ([]StoredMessage, error)

	// Delete removes the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of non-expired rows.
	Count(ctx context.Context) (int, error)

	// PurgeExpired removes expired rows and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)

	// Close releases the underlying resources.
	Close() error
}
