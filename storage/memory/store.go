// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/tether/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is an in-memory offline store. Rows do not survive a restart.
type Store struct {
	mu     sync.Mutex
	rows   map[string]storage.StoredMessage
	closed bool
	now    func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows: make(map[string]storage.StoredMessage),
		now:  time.Now,
	}
}

// Store implements storage.Store.
func (s *Store) Store(ctx context.Context, id string, data any, tags []string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	row, err := storage.NewStoredMessage(id, data, tags, ttl, s.now())
	if err != nil {
		return err
	}
	s.rows[id] = row
	return nil
}

// Put inserts a prepared row as is.
func (s *Store) Put(row storage.StoredMessage) error {
	if row.ID == "" {
		return storage.ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.rows[row.ID] = row
	return nil
}

// ListActive implements storage.Store.
func (s *Store) ListActive(ctx context.Context, limit int) ([]storage.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	now := s.now()
	rows := make([]storage.StoredMessage, 0, len(s.rows))
	for _, row := range s.rows {
		if row.Active(now) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

// Count implements storage.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	now := s.now()
	n := 0
	for _, row := range s.rows {
		if row.Active(now) {
			n++
		}
	}
	return n, nil
}

// PurgeExpired implements storage.Store.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	now := s.now()
	n := 0
	for id, row := range s.rows {
		if !row.Active(now) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Close marks the store closed and drops its rows.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.rows = nil
	return nil
}
