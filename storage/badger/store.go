// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/tether/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const (
	msgPrefix = "msg/"
	expPrefix = "exp/"

	// Badger drops entries on its own ttlGrace after the logical expiry,
	// so rows survive until PurgeExpired has had a chance to run.
	ttlGrace = time.Minute

	gcInterval = 5 * time.Minute
)

// Store is a BadgerDB-backed offline message store.
//
// Key format:
//   - Row:          msg/{id}
//   - Expiry index: exp/{expiresAt:020d}/{id}
type Store struct {
	db  *badger.DB
	now func() time.Time

	// mu serializes every operation, matching the single-connection
	// semantics callers rely on.
	mu     sync.Mutex
	closed bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // Keep data in memory only; Dir must be empty
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}

	s := &Store{
		db:       db,
		now:      time.Now,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC(cfg.InMemory)

	return s, nil
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
	val, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// Replacing a row must not leave its old index key behind.
		if old, ok := s.readRow(txn, id); ok && old.ExpiresAt != row.ExpiresAt {
			if err := txn.Delete(expKey(old.ExpiresAt, id)); err != nil {
				return err
			}
		}
		life := ttl + ttlGrace
		if err := txn.SetEntry(badger.NewEntry(msgKey(id), val).WithTTL(life)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(expKey(row.ExpiresAt, id), nil).WithTTL(life))
	})
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
	var rows []storage.StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(msgPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			row, err := decodeItem(item)
			if err != nil {
				return err
			}
			if !row.Active(now) {
				continue
			}
			rows = append(rows, row)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offline messages: %w", err)
	}

	return rows, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if row, ok := s.readRow(txn, id); ok && row.ExpiresAt > 0 {
				if err := wb.Delete(expKey(row.ExpiresAt, id)); err != nil {
					return err
				}
			}
			if err := wb.Delete(msgKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete offline messages: %w", err)
	}

	return wb.Flush()
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

	var n int
	from := expKey(s.now().Unix(), "")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(expPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(from); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count offline messages: %w", err)
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

	cutoff := s.now().Unix()
	var expired [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(expPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, _, err := parseExpKey(key)
			if err != nil {
				return err
			}
			if ts >= cutoff {
				break
			}
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired messages: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range expired {
		_, id, _ := parseExpKey(key)
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(msgKey(id)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to purge expired messages: %w", err)
	}

	return len(expired), nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(inMemory bool) {
	defer close(s.gcDone)

	if inMemory {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means nothing was reclaimed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) readRow(txn *badger.Txn, id string) (storage.StoredMessage, bool) {
	item, err := txn.Get(msgKey(id))
	if err != nil {
		return storage.StoredMessage{}, false
	}
	row, err := decodeItem(item)
	if err != nil {
		return storage.StoredMessage{}, false
	}
	return row, true
}

// decodeItem reads a row. A row whose envelope cannot be decoded is still
// returned with its raw bytes as Data so the caller can discard it.
func decodeItem(item *badger.Item) (storage.StoredMessage, error) {
	id := strings.TrimPrefix(string(item.Key()), msgPrefix)

	val, err := item.ValueCopy(nil)
	if err != nil {
		return storage.StoredMessage{}, err
	}

	var row storage.StoredMessage
	if err := json.Unmarshal(val, &row); err != nil {
		row = storage.StoredMessage{Data: val}
		if exp := item.ExpiresAt(); exp > 0 {
			row.ExpiresAt = int64(exp) - int64(ttlGrace/time.Second)
		}
	}
	row.ID = id
	return row, nil
}

func msgKey(id string) []byte {
	return []byte(msgPrefix + id)
}

func expKey(expiresAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", expPrefix, expiresAt, id))
}

var errBadIndexKey = errors.New("malformed expiry index key")

func parseExpKey(key []byte) (int64, string, error) {
	rest := strings.TrimPrefix(string(key), expPrefix)
	tsPart, id, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", errBadIndexKey
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s", errBadIndexKey, key)
	}
	return ts, id, nil
}
