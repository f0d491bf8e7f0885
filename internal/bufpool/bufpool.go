// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Batches of a hundred messages stay well below this.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool unless it grew too large to keep.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// EncodeJSON encodes v into a pooled buffer without the trailing newline
// json.Encoder adds. The caller must Put the buffer back.
func EncodeJSON(v any) (*bytes.Buffer, error) {
	b := Get()
	if err := json.NewEncoder(b).Encode(v); err != nil {
		Put(b)
		return nil, err
	}
	if n := b.Len(); n > 0 && b.Bytes()[n-1] == '\n' {
		b.Truncate(n - 1)
	}
	return b, nil
}
