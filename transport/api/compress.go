// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the Content-Encoding of batch bodies.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return c, nil
	case "none":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", s)
	}
}

type encoder struct {
	kind Compression
	zstd *zstd.Encoder
}

func newEncoder(kind Compression) (*encoder, error) {
	kind, err := ParseCompression(string(kind))
	if err != nil {
		return nil, err
	}

	e := &encoder{kind: kind}
	if kind == CompressionZstd {
		// EncodeAll is safe for concurrent use.
		e.zstd, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	return e, nil
}

// encode returns the compressed body and its Content-Encoding.
func (e *encoder) encode(data []byte) ([]byte, string, error) {
	switch e.kind {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, "", fmt.Errorf("failed to gzip body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to gzip body: %w", err)
		}
		return buf.Bytes(), string(CompressionGzip), nil

	case CompressionZstd:
		return e.zstd.EncodeAll(data, nil), string(CompressionZstd), nil

	default:
		return data, "", nil
	}
}
