// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrMissingAPIKey    = errors.New("no api key provided and TENDRL_KEY is not set")
	ErrInvalidMode      = errors.New("invalid mode (must be api or agent)")
	ErrInvalidBatchSize = errors.New("batch sizes must satisfy 0 < min <= max")
	ErrInvalidInterval  = errors.New("batch intervals must satisfy 0 < min <= max")
	ErrInvalidTargets   = errors.New("cpu and memory targets must be in (0, 100]")
	ErrInvalidQueueSize = errors.New("max queue size must be positive")

	// Operation errors.
	ErrQueueFull      = errors.New("message queue is full")
	ErrClientClosed   = errors.New("client has been closed")
	ErrAlreadyStarted = errors.New("client already started")
	ErrNoStore        = errors.New("offline storage is not configured")
)
