// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the shared key/value substrate used by every relay
// instance for cross-instance state.
//
// Edge statistics, breaker counters, the second route cache tier and
// experiment aggregates all live in a SharedStore. The contract is the
// minimal set a Redis-like store offers:
//
//	Get / Set(ttl) / SetNX(ttl) / IncrBy / Expire / Delete / Keys(prefix)
//	Commit(batch)  - several Set/IncrBy writes applied all-or-nothing
//
// Two implementations are provided:
//
//	MemoryStore  - process-local map with lazy TTL, for tests and single-node use
//	BadgerStore  - embedded BadgerDB with native TTL, for persistent deployments
//
// Callers never coordinate through in-process locks across instances. All
// mutation goes through IncrBy or SetNX, which are atomic per key, or
// through Commit when several keys must move together.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable indicates the store cannot be reached.
	//
	// Components recover locally from this error (prior probability,
	// breaker closed, cache miss) and report it through a Reporter.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrNotInteger is returned by IncrBy when the existing value is not
	// a decimal integer.
	ErrNotInteger = errors.New("store: value is not an integer")
)

// =============================================================================
// Interface
// =============================================================================

// SharedStore is an atomic key/value store with per-key TTL.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SharedStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key does not exist.
	// Returns true if the value was written.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta to the integer at key and returns the
	// new value. A missing key counts as 0. An existing TTL is preserved.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a TTL on an existing key. Returns false if key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Commit applies every write in b in order, atomically. On error
	// none of them is visible. An empty batch is a no-op.
	Commit(ctx context.Context, b *Batch) error

	// Keys lists live keys with the given prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. Subsequent calls return ErrUnavailable.
	Close() error
}

// =============================================================================
// Batch
// =============================================================================

// Batch collects Set and IncrBy writes for Commit.
//
// Thread Safety: Not safe for concurrent use. Build it on one goroutine
// and hand it to Commit.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	key   string
	value []byte
	ttl   time.Duration
	delta int64
	incr  bool
}

// Set queues a Set write. A ttl <= 0 means no expiry.
func (b *Batch) Set(key string, value []byte, ttl time.Duration) *Batch {
	b.ops = append(b.ops, batchOp{key: key, value: value, ttl: ttl})
	return b
}

// IncrBy queues an increment. A missing key counts as 0 and an existing
// TTL is preserved, as with SharedStore.IncrBy.
func (b *Batch) IncrBy(key string, delta int64) *Batch {
	b.ops = append(b.ops, batchOp{key: key, delta: delta, incr: true})
	return b
}

// Len returns the number of queued writes.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// =============================================================================
// Helpers
// =============================================================================

// GetInt reads an integer counter. A missing key reads as 0.
func GetInt(ctx context.Context, s SharedStore, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

func encodeInt(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

func decodeInt(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}
