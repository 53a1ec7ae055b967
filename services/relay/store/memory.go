// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local SharedStore.
//
// Description:
//
//	Entries live in a map guarded by a single mutex. Expiry is lazy:
//	an expired entry is treated as absent on access and removed then.
//	Time comes from the configured Clock so tests can step TTLs
//	deterministically.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	clock   Clock
	closed  bool
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryStore{
		entries: make(map[string]memEntry),
		clock:   clock,
	}
}

// lookup returns the live entry for key. Caller holds mu.
func (m *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(m.clock.Now()) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// Get implements SharedStore.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements SharedStore.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = memEntry{value: v, expiresAt: m.deadline(ttl)}
	return nil
}

// SetNX implements SharedStore.
func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = memEntry{value: v, expiresAt: m.deadline(ttl)}
	return true, nil
}

// IncrBy implements SharedStore.
func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	e, _ := m.lookup(key)
	n, err := decodeInt(e.value)
	if err != nil {
		return 0, err
	}
	n += delta
	m.entries[key] = memEntry{value: encodeInt(n), expiresAt: e.expiresAt}
	return n, nil
}

// Commit implements SharedStore.
//
// Writes are staged against a scratch view under the lock and copied in
// only after every op succeeded.
func (m *MemoryStore) Commit(_ context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	staged := make(map[string]memEntry, len(b.ops))
	for _, op := range b.ops {
		if !op.incr {
			v := make([]byte, len(op.value))
			copy(v, op.value)
			staged[op.key] = memEntry{value: v, expiresAt: m.deadline(op.ttl)}
			continue
		}
		e, ok := staged[op.key]
		if !ok {
			e, _ = m.lookup(op.key)
		}
		n, err := decodeInt(e.value)
		if err != nil {
			return err
		}
		staged[op.key] = memEntry{value: encodeInt(n + op.delta), expiresAt: e.expiresAt}
	}
	for k, e := range staged {
		m.entries[k] = e
	}
	return nil
}

// Expire implements SharedStore.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.deadline(ttl)
	m.entries[key] = e
	return true, nil
}

// Delete implements SharedStore.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Keys implements SharedStore.
func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	now := m.clock.Now()
	var out []string
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Ping implements SharedStore.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

// Close implements SharedStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

// Len returns the number of stored entries, including any not yet
// lazily expired.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
