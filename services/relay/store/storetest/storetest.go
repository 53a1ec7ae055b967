// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest provides SharedStore doubles for tests.
package storetest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// Unavailable is a SharedStore whose every operation fails with
// store.ErrUnavailable.
type Unavailable struct {
	calls atomic.Int64
}

// Calls returns how many operations were attempted.
func (u *Unavailable) Calls() int64 { return u.calls.Load() }

func (u *Unavailable) fail() error {
	u.calls.Add(1)
	return store.ErrUnavailable
}

func (u *Unavailable) Get(context.Context, string) ([]byte, error) { return nil, u.fail() }

func (u *Unavailable) Set(context.Context, string, []byte, time.Duration) error { return u.fail() }

func (u *Unavailable) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, u.fail()
}

func (u *Unavailable) IncrBy(context.Context, string, int64) (int64, error) { return 0, u.fail() }

func (u *Unavailable) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, u.fail()
}

func (u *Unavailable) Commit(context.Context, *store.Batch) error { return u.fail() }
func (u *Unavailable) Delete(context.Context, ...string) error { return u.fail() }

func (u *Unavailable) Keys(context.Context, string) ([]string, error) { return nil, u.fail() }

func (u *Unavailable) Ping(context.Context) error { return u.fail() }

func (u *Unavailable) Close() error { return nil }

// Switchable wraps a SharedStore and can be taken offline.
type Switchable struct {
	store.SharedStore
	down atomic.Bool
}

// NewSwitchable wraps inner; it starts online.
func NewSwitchable(inner store.SharedStore) *Switchable {
	return &Switchable{SharedStore: inner}
}

// SetDown takes the store offline (true) or brings it back (false).
func (s *Switchable) SetDown(down bool) { s.down.Store(down) }

func (s *Switchable) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down.Load() {
		return nil, store.ErrUnavailable
	}
	return s.SharedStore.Get(ctx, key)
}

func (s *Switchable) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.down.Load() {
		return store.ErrUnavailable
	}
	return s.SharedStore.Set(ctx, key, value, ttl)
}

func (s *Switchable) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.down.Load() {
		return false, store.ErrUnavailable
	}
	return s.SharedStore.SetNX(ctx, key, value, ttl)
}

func (s *Switchable) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if s.down.Load() {
		return 0, store.ErrUnavailable
	}
	return s.SharedStore.IncrBy(ctx, key, delta)
}

func (s *Switchable) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.down.Load() {
		return false, store.ErrUnavailable
	}
	return s.SharedStore.Expire(ctx, key, ttl)
}

func (s *Switchable) Commit(ctx context.Context, b *store.Batch) error {
	if s.down.Load() {
		return store.ErrUnavailable
	}
	return s.SharedStore.Commit(ctx, b)
}

func (s *Switchable) Delete(ctx context.Context, keys ...string) error {
	if s.down.Load() {
		return store.ErrUnavailable
	}
	return s.SharedStore.Delete(ctx, keys...)
}

func (s *Switchable) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.down.Load() {
		return nil, store.ErrUnavailable
	}
	return s.SharedStore.Keys(ctx, prefix)
}

func (s *Switchable) Ping(ctx context.Context) error {
	if s.down.Load() {
		return store.ErrUnavailable
	}
	return s.SharedStore.Ping(ctx)
}
