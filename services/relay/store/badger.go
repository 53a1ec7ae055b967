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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxTxnRetries bounds optimistic transaction retries on write conflicts.
const maxTxnRetries = 16

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB internal logs and GC events.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable. Ignored for in-memory stores.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults.
//
// Description:
//
//	SyncWrites enabled, 5-minute GC interval, 50% discard ratio.
//	Path must still be set by the caller.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a SharedStore backed by an embedded BadgerDB.
//
// Description:
//
//	Counters are stored as decimal strings. IncrBy and SetNX run inside
//	optimistic transactions and retry on badger.ErrConflict, so concurrent
//	writers never lose an increment. TTLs use BadgerDB's native entry
//	expiry (second granularity).
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC   chan struct{}
	gcDone   chan struct{}
	stopOnce sync.Once
}

// OpenBadgerStore opens a BadgerStore with the given configuration.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
			cfg.GCDiscardRatio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// wrap classifies a BadgerDB error.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotInteger) {
		return err
	}
	return fmt.Errorf("%w: badger %s: %v", ErrUnavailable, op, err)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func entryWithTTL(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get implements SharedStore.
func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, wrap("get", err)
	}
	return out, nil
}

// Set implements SharedStore.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrap("set", s.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entryWithTTL(key, value, ttl))
	}))
}

// SetNX implements SharedStore.
func (s *BadgerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var written bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		written = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(entryWithTTL(key, value, ttl)); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, wrap("setnx", err)
	}
	return written, nil
}

// IncrBy implements SharedStore.
func (s *BadgerStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var result int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		var current int64
		var expiresAt uint64
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if current, err = decodeInt(raw); err != nil {
				return err
			}
			expiresAt = item.ExpiresAt()
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		result = current + delta
		e := badger.NewEntry([]byte(key), encodeInt(result))
		e.ExpiresAt = expiresAt
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, wrap("incrby", err)
	}
	return result, nil
}

// Commit implements SharedStore. The whole batch is one transaction.
func (s *BadgerStore) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return wrap("commit", s.update(ctx, func(txn *badger.Txn) error {
		for _, op := range b.ops {
			if !op.incr {
				if err := txn.SetEntry(entryWithTTL(op.key, op.value, op.ttl)); err != nil {
					return err
				}
				continue
			}
			var current int64
			var expiresAt uint64
			item, err := txn.Get([]byte(op.key))
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if current, err = decodeInt(raw); err != nil {
					return err
				}
				expiresAt = item.ExpiresAt()
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			e := badger.NewEntry([]byte(op.key), encodeInt(current+op.delta))
			e.ExpiresAt = expiresAt
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Expire implements SharedStore.
func (s *BadgerStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var found bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return txn.SetEntry(entryWithTTL(key, raw, ttl))
	})
	if err != nil {
		return false, wrap("expire", err)
	}
	return found, nil
}

// Delete implements SharedStore.
func (s *BadgerStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("delete", s.update(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Keys implements SharedStore.
func (s *BadgerStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("keys", err)
	}
	return out, nil
}

// Ping implements SharedStore.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger closed", ErrUnavailable)
	}
	return nil
}

// Close stops the GC loop and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}
