// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger persists resolved conflicts in an embedded BadgerDB.
//
// The archive survives restarts, unlike the engine's in-memory resolved
// set, and is the backing store for resolved-conflict queries over the
// HTTP API. Keys are "conflict/<project_id>/<conflict_id>" so per-project
// queries are a prefix scan.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
)

const keyPrefix = "conflict/"

// Config holds configuration for the conflict archive.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// Logger is used for BadgerDB's internal logging. If nil, internal
	// logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for testing: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a durable archive of resolved conflicts. It satisfies the
// conflict engine's Archiver interface.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	db       *badger.DB
	cfg      Config
	done     chan struct{}
	stopOnce sync.Once
}

// Open opens the archive, creating the directory if needed, and starts
// the GC loop when an interval is configured. Caller must Close.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open conflict archive: %w", err)
	}

	s := &Store{db: db, cfg: cfg, done: make(chan struct{})}
	if cfg.GCInterval > 0 {
		go s.gcLoop()
	}
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

// Archive persists a resolved conflict. Unresolved conflicts are
// rejected; the archive only holds final outcomes.
func (s *Store) Archive(ctx context.Context, info *conflict.Info) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	if !info.Resolved() {
		return fmt.Errorf("conflict %s is not resolved", info.ConflictID)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal conflict %s: %w", info.ConflictID, err)
	}
	key := archiveKey(info.ProjectID, info.ConflictID)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("archive conflict %s: %w", info.ConflictID, err)
	}
	return nil
}

// Resolved returns the archived conflicts for a project, unordered.
func (s *Store) Resolved(ctx context.Context, projectID string) ([]*conflict.Info, error) {
	if ctx == nil {
		return nil, errors.New("context must not be nil")
	}

	prefix := []byte(keyPrefix + projectID + "/")
	var out []*conflict.Info

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var info conflict.Info
				if err := json.Unmarshal(val, &info); err != nil {
					return fmt.Errorf("unmarshal %s: %w", it.Item().Key(), err)
				}
				out = append(out, &info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive for project %s: %w", projectID, err)
	}
	return out, nil
}

// Get returns one archived conflict or nil when absent.
func (s *Store) Get(ctx context.Context, projectID, conflictID string) (*conflict.Info, error) {
	if ctx == nil {
		return nil, errors.New("context must not be nil")
	}

	var info *conflict.Info
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey(projectID, conflictID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			info = &conflict.Info{}
			return json.Unmarshal(val, info)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read archived conflict %s: %w", conflictID, err)
	}
	return info, nil
}

func archiveKey(projectID, conflictID string) []byte {
	return []byte(keyPrefix + projectID + "/" + conflictID)
}

// gcLoop periodically triggers value log garbage collection. Badger
// returns ErrNoRewrite when there is nothing to collect; that is not an
// error worth logging.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
				if err != nil {
					break
				}
			}
		}
	}
}
