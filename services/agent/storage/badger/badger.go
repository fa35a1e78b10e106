// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance used for agent-local state,
// currently session records. BadgerDB is embedded, with no network call and
// no availability dependency, which is the right shape for service
// infrastructure that must work before any provider is reachable.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log garbage collector runs.
const gcInterval = 10 * time.Minute

// gcDiscardRatio is the minimum reclaimable fraction for a GC pass to rewrite
// a value-log file. BadgerDB's documented sane default.
const gcDiscardRatio = 0.5

// DB wraps a BadgerDB handle with context-aware transaction helpers and a
// background GC loop.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// Open opens (or creates) a BadgerDB at dir and starts the GC loop.
//
// # Inputs
//
//   - dir: Directory for the database files. Created if absent.
//   - logger: Logger for GC diagnostics. May be nil.
//
// # Outputs
//
//   - *DB: Open handle. Callers own the lifecycle and must Close.
//   - error: Non-nil if the directory cannot be created or opened.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	raw, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}

	db := &DB{db: raw, logger: logger, stopGC: make(chan struct{})}
	go db.gcLoop()
	return db, nil
}

// WithTxn runs fn inside a read-write transaction.
//
// The context is checked before the transaction starts; BadgerDB itself does
// not support mid-transaction cancellation.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close stops the GC loop and closes the underlying database.
func (d *DB) Close() error {
	close(d.stopGC)
	return d.db.Close()
}

// gcLoop periodically runs value-log GC. ErrNoRewrite is the normal
// "nothing to reclaim" outcome and is not logged.
func (d *DB) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && err != dgbadger.ErrNoRewrite {
				d.logger.Warn("badger value log GC failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
