// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB with context-aware transaction helpers and
// periodic value-log garbage collection. The resolution cache is the only
// consumer; the wrapper exists so transaction discipline and GC scheduling
// live in one place.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log GC runs. Badger recommends periodic
// GC because it never reclaims space on its own.
const gcInterval = 10 * time.Minute

// gcDiscardRatio controls how aggressively GC rewrites value-log files.
// 0.5 rewrites files with at least half their space reclaimable.
const gcDiscardRatio = 0.5

// Config controls how the DB is opened.
type Config struct {
	// Path is the on-disk directory. Required.
	Path string

	// InMemory opens an ephemeral DB, for tests.
	InMemory bool

	// Logger receives open/close/GC diagnostics. May be nil.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{}
}

// DB is a BadgerDB handle with context-aware transaction helpers.
//
// Thread Safety: Safe for concurrent use. Badger transactions are
// per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger

	stopGC   chan struct{}
	gcDoneWG sync.WaitGroup

	closeOnce sync.Once
}

// OpenDB opens (or creates) the database at cfg.Path and starts the GC loop.
//
// Inputs:
//
//	cfg - Open configuration. Path required unless InMemory.
//
// Outputs:
//
//	*DB - The opened handle. Close must be called.
//	error - Non-nil when the directory cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := dgbadger.DefaultOptions(cfg.Path).
		WithLogger(nil). // badger's own logger is line-noise; slog covers it
		WithInMemory(cfg.InMemory)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}

	d := &DB{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	if !cfg.InMemory {
		d.gcDoneWG.Add(1)
		go d.runGC()
	}
	return d, nil
}

// runGC periodically runs value-log GC until Close.
func (d *DB) runGC() {
	defer d.gcDoneWG.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite is the normal "nothing to do" outcome.
			if err := d.db.RunValueLogGC(gcDiscardRatio); err != nil && err != dgbadger.ErrNoRewrite {
				d.logger.Warn("badger value-log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// WithTxn runs fn inside a read-write transaction.
//
// Description:
//
//	Checks ctx before starting; Badger transactions themselves are not
//	context-aware, so long-running fn bodies should check ctx too.
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

// Close stops the GC loop and closes the database. Idempotent.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stopGC)
		d.gcDoneWG.Wait()
		err = d.db.Close()
	})
	return err
}
