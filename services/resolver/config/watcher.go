// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rulesReloadDebounce absorbs editor save storms (write + chmod + rename)
// into one reload.
const rulesReloadDebounce = 500 * time.Millisecond

// RulesReloadCallback is invoked with the new rules after a successful
// hot reload.
type RulesReloadCallback func(*MatchRules)

// RulesWatcher hot-reloads a match rules file on change.
//
// Description:
//
//	Watches one YAML file with fsnotify. On write or create the file is
//	re-parsed and re-validated; only a valid result replaces the cached
//	rules and fires callbacks. A broken edit leaves the previous rules in
//	effect and logs the validation error, so a typo never degrades
//	matching to no rules at all.
//
// Thread Safety: Safe for concurrent use.
type RulesWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	callbacks     []RulesReloadCallback
	debounceTimer *time.Timer

	closeOnce sync.Once
}

// NewRulesWatcher creates a watcher over the given rules file.
//
// Inputs:
//
//	path - Path to the YAML rules file. Must exist.
//
// Outputs:
//
//	*RulesWatcher - The watcher. Call Start to begin watching.
//	error - Non-nil if the fsnotify watcher cannot be created or the
//	        file cannot be watched.
func NewRulesWatcher(path string) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewRulesWatcher: creating fsnotify watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("NewRulesWatcher: watching %s: %w", path, err)
	}
	return &RulesWatcher{path: path, watcher: w}, nil
}

// OnReload registers a callback fired after each successful reload.
func (rw *RulesWatcher) OnReload(cb RulesReloadCallback) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.callbacks = append(rw.callbacks, cb)
}

// Start begins watching in a background goroutine. The goroutine exits
// when ctx is cancelled or the watcher is stopped.
func (rw *RulesWatcher) Start(ctx context.Context) {
	go rw.watchLoop(ctx)
}

// Stop stops watching. Safe to call more than once.
func (rw *RulesWatcher) Stop() error {
	var err error
	rw.closeOnce.Do(func() {
		err = rw.watcher.Close()
	})
	return err
}

func (rw *RulesWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				slog.Debug("match rules file changed",
					slog.String("file", event.Name),
					slog.String("op", event.Op.String()),
				)
				rw.scheduleReload(ctx)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("match rules watcher error", slog.String("error", err.Error()))
		}
	}
}

// scheduleReload debounces rapid file changes into one reload.
func (rw *RulesWatcher) scheduleReload(ctx context.Context) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.debounceTimer != nil {
		rw.debounceTimer.Stop()
	}
	rw.debounceTimer = time.AfterFunc(rulesReloadDebounce, func() {
		if err := rw.reload(ctx); err != nil {
			slog.Error("match rules reload failed, previous rules remain active",
				slog.String("file", rw.path),
				slog.String("error", err.Error()),
			)
		}
	})
}

// reload re-parses the rules file and, on success, replaces the cached
// rules and fires callbacks.
func (rw *RulesWatcher) reload(ctx context.Context) error {
	data, err := os.ReadFile(rw.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rw.path, err)
	}

	rules, err := LoadMatchRules(ctx, data)
	if err != nil {
		return err
	}

	SetMatchRules(rules)
	slog.Info("match rules reloaded",
		slog.String("file", rw.path),
		slog.Int("synonyms", len(rules.Synonyms)),
		slog.Int("forced_mappings", len(rules.ForcedMappings)),
	)

	rw.mu.Lock()
	callbacks := make([]RulesReloadCallback, len(rw.callbacks))
	copy(callbacks, rw.callbacks)
	rw.mu.Unlock()

	for _, cb := range callbacks {
		cb(rules)
	}
	return nil
}
