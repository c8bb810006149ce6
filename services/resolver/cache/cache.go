// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

// =============================================================================
// Resolution Cache: Placeholder Signature Persistence
// =============================================================================
//
// Field matching and query generation for a given placeholder are expensive
// (one or more completion calls) but deterministic for identical inputs.
// This cache persists the winning mapping and validated instructions keyed
// by (placeholder signature, data source id) so repeated reports skip
// regeneration.
//
// Design choices:
//
//	1. BadgerDB: cache entries are service infrastructure, not user data.
//	   Embedded storage means no network dependency and ~100µs access.
//
//	2. Signature hash as key: SHA256(placeholder signature + source id +
//	   schema digest). A schema change produces a different digest, so
//	   stale mappings become unreachable without explicit invalidation.
//
//	3. Badger native TTL: expiry is enforced by Badger's GC. Expired keys
//	   return ErrKeyNotFound, which the store treats as a miss.
//
//	4. Correctness never depends on the cache: every consumer handles nil
//	   stores and misses by regenerating.
//
// Storage layout:
//
//	resolve/v1/{signatureHash}  →  JSON-encoded Entry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
	badgerstore "github.com/AleutianAI/meridian/services/resolver/storage/badger"
)

// defaultTTL is the lifetime of a cached resolution. Report templates are
// re-run on daily and weekly cadences; 7 days covers both without letting
// entries outlive schema churn indefinitely.
const defaultTTL = 7 * 24 * time.Hour

// keyPrefix is prepended to the signature hash. Versioned to allow format
// changes without collision.
const keyPrefix = "resolve/v1/"

// errMiss distinguishes "key not found" from a storage error internally.
var errMiss = errors.New("cache miss")

// =============================================================================
// Entry and Key
// =============================================================================

// Entry is the cached product of a successful resolution: the winning field
// mapping and the validated instructions that produced a result.
type Entry struct {
	// Mapping is the field mapping the matcher settled on.
	Mapping datatypes.FieldMapping `json:"mapping"`

	// Instructions are the validated ETL instructions.
	Instructions datatypes.ETLInstructions `json:"instructions"`

	// Strategy records which path generated the instructions.
	Strategy datatypes.GenerationStrategy `json:"strategy"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// Key computes the cache key for a placeholder against a data source.
//
// Description:
//
//	SHA256 over the placeholder signature, the source id, and a digest of
//	the schema the mapping was computed against. Field names are sorted so
//	column ordering changes do not invalidate entries, but any rename or
//	addition does.
//
// Thread Safety: Stateless. Safe for concurrent use.
func Key(p datatypes.Placeholder, sourceID string, schema []datatypes.TableSchema) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", p.Signature(), sourceID)

	var fields []string
	for _, t := range schema {
		for _, f := range t.Fields {
			fields = append(fields, strings.ToLower(t.Name)+"."+strings.ToLower(f.Name))
		}
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(h, "%s\n", f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// ResolutionCache Interface
// =============================================================================

// ResolutionCache persists resolution products across service restarts.
//
// # Description
//
// Both methods are nil-receiver tolerant at the call sites: the engine
// checks for a nil ResolutionCache and skips caching entirely. Misses are
// (nil, nil), never an error; a storage failure on the read path is also
// degraded to a miss by implementations, because regeneration is always
// available and strictly better than failing the resolution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ResolutionCache interface {
	// Get retrieves the entry for key. Returns (nil, nil) on miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set persists the entry under key with the store's TTL.
	Set(ctx context.Context, key string, entry Entry) error
}

// =============================================================================
// BadgerCache
// =============================================================================

// BadgerCache implements ResolutionCache backed by a shared BadgerDB handle.
//
// The DB is opened in main and owned by the caller; this store never
// closes it.
//
// Thread Safety: Safe for concurrent use.
type BadgerCache struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerCache creates a BadgerCache on the given DB.
//
// Inputs:
//
//	db - Opened DB wrapper. Must not be nil.
//	ttl - Entry lifetime. Zero uses the default (7 days).
//	logger - Logger for hit/miss diagnostics. May be nil.
func NewBadgerCache(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerCache {
	if db == nil {
		panic("NewBadgerCache: db must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerCache{db: db, ttl: ttl, logger: logger}
}

// Get retrieves the cached entry for key.
//
// Returns (nil, nil) on miss or decode failure; a corrupt entry is treated
// as a miss and will be overwritten by the next Set.
func (c *BadgerCache) Get(ctx context.Context, key string) (*Entry, error) {
	var raw []byte
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(cacheKey(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errMiss) {
		c.logger.Debug("resolution cache: miss", slog.String("key", shortKey(key)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolution cache load: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("resolution cache: corrupt entry, treating as miss",
			slog.String("key", shortKey(key)),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	c.logger.Debug("resolution cache: hit",
		slog.String("key", shortKey(key)),
		slog.String("strategy", string(entry.Strategy)),
	)
	return &entry, nil
}

// Set persists entry under key with the configured TTL.
func (c *BadgerCache) Set(ctx context.Context, key string, entry Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("resolution cache encode: %w", err)
	}

	err = c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		e := dgbadger.NewEntry(cacheKey(key), raw).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("resolution cache save: %w", err)
	}

	c.logger.Debug("resolution cache: saved",
		slog.String("key", shortKey(key)),
		slog.Duration("ttl", c.ttl),
	)
	return nil
}

// cacheKey builds the Badger key for a signature hash.
func cacheKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// shortKey returns a log-friendly key prefix.
func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8] + "..."
	}
	return k
}
