// Copyright 2024 The Seafowl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package writer implements Component E, the table writer gateway of
// spec.md §4.E. No Go-native Delta Lake or Iceberg client exists in the
// retrieved example corpus, so TableFormat is kept abstract and backed
// here by an object-store implementation grounded on Tessera's
// conditional-write commit protocol (storage-aws's setObjectIfNoneMatch
// / sequencer pattern), generalized from a transparency-log append-only
// tree to a mutable table version pointer.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/seafowldb/seafowl/internal/metrics"
	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// ColumnType is a coarse value type used for the gateway's schema
// compatibility check; it does not need to capture every type a real
// table format supports, only enough to detect incompatible rewrites.
type ColumnType int

// The column types the gateway can reconcile.
const (
	TypeUnknown ColumnType = iota
	TypeString
	TypeInt64
	TypeFloat64
	TypeBool
	TypeBinary
	TypeTimestamp
)

// Schema is a table's column-name-to-type map.
type Schema map[string]ColumnType

// TableState is a table format's durable pointer: the current schema,
// an opaque version token for optimistic concurrency, and the
// commit-embedded origin sequence map the sequence tracker recovers
// from (spec.md §4.F).
type TableState struct {
	Schema    Schema
	Version   uint64
	ETag      string
	OriginSeq map[string]uint64
}

// TableFormat is the abstract interface a concrete open table format
// implements. A real Delta Lake or Iceberg binding would satisfy this
// the same way ObjectStoreFormat does here.
type TableFormat interface {
	// Open resolves the table's current state, creating it empty with
	// schema inferred from the first commit if it does not yet exist.
	Open(ctx context.Context, target syncmodel.TargetIdent) (*TableState, error)

	// Commit applies batches as one atomic version advance from
	// expected (read earlier via Open or a prior failed Commit),
	// embedding originSeq as commit metadata. Returns a *syncerr.Error
	// of KindCommitConflict if expected is stale.
	Commit(ctx context.Context, target syncmodel.TargetIdent, expected *TableState, batches []syncmodel.SquashedBatch, originSeq map[string]uint64) (*TableState, error)
}

// Config holds the commit.* settings from spec.md §6.
type Config struct {
	Deadline        time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BackoffFactor   float64
	MaxCommitRetry  int
}

// Gateway is Component E: it owns the per-table single-writer token
// (spec.md §5) around a TableFormat implementation.
type Gateway struct {
	format TableFormat
	cfg    Config

	mu      sync.Mutex
	tokens  map[string]*sync.Mutex
	writing map[string]bool
}

// New constructs a Gateway over format.
func New(format TableFormat, cfg Config) *Gateway {
	if cfg.MaxCommitRetry <= 0 {
		cfg.MaxCommitRetry = 5
	}
	return &Gateway{
		format:  format,
		cfg:     cfg,
		tokens:  make(map[string]*sync.Mutex),
		writing: make(map[string]bool),
	}
}

func (g *Gateway) tokenFor(target syncmodel.TargetIdent) *sync.Mutex {
	k := target.Key()
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.tokens[k]
	if !ok {
		tok = &sync.Mutex{}
		g.tokens[k] = tok
	}
	return tok
}

// InFlight reports whether target currently has an in-flight commit,
// satisfying flush.WriterTokens.
func (g *Gateway) InFlight(target syncmodel.TargetIdent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writing[target.Key()]
}

// Commit acquires target's single-writer token, opens the table,
// validates schema compatibility, and commits batches, retrying
// CommitConflict by re-reading the latest version up to cfg.MaxCommitRetry
// times with exponential backoff (spec.md §4.E, §6 commit.backoff).
func (g *Gateway) Commit(ctx context.Context, target syncmodel.TargetIdent, batches []syncmodel.SquashedBatch, originSeq map[string]uint64) (*TableState, error) {
	tok := g.tokenFor(target)
	tok.Lock()
	defer tok.Unlock()

	g.mu.Lock()
	g.writing[target.Key()] = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.writing, target.Key())
		g.mu.Unlock()
	}()

	if g.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Deadline)
		defer cancel()
	}

	backoff := g.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxCommitRetry; attempt++ {
		state, err := g.format.Open(ctx, target)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindIO, err, "open table")
		}

		if err := checkSchemaCompatibility(state.Schema, batches); err != nil {
			return nil, err
		}

		start := time.Now()
		next, err := g.format.Commit(ctx, target, state, batches, mergeSeqMaps(state.OriginSeq, originSeq))
		metrics.FlushDurations.WithLabelValues(target.TablePath, target.Store.Name).Observe(time.Since(start).Seconds())

		if err == nil {
			return next, nil
		}

		lastErr = err
		if se, ok := syncerr.As(err); ok && se.Kind() == syncerr.KindCommitConflict {
			metrics.CommitConflicts.WithLabelValues(target.TablePath, target.Store.Name).Inc()
			select {
			case <-ctx.Done():
				metrics.FlushErrors.WithLabelValues(target.TablePath, target.Store.Name).Inc()
				return nil, syncerr.Wrap(syncerr.KindIO, ctx.Err(), "commit deadline exceeded during conflict retry")
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, g.cfg.BackoffMax, g.cfg.BackoffFactor)
			continue
		}

		metrics.FlushErrors.WithLabelValues(target.TablePath, target.Store.Name).Inc()
		return nil, err
	}

	metrics.FlushErrors.WithLabelValues(target.TablePath, target.Store.Name).Inc()
	return nil, syncerr.Wrap(syncerr.KindCommitConflict, lastErr, "exhausted commit retries")
}

func nextBackoff(cur, max time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		factor = 2
	}
	next := time.Duration(float64(cur) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}

func mergeSeqMaps(base, extra map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if prev, ok := out[k]; !ok || v > prev {
			out[k] = v
		}
	}
	return out
}

// checkSchemaCompatibility validates every column touched by batches
// against the table's recorded schema. A column absent from the schema
// is treated as a schema-evolution addition (always permitted here;
// TableFormat implementations that cannot evolve should reject it
// themselves inside Commit). A column present under an incompatible
// type fails with KindSchemaConflict.
func checkSchemaCompatibility(schema Schema, batches []syncmodel.SquashedBatch) error {
	for _, b := range batches {
		for _, c := range b.Changes {
			for col, v := range c.Payload {
				want, ok := schema[col]
				if !ok {
					continue
				}
				if got := inferType(v); got != TypeUnknown && got != want {
					return syncerr.Newf(syncerr.KindSchemaConflict,
						"column %q: table has type %d, batch carries %d", col, want, got)
				}
			}
		}
	}
	return nil
}

func inferType(v any) ColumnType {
	switch v.(type) {
	case string:
		return TypeString
	case []byte:
		return TypeBinary
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt64
	case float32, float64:
		return TypeFloat64
	default:
		return TypeUnknown
	}
}
