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

// Package watermark implements Component F, the process-wide sequence
// tracker of spec.md §4.F. It is the plain-uint64 generalization of the
// teacher's hybrid-logical-clock resolved-timestamp bookkeeping in
// resolver.go (Mark, nextProposedStamp): one monotonic pair per origin
// instead of one HLC per schema.
package watermark

import (
	"context"
	"sync"

	"github.com/seafowldb/seafowl/internal/syncerr"
)

// Snapshot is the pair returned to clients building a sync response.
type Snapshot struct {
	MemorySeq  *uint64
	DurableSeq *uint64
}

type perOrigin struct {
	memory  uint64
	durable uint64
	has     bool
}

// Tracker is Component F. One RWMutex guards every origin's state.
type Tracker struct {
	mu      sync.RWMutex
	origins map[string]*perOrigin
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{origins: make(map[string]*perOrigin)}
}

func (t *Tracker) entry(origin string) *perOrigin {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.origins[origin]
	if !ok {
		e = &perOrigin{}
		t.origins[origin] = e
	}
	return e
}

// NoteInMemory advances memory_seq[origin] if seq is greater than the
// current value.
func (t *Tracker) NoteInMemory(origin string, seq uint64) {
	e := t.entry(origin)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !e.has || seq > e.memory {
		e.memory = seq
		e.has = true
	}
}

// NoteDurable advances durable_seq[origin] if seq is greater than the
// current value. It returns a KindFatal error if seq would exceed
// memory_seq, since durable_seq ≤ memory_seq is an engine invariant
// (spec.md §3).
func (t *Tracker) NoteDurable(origin string, seq uint64) error {
	e := t.entry(origin)
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > e.memory {
		return syncerr.Newf(syncerr.KindFatal,
			"origin %q: durable_seq %d would exceed memory_seq %d", origin, seq, e.memory)
	}
	if seq > e.durable {
		e.durable = seq
	}
	return nil
}

// Snapshot returns the current watermarks for origin for response
// construction. Both fields are nil if the origin has never been
// noted.
func (t *Tracker) Snapshot(origin string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.origins[origin]
	if !ok || !e.has {
		return Snapshot{}
	}
	mem, dur := e.memory, e.durable
	return Snapshot{MemorySeq: &mem, DurableSeq: &dur}
}

// CommitMetadataReader reads back the origin sequence map embedded in a
// table's latest committed version (spec.md §4.F "recover"). A table
// writer's TableState.OriginSeq satisfies the shape this expects.
type CommitMetadataReader interface {
	LatestOriginSeq(ctx context.Context) (map[string]uint64, error)
}

// Recover seeds durable_seq (and, transitively, memory_seq) for every
// origin named in a table's commit metadata, taking the maximum across
// however many tables are scanned. A table whose metadata lacks an
// origin map contributes nothing, which leaves durable_seq at 0 for
// origins never seen (spec.md §6 "tolerates tables whose metadata lacks
// an origin map").
func (t *Tracker) Recover(ctx context.Context, tables []CommitMetadataReader, scanLimit int) error {
	n := len(tables)
	if scanLimit > 0 && scanLimit < n {
		n = scanLimit
	}
	for _, table := range tables[:n] {
		seqs, err := table.LatestOriginSeq(ctx)
		if err != nil {
			return syncerr.Wrap(syncerr.KindIO, err, "recover origin sequence map")
		}
		for origin, seq := range seqs {
			e := t.entry(origin)
			t.mu.Lock()
			if !e.has || seq > e.durable {
				e.durable = seq
			}
			if !e.has || e.memory < e.durable {
				e.memory = e.durable
			}
			e.has = true
			t.mu.Unlock()
		}
	}
	return nil
}
