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

// Package staging implements Component C, the per-table staging buffer
// described in spec.md §4.C. Appends are serialized per key the way the
// teacher's resolver.go serializes mutation application per schema under
// a single mutex, generalized here to one lock per staging key instead
// of one lock for the whole resolver.
package staging

import (
	"sync"
	"time"

	"github.com/seafowldb/seafowl/internal/metrics"
	"github.com/seafowldb/seafowl/internal/sync/flush"
	"github.com/seafowldb/seafowl/internal/sync/squash"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// Entry is one staging key's accumulated state (spec.md §3 "Staging
// entry"). Batches holds the ordered run of squashed batches appended
// since the entry was last drained; a flush consumes the whole entry.
type Entry struct {
	Target           syncmodel.TargetIdent
	Batches          []syncmodel.SquashedBatch
	BytesBuffered    int
	OldestArrival    time.Time
	PendingOriginSeq map[string]uint64

	// OriginBytes is the cumulative size, by origin, of every message
	// admitted into this entry since it was last drained. It tracks
	// what admission.Controller.Reserve was called with, not
	// BytesBuffered — resquashing can shrink BytesBuffered (an
	// insert+delete pair cancels out) without shrinking what the
	// admission controller is owed back on commit, since that message
	// still occupied a reservation while it was in memory.
	OriginBytes map[string]int

	unsquashedAppends int
}

// Buffer is Component C: a mapping from staging key to Entry, with one
// lock per key so that an append to table A never blocks an append to
// table B (spec.md §5).
type Buffer struct {
	resquashThreshold int

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mu    sync.Mutex
	entry *Entry
}

// New constructs a Buffer. resquashThresholdBytes is
// staging.resquash_threshold_bytes (spec.md §6); the append that brings
// an entry's unsquashed bytes to this many or more re-squashes the whole
// entry down to one batch, provided it holds more than one batch.
func New(resquashThresholdBytes int) *Buffer {
	return &Buffer{
		resquashThreshold: resquashThresholdBytes,
		keys:              make(map[string]*keyState),
	}
}

func (b *Buffer) stateFor(target syncmodel.TargetIdent) *keyState {
	k := target.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[k]
	if !ok {
		ks = &keyState{}
		b.keys[k] = ks
	}
	return ks
}

// Append adds one squashed batch to the entry for target, serialized
// against concurrent appends and flushes of the same key (spec.md §5).
// origin/seq are recorded as the highest in-flight sequence number for
// that origin on this key; seq of nil means the message did not end a
// transaction and leaves PendingOriginSeq untouched.
func (b *Buffer) Append(target syncmodel.TargetIdent, batch syncmodel.SquashedBatch, origin string, seq *uint64) {
	ks := b.stateFor(target)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.entry == nil {
		ks.entry = &Entry{
			Target:           target,
			OldestArrival:    now(),
			PendingOriginSeq: make(map[string]uint64),
			OriginBytes:      make(map[string]int),
		}
	}
	e := ks.entry

	e.Batches = append(e.Batches, batch)
	added := 0
	for _, c := range batch.Changes {
		added += c.Bytes()
	}
	e.BytesBuffered += added
	e.unsquashedAppends += added
	e.OriginBytes[origin] += added

	if origin != "" && seq != nil {
		if prev, ok := e.PendingOriginSeq[origin]; !ok || *seq > prev {
			e.PendingOriginSeq[origin] = *seq
		}
	}

	if e.unsquashedAppends >= b.resquashThreshold && len(e.Batches) > 1 {
		resquash(e)
	}

	metrics.StagingBytes.WithLabelValues(target.TablePath, target.Store.Name).Set(float64(e.BytesBuffered))
}

// resquash folds every batch currently staged for a key down to at most
// one net change per terminal PK (spec.md §4.C "re-squashes ... to bound
// memory"). Squashing across batches from the same key is the
// associative case spec.md §4.B calls out explicitly.
func resquash(e *Entry) {
	all := make([]syncmodel.RowChange, 0, e.BytesBuffered)
	for _, b := range e.Batches {
		all = append(all, b.Changes...)
	}
	merged := squash.Squash(all)

	e.Batches = []syncmodel.SquashedBatch{{Target: e.Target, Changes: merged}}
	total := 0
	for _, c := range merged {
		total += c.Bytes()
	}
	e.BytesBuffered = total
	e.unsquashedAppends = 0
}

// Snapshot returns a copy of the current entry for target, or nil if the
// key is empty. The copy is safe to read without holding the key's
// lock; it does not include the pending batches themselves by
// reference, only the accounting fields plus a shallow copy of the
// batch slice.
func (b *Buffer) Snapshot(target syncmodel.TargetIdent) *Entry {
	ks := b.stateFor(target)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.entry == nil {
		return nil
	}
	cp := *ks.entry
	cp.Batches = append([]syncmodel.SquashedBatch(nil), ks.entry.Batches...)
	cp.PendingOriginSeq = make(map[string]uint64, len(ks.entry.PendingOriginSeq))
	for k, v := range ks.entry.PendingOriginSeq {
		cp.PendingOriginSeq[k] = v
	}
	cp.OriginBytes = make(map[string]int, len(ks.entry.OriginBytes))
	for k, v := range ks.entry.OriginBytes {
		cp.OriginBytes[k] = v
	}
	return &cp
}

// Drain removes and returns the entry for target, leaving the key
// Empty, per the state machine in spec.md §4.H. Drain does not check
// the writer gateway's per-table token; callers restore the drained
// entry via Requeue if the subsequent commit fails.
func (b *Buffer) Drain(target syncmodel.TargetIdent) *Entry {
	ks := b.stateFor(target)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	e := ks.entry
	ks.entry = nil
	if e != nil {
		metrics.StagingBytes.WithLabelValues(target.TablePath, target.Store.Name).Set(0)
	}
	return e
}

// Requeue merges a previously drained entry back in front of whatever
// was appended to target while the flush was in flight ("appends queue
// behind flush" in spec.md's staging-key state diagram). Used when a
// commit attempt fails after Drain and must be retried.
func (b *Buffer) Requeue(target syncmodel.TargetIdent, drained *Entry) {
	if drained == nil {
		return
	}
	ks := b.stateFor(target)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.entry == nil {
		ks.entry = drained
		metrics.StagingBytes.WithLabelValues(target.TablePath, target.Store.Name).Set(float64(drained.BytesBuffered))
		return
	}

	merged := &Entry{
		Target:           target,
		Batches:          append(append([]syncmodel.SquashedBatch(nil), drained.Batches...), ks.entry.Batches...),
		BytesBuffered:    drained.BytesBuffered + ks.entry.BytesBuffered,
		OldestArrival:    earlier(drained.OldestArrival, ks.entry.OldestArrival),
		PendingOriginSeq: make(map[string]uint64, len(drained.PendingOriginSeq)+len(ks.entry.PendingOriginSeq)),
		OriginBytes:      make(map[string]int, len(drained.OriginBytes)+len(ks.entry.OriginBytes)),
	}
	for k, v := range drained.PendingOriginSeq {
		merged.PendingOriginSeq[k] = v
	}
	for k, v := range ks.entry.PendingOriginSeq {
		if prev, ok := merged.PendingOriginSeq[k]; !ok || v > prev {
			merged.PendingOriginSeq[k] = v
		}
	}
	for k, v := range drained.OriginBytes {
		merged.OriginBytes[k] += v
	}
	for k, v := range ks.entry.OriginBytes {
		merged.OriginBytes[k] += v
	}
	ks.entry = merged
	metrics.StagingBytes.WithLabelValues(target.TablePath, target.Store.Name).Set(float64(merged.BytesBuffered))
}

// StateFor reports the flush-planner-relevant state of a key, satisfying
// flush.StagingView. It returns false if the key is currently Empty.
func (b *Buffer) StateFor(target syncmodel.TargetIdent) (flush.KeyState, bool) {
	ks := b.stateFor(target)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.entry == nil {
		return flush.KeyState{}, false
	}
	return flush.KeyState{
		Target:        ks.entry.Target,
		BytesBuffered: ks.entry.BytesBuffered,
		OldestArrival: ks.entry.OldestArrival,
	}, true
}

// Keys returns every staging key currently non-empty.
func (b *Buffer) Keys() []syncmodel.TargetIdent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]syncmodel.TargetIdent, 0, len(b.keys))
	for _, ks := range b.keys {
		ks.mu.Lock()
		if ks.entry != nil {
			out = append(out, ks.entry.Target)
		}
		ks.mu.Unlock()
	}
	return out
}

// TotalBytes returns the sum of bytes_buffered across every staging key,
// the quantity the flush planner's global high-watermark trigger
// compares against (spec.md §4.D trigger 2).
func (b *Buffer) TotalBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, ks := range b.keys {
		ks.mu.Lock()
		if ks.entry != nil {
			total += ks.entry.BytesBuffered
		}
		ks.mu.Unlock()
	}
	return total
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

// now is a seam so tests can avoid depending on wall-clock ordering,
// mirroring the teacher's use of an injectable clock in chaos.go.
var now = time.Now
