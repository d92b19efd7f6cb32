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

// Package flush implements Component D, the flush planner of spec.md
// §4.D. Its priority-ordered trigger evaluation is the generalization of
// resolver.go's process loop, which picks the next resolved timestamp to
// apply by walking a similarly ordered set of conditions before handing
// off to a flush closure.
package flush

import (
	"sort"
	"time"

	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// Reason names which trigger in spec.md §4.D fired for a key. Lower
// values are higher priority; Plan reports, for each key, only the
// highest-priority reason that applies.
type Reason int

const (
	// ReasonShutdown is trigger 1: a sentinel/shutdown signal.
	ReasonShutdown Reason = iota
	// ReasonGlobalWatermark is trigger 2: aggregate staged bytes exceed
	// the global high-watermark.
	ReasonGlobalWatermark
	// ReasonPerTableCap is trigger 3: this key's bytes_buffered exceeds
	// the per-table cap.
	ReasonPerTableCap
	// ReasonMaxStaleness is trigger 4: now - oldest_arrival_time exceeds
	// the max-staleness.
	ReasonMaxStaleness
	// ReasonEagerCommit is trigger 5: a transaction boundary was just
	// appended for this key and the engine is configured for eager
	// commit.
	ReasonEagerCommit
)

func (r Reason) String() string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonGlobalWatermark:
		return "global_watermark"
	case ReasonPerTableCap:
		return "per_table_cap"
	case ReasonMaxStaleness:
		return "max_staleness"
	case ReasonEagerCommit:
		return "eager_commit"
	default:
		return "unknown"
	}
}

// Config holds the staging.* thresholds from spec.md §6 that the
// planner evaluates against. A zero GlobalHighWatermarkBytes,
// PerTableCapBytes or MaxStaleness turns that trigger off.
type Config struct {
	GlobalHighWatermarkBytes int
	GlobalLowWatermarkBytes  int
	PerTableCapBytes         int
	MaxStaleness             time.Duration
	EagerCommit              bool
}

// KeyState is the subset of a staging.Entry the planner needs to
// evaluate triggers, kept separate from the staging package so flush
// has no import-time dependency on it (the engine wires the two
// together).
type KeyState struct {
	Target        syncmodel.TargetIdent
	BytesBuffered int
	OldestArrival time.Time
}

// StagingView is implemented by the staging buffer.
type StagingView interface {
	Keys() []syncmodel.TargetIdent
	StateFor(target syncmodel.TargetIdent) (KeyState, bool)
}

// WriterTokens reports whether a key currently has an in-flight writer,
// per the exclusion rule in spec.md §5 ("never flush a key that has an
// in-flight writer for it").
type WriterTokens interface {
	InFlight(target syncmodel.TargetIdent) bool
}

// Decision is one key the planner wants flushed, and why.
type Decision struct {
	Target syncmodel.TargetIdent
	Reason Reason
}

// Planner is Component D.
type Planner struct {
	cfg     Config
	staging StagingView
	writers WriterTokens

	mu    chanGuard
	eager map[string]bool
}

// chanGuard is a mutual-exclusion lock built on a one-slot channel. New
// allocates the channel; lock also allocates it if it is still nil, which
// is not safe when the first two lock calls race.
type chanGuard struct{ locked chan struct{} }

func (g *chanGuard) lock() {
	if g.locked == nil {
		g.locked = make(chan struct{}, 1)
	}
	g.locked <- struct{}{}
}

func (g *chanGuard) unlock() { <-g.locked }

// New constructs a Planner.
func New(cfg Config, staging StagingView, writers WriterTokens) *Planner {
	return &Planner{
		cfg:     cfg,
		staging: staging,
		writers: writers,
		mu:      chanGuard{locked: make(chan struct{}, 1)},
		eager:   make(map[string]bool),
	}
}

// NoteTransactionBoundary records that a transaction-terminating message
// was just appended for target, arming trigger 5 for the next Plan call.
// It is a no-op when the engine is not configured for eager commit.
func (p *Planner) NoteTransactionBoundary(target syncmodel.TargetIdent) {
	if !p.cfg.EagerCommit {
		return
	}
	p.mu.lock()
	p.eager[target.Key()] = true
	p.mu.unlock()
}

// Plan evaluates every trigger in priority order and returns the set of
// keys that should be flushed now, each annotated with the
// highest-priority reason that applied. Keys with an in-flight writer
// are never returned (spec.md §5); shuttingDown forces every eligible
// key regardless of the other thresholds.
func (p *Planner) Plan(shuttingDown bool, now time.Time) []Decision {
	keys := p.staging.Keys()
	states := make([]KeyState, 0, len(keys))
	eligible := make(map[string]KeyState, len(keys))
	for _, k := range keys {
		if p.writers != nil && p.writers.InFlight(k) {
			continue
		}
		st, ok := p.staging.StateFor(k)
		if !ok {
			continue
		}
		states = append(states, st)
		eligible[k.Key()] = st
	}

	decided := make(map[string]Reason, len(states))
	order := make([]syncmodel.TargetIdent, 0, len(states))
	decide := func(t syncmodel.TargetIdent, r Reason) {
		k := t.Key()
		if _, ok := decided[k]; ok {
			// A higher-priority trigger already claimed this key; triggers
			// are evaluated in priority order so the first call wins.
			return
		}
		order = append(order, t)
		decided[k] = r
	}

	if shuttingDown {
		for _, st := range states {
			decide(st.Target, ReasonShutdown)
		}
		return toDecisions(order, decided)
	}

	total := 0
	for _, st := range states {
		total += st.BytesBuffered
	}
	if p.cfg.GlobalHighWatermarkBytes > 0 && total > p.cfg.GlobalHighWatermarkBytes {
		byBytes := append([]KeyState(nil), states...)
		sort.Slice(byBytes, func(i, j int) bool { return byBytes[i].BytesBuffered > byBytes[j].BytesBuffered })
		remaining := total
		for _, st := range byBytes {
			if remaining <= p.cfg.GlobalLowWatermarkBytes {
				break
			}
			decide(st.Target, ReasonGlobalWatermark)
			remaining -= st.BytesBuffered
		}
	}

	for _, st := range states {
		if p.cfg.PerTableCapBytes > 0 && st.BytesBuffered > p.cfg.PerTableCapBytes {
			decide(st.Target, ReasonPerTableCap)
		}
	}

	for _, st := range states {
		if p.cfg.MaxStaleness > 0 && !st.OldestArrival.IsZero() && now.Sub(st.OldestArrival) > p.cfg.MaxStaleness {
			decide(st.Target, ReasonMaxStaleness)
		}
	}

	p.mu.lock()
	for _, st := range states {
		k := st.Target.Key()
		if p.eager[k] {
			decide(st.Target, ReasonEagerCommit)
			delete(p.eager, k)
		}
	}
	p.mu.unlock()

	return toDecisions(order, decided)
}

func toDecisions(order []syncmodel.TargetIdent, decided map[string]Reason) []Decision {
	out := make([]Decision, 0, len(order))
	for _, t := range order {
		out = append(out, Decision{Target: t, Reason: decided[t.Key()]})
	}
	return out
}
