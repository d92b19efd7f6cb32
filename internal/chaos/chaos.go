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

// Package chaos wraps a writer.TableFormat with injected faults for
// resilience testing, generalized from the teacher's
// internal/source/logical/chaos.go (WithChaos, doChaos, chaosDialect):
// the same "decorate the real implementation, roll the dice before
// delegating" shape, aimed here at commit conflicts and latency on the
// table writer gateway instead of a logical replication Dialect.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"
	"github.com/seafowldb/seafowl/internal/sync/writer"
)

// Config controls how often and how severely chaos wraps a real
// TableFormat's calls.
type Config struct {
	// CommitConflictProbability is the chance [0,1] that Commit returns
	// a synthetic CommitConflict instead of delegating.
	CommitConflictProbability float64
	// CommitLatency is added before every delegated Commit call.
	CommitLatency time.Duration
	// Rand is the source of randomness; defaults to a time-seeded one
	// if nil, matching the teacher's fakeLease pattern of an injectable
	// generator for deterministic tests.
	Rand *rand.Rand
}

type chaosFormat struct {
	inner writer.TableFormat
	cfg   Config
	rnd   *rand.Rand
}

// WithChaos wraps inner so that Commit calls are perturbed according to
// cfg. A zero Config makes WithChaos a transparent passthrough.
func WithChaos(inner writer.TableFormat, cfg Config) writer.TableFormat {
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &chaosFormat{inner: inner, cfg: cfg, rnd: rnd}
}

func (c *chaosFormat) Open(ctx context.Context, target syncmodel.TargetIdent) (*writer.TableState, error) {
	return c.inner.Open(ctx, target)
}

func (c *chaosFormat) Commit(ctx context.Context, target syncmodel.TargetIdent, expected *writer.TableState, batches []syncmodel.SquashedBatch, originSeq map[string]uint64) (*writer.TableState, error) {
	if c.cfg.CommitLatency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.CommitLatency):
		}
	}

	if c.doChaos(c.cfg.CommitConflictProbability) {
		return nil, syncerr.New(syncerr.KindCommitConflict, "chaos: injected commit conflict")
	}

	return c.inner.Commit(ctx, target, expected, batches, originSeq)
}

// doChaos reports whether a chaos event should fire given probability
// p, mirroring the teacher's doChaos helper.
func (c *chaosFormat) doChaos(p float64) bool {
	if p <= 0 {
		return false
	}
	return c.rnd.Float64() < p
}
