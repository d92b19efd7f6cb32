// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package flush

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seafowldb/seafowl/internal/syncmodel"
)

type fakeStaging struct {
	states map[string]KeyState
}

func newFakeStaging() *fakeStaging { return &fakeStaging{states: map[string]KeyState{}} }

func (f *fakeStaging) add(t syncmodel.TargetIdent, bytes int, age time.Duration, now time.Time) {
	f.states[t.Key()] = KeyState{Target: t, BytesBuffered: bytes, OldestArrival: now.Add(-age)}
}

func (f *fakeStaging) Keys() []syncmodel.TargetIdent {
	out := make([]syncmodel.TargetIdent, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s.Target)
	}
	return out
}

func (f *fakeStaging) StateFor(t syncmodel.TargetIdent) (KeyState, bool) {
	s, ok := f.states[t.Key()]
	return s, ok
}

type fakeWriters struct{ inFlight map[string]bool }

func (f fakeWriters) InFlight(t syncmodel.TargetIdent) bool { return f.inFlight[t.Key()] }

func tgt(path string) syncmodel.TargetIdent {
	return syncmodel.TargetIdent{TablePath: path, Store: syncmodel.StorageLocation{Name: "s3"}}
}

func TestPlanShutdownForcesEveryEligibleKey(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 10, 0, now)
	st.add(tgt("b"), 10, 0, now)

	p := New(Config{}, st, fakeWriters{})
	decisions := p.Plan(true, now)

	require.Len(t, decisions, 2)
	for _, d := range decisions {
		require.Equal(t, ReasonShutdown, d.Reason)
	}
}

func TestPlanSkipsInFlightWriters(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 10, 0, now)

	p := New(Config{}, st, fakeWriters{inFlight: map[string]bool{tgt("a").Key(): true}})
	decisions := p.Plan(true, now)

	require.Empty(t, decisions)
}

func TestPlanPerTableCap(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 100, 0, now)

	p := New(Config{PerTableCapBytes: 50}, st, fakeWriters{})
	decisions := p.Plan(false, now)

	require.Len(t, decisions, 1)
	require.Equal(t, ReasonPerTableCap, decisions[0].Reason)
}

func TestPlanMaxStaleness(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 1, 20*time.Second, now)

	p := New(Config{MaxStaleness: 10 * time.Second}, st, fakeWriters{})
	decisions := p.Plan(false, now)

	require.Len(t, decisions, 1)
	require.Equal(t, ReasonMaxStaleness, decisions[0].Reason)
}

func TestPlanGlobalWatermarkPrefersLargestKeys(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("big"), 100, 0, now)
	st.add(tgt("small"), 10, 0, now)

	p := New(Config{GlobalHighWatermarkBytes: 50, GlobalLowWatermarkBytes: 20}, st, fakeWriters{})
	decisions := p.Plan(false, now)

	require.Len(t, decisions, 1)
	require.Equal(t, tgt("big"), decisions[0].Target)
	require.Equal(t, ReasonGlobalWatermark, decisions[0].Reason)
}

func TestPlanHigherPriorityReasonWins(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 100, 20*time.Second, now)

	p := New(Config{
		GlobalHighWatermarkBytes: 50, GlobalLowWatermarkBytes: 0,
		PerTableCapBytes: 10,
		MaxStaleness:     time.Second,
	}, st, fakeWriters{})
	decisions := p.Plan(false, now)

	require.Len(t, decisions, 1)
	require.Equal(t, ReasonGlobalWatermark, decisions[0].Reason, "global watermark outranks the later-checked triggers")
}

func TestPlanEagerCommitConsumedOnce(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 1, 0, now)

	p := New(Config{EagerCommit: true}, st, fakeWriters{})
	p.NoteTransactionBoundary(tgt("a"))

	decisions := p.Plan(false, now)
	require.Len(t, decisions, 1)
	require.Equal(t, ReasonEagerCommit, decisions[0].Reason)

	decisions = p.Plan(false, now)
	require.Empty(t, decisions, "the eager-commit flag must be consumed after one Plan call")
}

func TestPlanEagerCommitIgnoredWhenDisabled(t *testing.T) {
	now := time.Now()
	st := newFakeStaging()
	st.add(tgt("a"), 1, 0, now)

	p := New(Config{EagerCommit: false}, st, fakeWriters{})
	p.NoteTransactionBoundary(tgt("a"))

	require.Empty(t, p.Plan(false, now))
}
