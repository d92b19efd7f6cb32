// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package watermark

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seafowldb/seafowl/internal/syncerr"
)

func TestSnapshotEmptyOriginIsNil(t *testing.T) {
	tr := New()
	snap := tr.Snapshot("never-seen")
	require.Nil(t, snap.MemorySeq)
	require.Nil(t, snap.DurableSeq)
}

func TestNoteInMemoryIsMonotonic(t *testing.T) {
	tr := New()
	tr.NoteInMemory("o", 5)
	tr.NoteInMemory("o", 3)
	snap := tr.Snapshot("o")
	require.Equal(t, uint64(5), *snap.MemorySeq)
}

func TestNoteDurableRejectsExceedingMemory(t *testing.T) {
	tr := New()
	tr.NoteInMemory("o", 5)
	err := tr.NoteDurable("o", 10)
	require.Error(t, err)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.KindFatal, se.Kind())
}

func TestNoteDurableIsMonotonicAndBounded(t *testing.T) {
	tr := New()
	tr.NoteInMemory("o", 10)
	require.NoError(t, tr.NoteDurable("o", 4))
	require.NoError(t, tr.NoteDurable("o", 7))
	require.NoError(t, tr.NoteDurable("o", 2)) // no-op, not an error

	snap := tr.Snapshot("o")
	require.Equal(t, uint64(7), *snap.DurableSeq)
	require.Equal(t, uint64(10), *snap.MemorySeq)
}

type fakeTable struct{ seqs map[string]uint64 }

func (f fakeTable) LatestOriginSeq(ctx context.Context) (map[string]uint64, error) {
	return f.seqs, nil
}

func TestRecoverTakesMaxAcrossTables(t *testing.T) {
	tr := New()
	err := tr.Recover(context.Background(), []CommitMetadataReader{
		fakeTable{seqs: map[string]uint64{"a": 3, "b": 9}},
		fakeTable{seqs: map[string]uint64{"a": 8}},
	}, 0)
	require.NoError(t, err)

	snapA := tr.Snapshot("a")
	require.Equal(t, uint64(8), *snapA.DurableSeq)
	require.Equal(t, uint64(8), *snapA.MemorySeq, "memory_seq must start equal to durable_seq after recovery")

	snapB := tr.Snapshot("b")
	require.Equal(t, uint64(9), *snapB.DurableSeq)
}

func TestRecoverHonorsScanLimit(t *testing.T) {
	tr := New()
	err := tr.Recover(context.Background(), []CommitMetadataReader{
		fakeTable{seqs: map[string]uint64{"a": 100}},
		fakeTable{seqs: map[string]uint64{"a": 1}},
	}, 1)
	require.NoError(t, err)
	snap := tr.Snapshot("a")
	require.Equal(t, uint64(100), *snap.DurableSeq)
}

func TestTrackerConcurrentUse(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			tr.NoteInMemory("o", n)
		}(uint64(i))
	}
	wg.Wait()
	snap := tr.Snapshot("o")
	require.Equal(t, uint64(99), *snap.MemorySeq)
}
