// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package staging

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seafowldb/seafowl/internal/syncmodel"
)

func target(path string) syncmodel.TargetIdent {
	return syncmodel.TargetIdent{TablePath: path, Store: syncmodel.StorageLocation{Name: "s3"}}
}

func batch(key string) syncmodel.SquashedBatch {
	return syncmodel.SquashedBatch{
		Changes: []syncmodel.RowChange{
			{Op: syncmodel.OpInsert, Key: []byte(key), Payload: map[string]any{"v": key}},
		},
	}
}

func TestAppendCreatesEntryAndTracksBytes(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")
	seq := uint64(5)

	b.Append(tgt, batch("1"), "origin-a", &seq)

	e := b.Snapshot(tgt)
	require.NotNil(t, e)
	require.Len(t, e.Batches, 1)
	require.Greater(t, e.BytesBuffered, 0)
	require.Equal(t, uint64(5), e.PendingOriginSeq["origin-a"])
	require.False(t, e.OldestArrival.IsZero())
}

func TestAppendWithoutSeqLeavesPendingUnchanged(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")

	b.Append(tgt, batch("1"), "origin-a", nil)

	e := b.Snapshot(tgt)
	require.Empty(t, e.PendingOriginSeq)
}

func TestAppendTracksHighestSeqPerOrigin(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")
	s1, s2 := uint64(3), uint64(7)

	b.Append(tgt, batch("1"), "o", &s1)
	b.Append(tgt, batch("2"), "o", &s2)

	e := b.Snapshot(tgt)
	require.Equal(t, uint64(7), e.PendingOriginSeq["o"])
}

func TestResquashCollapsesBatchesOverThreshold(t *testing.T) {
	b := New(10) // tiny threshold forces resquash quickly

	tgt := target("t1")
	b.Append(tgt, batch("1"), "", nil)
	b.Append(tgt, batch("2"), "", nil)
	b.Append(tgt, batch("3"), "", nil)

	e := b.Snapshot(tgt)
	require.Len(t, e.Batches, 1, "batches should have collapsed into one after crossing the threshold")
}

func TestDrainEmptiesKey(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")
	b.Append(tgt, batch("1"), "", nil)

	drained := b.Drain(tgt)
	require.NotNil(t, drained)
	require.Nil(t, b.Snapshot(tgt))
}

func TestRequeueMergesAheadOfNewAppends(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")
	s1 := uint64(1)
	b.Append(tgt, batch("1"), "o", &s1)

	drained := b.Drain(tgt)
	require.NotNil(t, drained)

	s2 := uint64(2)
	b.Append(tgt, batch("2"), "o", &s2)

	b.Requeue(tgt, drained)

	e := b.Snapshot(tgt)
	require.Len(t, e.Batches, 2)
	require.Equal(t, "1", string(e.Batches[0].Changes[0].Key), "drained batches must precede batches appended during the flush")
	require.Equal(t, uint64(2), e.PendingOriginSeq["o"], "requeue must keep the higher of the two pending sequence numbers")
}

func TestRequeueOnEmptyKeyRestoresEntry(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")
	b.Append(tgt, batch("1"), "", nil)
	drained := b.Drain(tgt)

	b.Requeue(tgt, drained)

	require.NotNil(t, b.Snapshot(tgt))
}

func TestKeysAndTotalBytes(t *testing.T) {
	b := New(1 << 20)
	b.Append(target("t1"), batch("1"), "", nil)
	b.Append(target("t2"), batch("2"), "", nil)

	require.Len(t, b.Keys(), 2)
	require.Greater(t, b.TotalBytes(), 0)
}

func TestAppendIsSerializedPerKey(t *testing.T) {
	b := New(1 << 20)
	tgt := target("t1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Append(tgt, batch("k"), "", nil)
		}(i)
	}
	wg.Wait()

	e := b.Snapshot(tgt)
	require.Len(t, e.Batches, 50)
}
