// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package squash

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seafowldb/seafowl/internal/syncmodel"
)

func k(s string) []byte { return []byte(s) }

func TestSquashInsertThenDeleteCollapses(t *testing.T) {
	// S1: INSERT k=1 v="a"; DELETE k=1.
	changes := []syncmodel.RowChange{
		{Op: syncmodel.OpInsert, Key: k("1"), Payload: map[string]any{"v": "a"}},
		{Op: syncmodel.OpDelete, Key: k("1")},
	}
	out := Squash(changes)
	require.Empty(t, out, "insert+delete within a batch must cancel out")
}

func TestSquashUpdateChainRekeys(t *testing.T) {
	// S2: INSERT k=1 v="a"; UPDATE 1->2 v={"b"}; UPDATE 2->3 v={"c"}.
	changes := []syncmodel.RowChange{
		{Op: syncmodel.OpInsert, Key: k("1"), Payload: map[string]any{"v": "a"}},
		{
			Op: syncmodel.OpUpdate, Key: k("2"), FromKey: k("1"),
			Payload: map[string]any{"v": "b"}, PayloadMask: map[string]bool{"v": true},
		},
		{
			Op: syncmodel.OpUpdate, Key: k("3"), FromKey: k("2"),
			Payload: map[string]any{"v": "c"}, PayloadMask: map[string]bool{"v": true},
		},
	}
	out := Squash(changes)
	require.Len(t, out, 1)
	require.Equal(t, syncmodel.OpInsert, out[0].Op, "the whole chain collapses onto the original insert")
	require.Equal(t, "3", string(out[0].Key))
	require.Equal(t, "c", out[0].Payload["v"])
}

func TestSquashUpdateSamePKIsNoopRekey(t *testing.T) {
	changes := []syncmodel.RowChange{
		{
			Op: syncmodel.OpUpdate, Key: k("1"), FromKey: k("1"),
			Payload: map[string]any{"v": "x"}, PayloadMask: map[string]bool{"v": true},
		},
	}
	out := Squash(changes)
	require.Len(t, out, 1)
	require.Equal(t, syncmodel.OpUpdate, out[0].Op)
	require.Equal(t, "1", string(out[0].Key))
	require.Equal(t, "1", string(out[0].FromKey))
}

func TestSquashDeleteOfUpdateRevertsToFromKey(t *testing.T) {
	changes := []syncmodel.RowChange{
		{
			Op: syncmodel.OpUpdate, Key: k("2"), FromKey: k("1"),
			Payload: map[string]any{"v": "b"}, PayloadMask: map[string]bool{"v": true},
		},
		{Op: syncmodel.OpDelete, Key: k("2")},
	}
	out := Squash(changes)
	require.Len(t, out, 1)
	require.Equal(t, syncmodel.OpDelete, out[0].Op)
	require.Equal(t, "1", string(out[0].Key), "delete must land on the row's still-live PK")
}

func TestSquashDeleteOfNonexistentPKIsEmittedAsDelete(t *testing.T) {
	changes := []syncmodel.RowChange{
		{Op: syncmodel.OpDelete, Key: k("99")},
	}
	out := Squash(changes)
	require.Len(t, out, 1)
	require.Equal(t, syncmodel.OpDelete, out[0].Op)
}

func TestSquashIdempotent(t *testing.T) {
	changes := []syncmodel.RowChange{
		{Op: syncmodel.OpInsert, Key: k("1"), Payload: map[string]any{"v": "a"}},
		{
			Op: syncmodel.OpUpdate, Key: k("2"), FromKey: k("1"),
			Payload: map[string]any{"v": "b"}, PayloadMask: map[string]bool{"v": true},
		},
		{Op: syncmodel.OpInsert, Key: k("5"), Payload: map[string]any{"v": "z"}},
		{Op: syncmodel.OpDelete, Key: k("9")},
	}
	once := Squash(changes)
	twice := Squash(once)
	require.ElementsMatch(t, toKeys(once), toKeys(twice))
	for _, c := range twice {
		require.Contains(t, once, c)
	}
}

func TestSquashEmptyBatch(t *testing.T) {
	require.Empty(t, Squash(nil))
}

func toKeys(cs []syncmodel.RowChange) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c.Key)
	}
	return out
}
