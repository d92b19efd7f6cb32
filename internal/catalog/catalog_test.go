// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRaw struct {
	snap Snapshot
	err  error
}

func (f fakeRaw) ListSchemas(ctx context.Context) (Snapshot, error) { return f.snap, f.err }

func TestResolveMissesBeforeFirstRefresh(t *testing.T) {
	c := New(fakeRaw{})
	_, _, ok := c.Resolve("s3")
	require.False(t, ok)
}

func TestRefreshPopulatesCache(t *testing.T) {
	c := New(fakeRaw{snap: Snapshot{Stores: []Store{{Name: "s3", Location: "s3://bucket"}}}})
	require.NoError(t, c.Refresh(context.Background()))

	root, _, ok := c.Resolve("s3")
	require.True(t, ok)
	require.Equal(t, "s3://bucket", root)
}

func TestFailedRefreshKeepsPreviousCache(t *testing.T) {
	c := New(fakeRaw{snap: Snapshot{Stores: []Store{{Name: "s3", Location: "s3://bucket"}}}})
	require.NoError(t, c.Refresh(context.Background()))

	c.raw = fakeRaw{err: context.DeadlineExceeded}
	require.Error(t, c.Refresh(context.Background()))

	root, _, ok := c.Resolve("s3")
	require.True(t, ok)
	require.Equal(t, "s3://bucket", root)
}
