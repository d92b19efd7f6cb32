// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package admission

import "testing"
import "github.com/stretchr/testify/require"

type fixedPressure struct{ v bool }

func (f fixedPressure) UnderPressure() bool { return f.v }

func TestDecideAllowsUnderCeilings(t *testing.T) {
	c := New(Config{HardCeilingBytes: 100, PerOriginInflightBytes: 100}, nil)
	require.True(t, c.Decide("o", 10))
}

func TestDecideRejectsOverHardCeiling(t *testing.T) {
	c := New(Config{HardCeilingBytes: 10, PerOriginInflightBytes: 1000}, nil)
	c.Reserve("o", 5)
	require.False(t, c.Decide("o", 10))
}

func TestDecideRejectsOverPerOriginCap(t *testing.T) {
	c := New(Config{HardCeilingBytes: 1000, PerOriginInflightBytes: 10}, nil)
	c.Reserve("o", 8)
	require.False(t, c.Decide("o", 5))
	require.True(t, c.Decide("other-origin", 5), "per-origin cap must not punish other origins")
}

func TestDecideRejectsUnderWriterPressure(t *testing.T) {
	c := New(Config{HardCeilingBytes: 1000, PerOriginInflightBytes: 1000}, fixedPressure{v: true})
	require.False(t, c.Decide("o", 1))
}

func TestReserveAndReleaseRoundTrip(t *testing.T) {
	c := New(Config{HardCeilingBytes: 100, PerOriginInflightBytes: 100}, nil)
	c.Reserve("o", 50)
	require.False(t, c.Decide("o", 60))
	c.Release("o", 50)
	require.True(t, c.Decide("o", 60))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := New(Config{HardCeilingBytes: 100, PerOriginInflightBytes: 100}, nil)
	c.Release("o", 50)
	require.True(t, c.Decide("o", 100))
}
