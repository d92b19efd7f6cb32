// Copyright 2024 The Seafowl Authors
//
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/seafowldb/seafowl/internal/sync/admission"
	"github.com/seafowldb/seafowl/internal/sync/decode"
	"github.com/seafowldb/seafowl/internal/sync/flush"
	"github.com/seafowldb/seafowl/internal/sync/staging"
	"github.com/seafowldb/seafowl/internal/sync/watermark"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

type fakeStores struct{}

func (fakeStores) Resolve(name string) (string, map[string]string, bool) {
	if name == "s3" {
		return "s3://bucket", nil, true
	}
	return "", nil, false
}

type noFormats struct{}

func (noFormats) CurrentFormat(context.Context, syncmodel.TargetIdent) (syncmodel.TableFormat, bool, error) {
	return syncmodel.FormatUnknown, false, nil
}

type neverInFlight struct{}

func (neverInFlight) InFlight(syncmodel.TargetIdent) bool { return false }

func newTestServer(admissionCfg admission.Config) *Server {
	dec := decode.New(fakeStores{}, noFormats{})
	adm := admission.New(admissionCfg, nil)
	stageBuf := staging.New(1 << 20)
	tracker := watermark.New()
	planner := flush.New(flush.Config{}, stageBuf, neverInFlight{})
	return New(dec, adm, stageBuf, planner, tracker, func() bool { return false })
}

func buildEnvelope(t *testing.T, origin string, seq *uint64) *flight.FlightDescriptor {
	env := envelope{Path: "tbl", Origin: origin, Format: "DELTA", SequenceNumber: seq}
	env.Store.Name = "s3"
	env.ColumnDescriptors = []struct {
		Role string `msgpack:"role"`
		Name string `msgpack:"name"`
	}{
		{Role: "OLD_PK", Name: "old_id"},
		{Role: "NEW_PK", Name: "new_id"},
	}
	cmd, err := msgpack.Marshal(env)
	require.NoError(t, err)
	return &flight.FlightDescriptor{Cmd: cmd}
}

func buildInsertRecord(t *testing.T) arrow.Record {
	pool := memory.NewGoAllocator()
	fields := []arrow.Field{
		{Name: "old_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "new_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}
	schema := arrow.NewSchema(fields, nil)
	oldB := array.NewInt64Builder(pool)
	newB := array.NewInt64Builder(pool)
	defer oldB.Release()
	defer newB.Release()
	oldB.AppendNull()
	newB.Append(1)
	return array.NewRecord(schema, []arrow.Array{oldB.NewArray(), newB.NewArray()}, 1)
}

func TestHandleOneAcceptsAndAdvancesWatermark(t *testing.T) {
	s := newTestServer(admission.Config{HardCeilingBytes: 1 << 20, PerOriginInflightBytes: 1 << 20})
	seq := uint64(7)
	rec := buildInsertRecord(t)
	defer rec.Release()

	resp, err := s.handleOne(context.Background(), buildEnvelope(t, "o1", &seq), rec)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.NotNil(t, resp.MemorySequenceNumber)
	require.Equal(t, uint64(7), *resp.MemorySequenceNumber)
}

func TestHandleOneRejectsOverAdmissionCeiling(t *testing.T) {
	s := newTestServer(admission.Config{HardCeilingBytes: 0, PerOriginInflightBytes: 0})
	rec := buildInsertRecord(t)
	defer rec.Release()

	resp, err := s.handleOne(context.Background(), buildEnvelope(t, "o1", nil), rec)
	require.NoError(t, err)
	require.False(t, resp.Accepted)
}

func TestHandleOneRejectsUnknownStore(t *testing.T) {
	s := newTestServer(admission.Config{HardCeilingBytes: 1 << 20, PerOriginInflightBytes: 1 << 20})
	env := envelope{Path: "tbl", Origin: "o1", Format: "DELTA"}
	env.Store.Name = "no-such-store"
	cmd, err := msgpack.Marshal(env)
	require.NoError(t, err)

	rec := buildInsertRecord(t)
	defer rec.Release()

	resp, err := s.handleOne(context.Background(), &flight.FlightDescriptor{Cmd: cmd}, rec)
	require.Error(t, err)
	require.False(t, resp.Accepted)
}

func TestFirstSentFlagStartsClearAndLatches(t *testing.T) {
	s := newTestServer(admission.Config{HardCeilingBytes: 1 << 20, PerOriginInflightBytes: 1 << 20})
	require.False(t, s.firstSent.Load())
	s.firstSent.Store(true)
	require.True(t, s.firstSent.Load())
}
