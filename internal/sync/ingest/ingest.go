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

// Package ingest implements Component G, the gRPC sync endpoint of
// spec.md §4.G. It reuses apache/arrow-go/v18's generated Arrow Flight
// gRPC service rather than hand-authoring a second protobuf service: a
// sync stream is one Flight DoExchange call whose record batches are
// read with flight.NewRecordReader the way hugr-lab-airport-go's
// doput.go reads a client-streamed DoPut, and whose FlightDescriptor
// carries a msgpack-encoded envelope the same way doput.go decodes its
// own command bytes with msgpack.DecodeMap.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/seafowldb/seafowl/internal/sync/admission"
	"github.com/seafowldb/seafowl/internal/sync/decode"
	"github.com/seafowldb/seafowl/internal/sync/flush"
	"github.com/seafowldb/seafowl/internal/sync/squash"
	"github.com/seafowldb/seafowl/internal/sync/staging"
	"github.com/seafowldb/seafowl/internal/sync/watermark"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// envelope is the msgpack-encoded command carried in a FlightDescriptor,
// matching the Sync RPC request fields of spec.md §6.
type envelope struct {
	Path  string `msgpack:"path"`
	Store struct {
		Location string            `msgpack:"location"`
		Options  map[string]string `msgpack:"options"`
		Name     string            `msgpack:"name"`
	} `msgpack:"store"`
	ColumnDescriptors []struct {
		Role string `msgpack:"role"`
		Name string `msgpack:"name"`
	} `msgpack:"column_descriptors"`
	Origin         string  `msgpack:"origin"`
	SequenceNumber *uint64 `msgpack:"sequence_number"`
	Format         string  `msgpack:"format"`
}

// response is the msgpack-encoded AppMetadata payload sent back for
// every inbound message, matching spec.md §6's Sync RPC response.
type response struct {
	Accepted              bool    `msgpack:"accepted"`
	MemorySequenceNumber   *uint64 `msgpack:"memory_sequence_number"`
	DurableSequenceNumber  *uint64 `msgpack:"durable_sequence_number"`
	First                  bool    `msgpack:"first"`
}

// StoreResolver is consumed by the decoder.
type StoreResolver = decode.StoreResolver

// FormatLookup is consumed by the decoder.
type FormatLookup = decode.FormatLookup

// Server is Component G: the Arrow Flight DoExchange handler that wires
// the decoder (A), squasher (B), staging buffer (C), flush planner (D),
// admission controller (H), and sequence tracker (F) together for one
// inbound stream.
type Server struct {
	flight.BaseFlightServer

	decoder      *decode.Decoder
	admission    *admission.Controller
	staging      *staging.Buffer
	planner      *flush.Planner
	tracker      *watermark.Tracker
	shuttingDown func() bool

	firstSent atomic.Bool
}

// New constructs a Server.
func New(decoder *decode.Decoder, admission *admission.Controller, stagingBuf *staging.Buffer, planner *flush.Planner, tracker *watermark.Tracker, shuttingDown func() bool) *Server {
	return &Server{
		decoder:      decoder,
		admission:    admission,
		staging:      stagingBuf,
		planner:      planner,
		tracker:      tracker,
		shuttingDown: shuttingDown,
	}
}

// DoExchange implements flight.FlightServer. Responses are emitted in
// the same order as their requests within the stream (spec.md §4.G); a
// single stream may multiplex more than one origin.
func (s *Server) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var desc *flight.FlightDescriptor
	for reader.Next() {
		rec := reader.Record()
		if d := reader.LatestFlightDescriptor(); d != nil {
			desc = d
		}

		resp, handleErr := s.handleOne(stream.Context(), desc, rec)
		if handleErr != nil {
			logrus.WithError(handleErr).Warn("seafowl sync: rejecting malformed message")
			resp = response{Accepted: false}
		}
		resp.First = !s.firstSent.Swap(true)

		body, err := msgpack.Marshal(resp)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.FlightData{AppMetadata: body}); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *Server) handleOne(ctx context.Context, desc *flight.FlightDescriptor, rec arrow.Record) (response, error) {
	if s.shuttingDown != nil && s.shuttingDown() {
		return response{Accepted: false}, nil
	}

	msg, err := parseEnvelope(desc, rec)
	if err != nil {
		return response{Accepted: false}, err
	}

	decoded, err := s.decoder.Decode(ctx, msg)
	if err != nil {
		return response{Accepted: false}, err
	}

	size := 0
	for _, c := range decoded.Changes {
		size += c.Bytes()
	}

	if !s.admission.Decide(decoded.Origin, size) {
		snap := s.tracker.Snapshot(decoded.Origin)
		return response{Accepted: false, MemorySequenceNumber: snap.MemorySeq, DurableSequenceNumber: snap.DurableSeq}, nil
	}

	squashed := syncmodel.SquashedBatch{Target: decoded.Target, Changes: squash.Squash(decoded.Changes)}
	s.staging.Append(decoded.Target, squashed, decoded.Origin, decoded.Seq)
	s.admission.Reserve(decoded.Origin, size)

	if decoded.Seq != nil {
		s.tracker.NoteInMemory(decoded.Origin, *decoded.Seq)
		s.planner.NoteTransactionBoundary(decoded.Target)
	}

	snap := s.tracker.Snapshot(decoded.Origin)
	return response{Accepted: true, MemorySequenceNumber: snap.MemorySeq, DurableSequenceNumber: snap.DurableSeq}, nil
}

// parseEnvelope decodes desc's msgpack command into a decode.Message,
// attaching rec as the columnar payload. DoExchange passes the most
// recent non-nil descriptor seen on the stream, so a FlightData message
// without its own descriptor reuses the prior envelope fields. A nil
// desc yields a Message with empty envelope fields.
func parseEnvelope(desc *flight.FlightDescriptor, rec arrow.Record) (decode.Message, error) {
	var env envelope
	if desc != nil {
		if err := msgpack.Unmarshal(desc.Cmd, &env); err != nil {
			return decode.Message{}, err
		}
	}

	cols := make([]syncmodel.ColumnDescriptor, 0, len(env.ColumnDescriptors))
	for _, c := range env.ColumnDescriptors {
		cols = append(cols, syncmodel.ColumnDescriptor{Role: parseRole(c.Role), Name: c.Name})
	}

	return decode.Message{
		Path:           env.Path,
		StoreName:      env.Store.Name,
		StoreOptions:   env.Store.Options,
		Columns:        cols,
		Batch:          rec,
		Origin:         env.Origin,
		SequenceNumber: env.SequenceNumber,
		Format:         env.Format,
	}, nil
}

func parseRole(s string) syncmodel.ColumnRole {
	switch s {
	case "OLD_PK":
		return syncmodel.RoleOldPK
	case "NEW_PK":
		return syncmodel.RoleNewPK
	case "CHANGED":
		return syncmodel.RoleChanged
	case "VALUE":
		return syncmodel.RoleValue
	default:
		return syncmodel.RoleUnknown
	}
}
