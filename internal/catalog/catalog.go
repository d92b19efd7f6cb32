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

// Package catalog implements the catalog contract client of spec.md §6,
// generalized from the teacher's types.Watchers/schemawatch factory
// pattern: a shared, clonable handle that periodically refreshes a
// cached mapping rather than a watcher per schema.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"

	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// Store is one entry of the catalog's `stores` list (spec.md §6).
type Store struct {
	Name     string
	Location string
	Options  map[string]string
}

// Table is one table entry nested under a schema.
type Table struct {
	Name   string
	Path   string
	Store  string
	Format string
}

// Schema is one entry of the catalog's `schemas` list.
type Schema struct {
	Name   string
	Tables []Table
}

// Snapshot is the decoded ListSchemas response.
type Snapshot struct {
	Schemas []Schema
	Stores  []Store
}

// RawClient is the subset of the generated catalog gRPC client the
// wrapper needs; kept narrow so tests can substitute a fake without
// standing up a real gRPC server.
type RawClient interface {
	ListSchemas(ctx context.Context) (Snapshot, error)
}

// Client is a shared, clonable handle onto the catalog contract
// (spec.md §5 "catalog client is a shared, clonable handle; no catalog
// call is held across a commit"). It caches the last-good snapshot so
// decode.StoreResolver lookups never block on a catalog round trip.
type Client struct {
	raw RawClient

	mu       sync.RWMutex
	byName   map[string]Store
	byTarget map[string]Table
	lastGood time.Time
}

// New wraps raw in a Client with an empty cache.
func New(raw RawClient) *Client {
	return &Client{raw: raw, byName: make(map[string]Store), byTarget: make(map[string]Table)}
}

// Refresh re-fetches the catalog snapshot and replaces the cached
// store-name mapping. Callers run this on a timer; a failed refresh
// leaves the previous cache in place.
func (c *Client) Refresh(ctx context.Context) error {
	snap, err := c.raw.ListSchemas(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.KindIO, err, "refresh catalog snapshot")
	}
	byName := make(map[string]Store, len(snap.Stores))
	for _, s := range snap.Stores {
		byName[s.Name] = s
	}
	byTarget := make(map[string]Table)
	for _, schema := range snap.Schemas {
		for _, tbl := range schema.Tables {
			byTarget[tbl.Store+"\x00"+tbl.Path] = tbl
		}
	}
	c.mu.Lock()
	c.byName = byName
	c.byTarget = byTarget
	c.lastGood = now()
	c.mu.Unlock()
	return nil
}

// CurrentFormat implements decode.FormatLookup: it reports the table
// format a destination table was registered with, if the catalog
// already knows about it.
func (c *Client) CurrentFormat(ctx context.Context, target syncmodel.TargetIdent) (syncmodel.TableFormat, bool, error) {
	c.mu.RLock()
	tbl, ok := c.byTarget[target.Store.Name+"\x00"+target.TablePath]
	c.mu.RUnlock()
	if !ok {
		return syncmodel.FormatUnknown, false, nil
	}
	format, err := syncmodel.ParseTableFormat(tbl.Format)
	if err != nil {
		return syncmodel.FormatUnknown, false, syncerr.Wrap(syncerr.KindSchemaConflict, err, "catalog table format")
	}
	return format, true, nil
}

// Resolve implements decode.StoreResolver: it maps a storage-location
// name to its root and connection options from the cached snapshot.
func (c *Client) Resolve(name string) (root string, options map[string]string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, found := c.byName[name]
	if !found {
		return "", nil, false
	}
	return s.Location, s.Options, true
}

// LastGood reports when the cache was last successfully refreshed.
func (c *Client) LastGood() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastGood
}

// KnownTargets returns every destination table the current snapshot
// names, for use by the engine's startup sequence-watermark recovery
// scan.
func (c *Client) KnownTargets() []syncmodel.TargetIdent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]syncmodel.TargetIdent, 0, len(c.byTarget))
	for _, tbl := range c.byTarget {
		store := c.byName[tbl.Store]
		out = append(out, syncmodel.TargetIdent{
			TablePath: tbl.Path,
			Store: syncmodel.StorageLocation{
				Name:    tbl.Store,
				Root:    store.Location,
				Options: store.Options,
			},
		})
	}
	return out
}

// GRPCClient adapts a grpc.ClientConn into a RawClient. The generated
// catalog stub is not part of this module (it belongs to whatever
// service implements the catalog contract); GRPCClient exists so
// internal/sync/engine can wire up a real connection without internal/
// catalog importing a service it does not own.
type GRPCClient struct {
	conn *grpc.ClientConn
	call func(ctx context.Context, conn *grpc.ClientConn) (Snapshot, error)
}

// NewGRPCClient constructs a RawClient backed by conn, delegating the
// actual unary call to call (typically a thin wrapper the caller
// generates from the catalog's own .proto).
func NewGRPCClient(conn *grpc.ClientConn, call func(ctx context.Context, conn *grpc.ClientConn) (Snapshot, error)) *GRPCClient {
	return &GRPCClient{conn: conn, call: call}
}

// ListSchemas implements RawClient.
func (g *GRPCClient) ListSchemas(ctx context.Context) (Snapshot, error) {
	return g.call(ctx, g.conn)
}

// listSchemasMethod is the catalog contract's unary RPC name. There is
// no committed .proto for it in this module, so DefaultListSchemas
// speaks msgpack over the wire instead of generated protobuf, reusing
// the same codec the Flight ingest path already depends on.
const listSchemasMethod = "/seafowl.catalog.v1.Catalog/ListSchemas"

type wireStore struct {
	Name     string            `msgpack:"name"`
	Location string            `msgpack:"location"`
	Options  map[string]string `msgpack:"options"`
}

type wireTable struct {
	Name   string `msgpack:"name"`
	Path   string `msgpack:"path"`
	Store  string `msgpack:"store"`
	Format string `msgpack:"format"`
}

type wireSchema struct {
	Name   string      `msgpack:"name"`
	Tables []wireTable `msgpack:"tables"`
}

type wireSnapshot struct {
	Schemas []wireSchema `msgpack:"schemas"`
	Stores  []wireStore  `msgpack:"stores"`
}

// msgpackCodec implements google.golang.org/grpc/encoding.Codec for the
// catalog's msgpack-framed messages, so DefaultListSchemas can invoke
// the RPC without a generated protobuf stub.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                       { return "msgpack" }

// DefaultListSchemas is the call function NewGRPCClient needs when no
// generated catalog stub is available: a plain unary invoke of
// listSchemasMethod, framed with msgpackCodec.
func DefaultListSchemas(ctx context.Context, conn *grpc.ClientConn) (Snapshot, error) {
	var wire wireSnapshot
	if err := conn.Invoke(ctx, listSchemasMethod, &struct{}{}, &wire, grpc.ForceCodec(msgpackCodec{})); err != nil {
		return Snapshot{}, syncerr.Wrap(syncerr.KindIO, err, "list schemas")
	}
	snap := Snapshot{Stores: make([]Store, len(wire.Stores)), Schemas: make([]Schema, len(wire.Schemas))}
	for i, s := range wire.Stores {
		snap.Stores[i] = Store{Name: s.Name, Location: s.Location, Options: s.Options}
	}
	for i, sc := range wire.Schemas {
		tables := make([]Table, len(sc.Tables))
		for j, tbl := range sc.Tables {
			tables[j] = Table{Name: tbl.Name, Path: tbl.Path, Store: tbl.Store, Format: tbl.Format}
		}
		snap.Schemas[i] = Schema{Name: sc.Name, Tables: tables}
	}
	return snap, nil
}

var now = time.Now
