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

// Package decode implements Component A, the change batch decoder
// described in spec.md §4.A. It validates the role layout of one
// inbound sync message and derives a typed RowChange per row per the
// rules in spec.md §3, reading column values out of an Arrow record
// batch the way hugr-lab's flight.DoPut handler reads client-streamed
// record batches.
package decode

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"
)

// StoreResolver maps an opaque storage-location name to its root URL and
// connection options, standing in for the catalog contract's
// store-name mapping (spec.md §6).
type StoreResolver interface {
	Resolve(name string) (root string, options map[string]string, ok bool)
}

// FormatLookup reports the table format a destination table was
// previously created with, if it already exists.
type FormatLookup interface {
	CurrentFormat(ctx context.Context, target syncmodel.TargetIdent) (syncmodel.TableFormat, bool, error)
}

// Message is one inbound sync RPC message (spec.md §6), already
// unmarshalled from its wire envelope. Batch is nil for an empty (0-row)
// message.
type Message struct {
	Path            string
	StoreName       string
	StoreOptions    map[string]string
	Columns         []syncmodel.ColumnDescriptor
	Batch           arrow.Record
	Origin          string
	SequenceNumber  *uint64
	Format          string
}

// Decoder is Component A.
type Decoder struct {
	stores  StoreResolver
	formats FormatLookup
}

// New constructs a Decoder.
func New(stores StoreResolver, formats FormatLookup) *Decoder {
	return &Decoder{stores: stores, formats: formats}
}

// projection is the resolved column layout of one message.
type projection struct {
	oldPK   []int
	newPK   []int
	changed map[string]int // value column name -> CHANGED column index
	value   map[string]int // value column name -> VALUE column index
}

// Decode validates msg against spec.md §3 and produces one RowChange per
// row. Decode never mutates msg.Batch; callers remain responsible for
// releasing it.
func (d *Decoder) Decode(ctx context.Context, msg Message) (*syncmodel.DecodedBatch, error) {
	if msg.Path == "" {
		return nil, syncerr.New(syncerr.KindMalformedBatch, "path must not be empty")
	}
	if msg.Origin == "" {
		return nil, syncerr.New(syncerr.KindMalformedBatch, "origin must not be empty")
	}

	format, err := syncmodel.ParseTableFormat(msg.Format)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedBatch, err, "format")
	}

	root, options, ok := d.stores.Resolve(msg.StoreName)
	if !ok {
		return nil, syncerr.Newf(syncerr.KindUnknownStore, "unknown store %q", msg.StoreName)
	}
	if msg.StoreOptions != nil {
		options = mergeOptions(options, msg.StoreOptions)
	}

	target := syncmodel.TargetIdent{
		TablePath: msg.Path,
		Store: syncmodel.StorageLocation{
			Name:    msg.StoreName,
			Root:    root,
			Options: options,
		},
	}

	if d.formats != nil {
		if existing, found, err := d.formats.CurrentFormat(ctx, target); err != nil {
			return nil, syncerr.Wrap(syncerr.KindIO, err, "format lookup")
		} else if found && existing != format {
			return nil, syncerr.Newf(syncerr.KindFormatMismatch,
				"message declares %s but target already uses %s", format, existing)
		}
	}

	proj, err := resolveProjection(msg.Columns)
	if err != nil {
		return nil, err
	}

	out := &syncmodel.DecodedBatch{
		Target: target,
		Format: format,
		Origin: msg.Origin,
		Seq:    msg.SequenceNumber,
	}

	if msg.Batch == nil || msg.Batch.NumRows() == 0 {
		return out, nil
	}

	changes, err := decodeRows(msg.Batch, proj)
	if err != nil {
		return nil, err
	}
	out.Changes = changes
	return out, nil
}

// resolveProjection validates the role layout from spec.md §3:
//
//	(i)   the OLD_PK and NEW_PK name-sets are equal and non-empty,
//	(ii)  each CHANGED column corresponds by name to exactly one VALUE column,
//	(iii) column names are unique within a role.
func resolveProjection(cols []syncmodel.ColumnDescriptor) (*projection, error) {
	proj := &projection{
		changed: make(map[string]int),
		value:   make(map[string]int),
	}

	oldPKNames := make(map[string]int)
	newPKNames := make(map[string]int)
	changedNames := make(map[string]bool)

	for i, c := range cols {
		switch c.Role {
		case syncmodel.RoleOldPK:
			if _, dup := oldPKNames[c.Name]; dup {
				return nil, syncerr.Newf(syncerr.KindMalformedBatch, "duplicate OLD_PK column %q", c.Name)
			}
			oldPKNames[c.Name] = i
			proj.oldPK = append(proj.oldPK, i)
		case syncmodel.RoleNewPK:
			if _, dup := newPKNames[c.Name]; dup {
				return nil, syncerr.Newf(syncerr.KindMalformedBatch, "duplicate NEW_PK column %q", c.Name)
			}
			newPKNames[c.Name] = i
			proj.newPK = append(proj.newPK, i)
		case syncmodel.RoleChanged:
			if changedNames[c.Name] {
				return nil, syncerr.Newf(syncerr.KindMalformedBatch, "duplicate CHANGED column %q", c.Name)
			}
			changedNames[c.Name] = true
			proj.changed[c.Name] = i
		case syncmodel.RoleValue:
			if _, dup := proj.value[c.Name]; dup {
				return nil, syncerr.Newf(syncerr.KindMalformedBatch, "duplicate VALUE column %q", c.Name)
			}
			proj.value[c.Name] = i
		default:
			return nil, syncerr.Newf(syncerr.KindMalformedBatch, "column %q has no role", c.Name)
		}
	}

	if len(oldPKNames) == 0 || len(newPKNames) == 0 {
		return nil, syncerr.New(syncerr.KindMalformedBatch, "OLD_PK and NEW_PK must be non-empty")
	}
	if len(oldPKNames) != len(newPKNames) {
		return nil, syncerr.New(syncerr.KindMalformedBatch, "OLD_PK and NEW_PK name-sets must be equal")
	}
	for name := range oldPKNames {
		if _, ok := newPKNames[name]; !ok {
			return nil, syncerr.Newf(syncerr.KindMalformedBatch, "OLD_PK column %q has no NEW_PK counterpart", name)
		}
	}

	for name := range changedNames {
		if _, ok := proj.value[name]; !ok {
			return nil, syncerr.Newf(syncerr.KindMalformedBatch, "CHANGED column %q has no matching VALUE column", name)
		}
	}

	return proj, nil
}

func decodeRows(batch arrow.Record, proj *projection) ([]syncmodel.RowChange, error) {
	n := int(batch.NumRows())
	out := make([]syncmodel.RowChange, 0, n)

	cols := batch.Columns()

	for row := 0; row < n; row++ {
		oldKey, oldNull, err := readKey(cols, proj.oldPK, row)
		if err != nil {
			return nil, err
		}
		newKey, newNull, err := readKey(cols, proj.newPK, row)
		if err != nil {
			return nil, err
		}

		switch {
		case oldNull && !newNull:
			payload := readValues(cols, proj.value, row)
			out = append(out, syncmodel.RowChange{
				Op:      syncmodel.OpInsert,
				Key:     newKey,
				Payload: payload,
			})
		case newNull && !oldNull:
			out = append(out, syncmodel.RowChange{
				Op:  syncmodel.OpDelete,
				Key: oldKey,
			})
		case !oldNull && !newNull:
			mask, payload := readChangedValues(cols, proj, row)
			out = append(out, syncmodel.RowChange{
				Op:          syncmodel.OpUpdate,
				Key:         newKey,
				FromKey:     oldKey,
				Payload:     payload,
				PayloadMask: mask,
			})
		default:
			return nil, syncerr.Newf(syncerr.KindMalformedBatch,
				"row %d: both OLD_PK and NEW_PK are null", row)
		}
	}

	return out, nil
}

// pkSeparator joins multi-column PK cells into one comparable byte key.
// It is not a fully collision-proof encoding (a cell value containing
// the separator byte could in principle collide with a neighboring
// cell's boundary), which is an acceptable tradeoff for the common case
// of single-column primary keys, where the key is simply the cell's
// own bytes.
var pkSeparator = []byte{0x1f}

// readKey concatenates the cells of a PK column group for one row into
// a single comparable byte key, and reports whether every cell in the
// group was null (the condition spec.md §3 uses to classify INSERT vs
// DELETE vs UPDATE).
func readKey(cols []arrow.Array, idxs []int, row int) (key []byte, allNull bool, err error) {
	if len(idxs) == 0 {
		return nil, true, nil
	}
	allNull = true
	parts := make([][]byte, len(idxs))
	for i, idx := range idxs {
		col := cols[idx]
		if col.IsNull(row) {
			continue
		}
		allNull = false
		v, err := scalarBytes(col, row)
		if err != nil {
			return nil, false, err
		}
		parts[i] = v
	}
	return bytes.Join(parts, pkSeparator), allNull, nil
}

func readValues(cols []arrow.Array, value map[string]int, row int) map[string]any {
	if len(value) == 0 {
		return nil
	}
	out := make(map[string]any, len(value))
	for name, idx := range value {
		out[name] = scalarValue(cols[idx], row)
	}
	return out
}

func readChangedValues(cols []arrow.Array, proj *projection, row int) (map[string]bool, map[string]any) {
	mask := make(map[string]bool, len(proj.value))
	payload := make(map[string]any, len(proj.value))
	for name, valIdx := range proj.value {
		changedIdx, hasFlag := proj.changed[name]
		changed := !hasFlag // no CHANGED column paired means always materialize
		if hasFlag {
			flagCol := cols[changedIdx]
			changed = !flagCol.IsNull(row) && scalarBool(flagCol, row)
		}
		mask[name] = changed
		if changed {
			payload[name] = scalarValue(cols[valIdx], row)
		}
	}
	return mask, payload
}

func scalarBool(col arrow.Array, row int) bool {
	if b, ok := col.(*array.Boolean); ok {
		return b.Value(row)
	}
	return false
}

func scalarBytes(col arrow.Array, row int) ([]byte, error) {
	v := scalarValue(col, row)
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return []byte(fmt.Sprintf("%v", t)), nil
	}
}

// scalarValue reads the row-th value out of col as a plain Go value,
// covering the column types commonly carried in a changefeed payload.
func scalarValue(col arrow.Array, row int) any {
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.LargeString:
		return c.Value(row)
	case *array.Binary:
		return c.Value(row)
	case *array.Boolean:
		return c.Value(row)
	case *array.Int8:
		return c.Value(row)
	case *array.Int16:
		return c.Value(row)
	case *array.Int32:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Uint8:
		return c.Value(row)
	case *array.Uint16:
		return c.Value(row)
	case *array.Uint32:
		return c.Value(row)
	case *array.Uint64:
		return c.Value(row)
	case *array.Float32:
		return c.Value(row)
	case *array.Float64:
		return c.Value(row)
	case *array.Timestamp:
		return c.Value(row)
	default:
		return col.ValueStr(row)
	}
}

func mergeOptions(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
