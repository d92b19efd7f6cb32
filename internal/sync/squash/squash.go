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

// Package squash implements Component B, the row-change squasher
// described in spec.md §4.B. It is the generalization of the teacher's
// internal/util/msort.UniqueByKey "last write wins by key" helper from a
// flat dedup into a full insert/update/delete fold that tracks primary
// key rewrites across an update chain.
package squash

import "github.com/seafowldb/seafowl/internal/syncmodel"

// entry is the per-PK net effect tracked while folding. It mirrors
// syncmodel.RowChange but additionally remembers whether the state was
// ever "materialized" (i.e., descends from an Update whose physical row
// still exists somewhere), which governs the collision tie-break.
type entry struct {
	change       syncmodel.RowChange
	materialized bool // true once the entry is, or derives from, an Update
}

// fold is the ordered-map working state for one squash pass.
type fold struct {
	order []string
	byKey map[string]*entry
}

func newFold(cap int) *fold {
	return &fold{byKey: make(map[string]*entry, cap)}
}

func (f *fold) get(key []byte) (*entry, bool) {
	e, ok := f.byKey[string(key)]
	return e, ok
}

func (f *fold) set(key []byte, e *entry) {
	k := string(key)
	if _, exists := f.byKey[k]; !exists {
		f.order = append(f.order, k)
	}
	f.byKey[k] = e
}

func (f *fold) remove(key []byte) {
	delete(f.byKey, string(key))
	// The key stays in f.order; result() skips removed entries. This
	// keeps removal O(1) at the cost of a skip check during the final
	// scan, trading a little memory for not having to compact a slice
	// on every delete+re-enter of an update chain.
}

func (f *fold) result() []syncmodel.RowChange {
	out := make([]syncmodel.RowChange, 0, len(f.byKey))
	seen := make(map[string]bool, len(f.byKey))
	for _, k := range f.order {
		if seen[k] {
			continue
		}
		seen[k] = true
		e, ok := f.byKey[k]
		if !ok {
			continue
		}
		out = append(out, e.change)
	}
	return out
}

func mergePayload(prevPayload map[string]any, prevMask map[string]bool, mask map[string]bool, v map[string]any) (map[string]any, map[string]bool) {
	payload := make(map[string]any, len(prevPayload)+len(v))
	for k, val := range prevPayload {
		payload[k] = val
	}
	outMask := make(map[string]bool, len(prevMask)+len(mask))
	for k, val := range prevMask {
		outMask[k] = val
	}
	for col, changed := range mask {
		outMask[col] = outMask[col] || changed
		if changed {
			payload[col] = v[col]
		}
	}
	return payload, outMask
}

// displace handles the tie-break rule from spec.md §4.B: when a write
// lands on a key already holding a different entry, the previous
// occupant is discarded if it was an Insert, or converted into a
// Delete of the PK where its row still physically resides (its
// FromKey) if it had materialized row state.
func (f *fold) displace(at []byte, keepGoing func()) {
	prev, ok := f.get(at)
	keepGoing()
	if !ok || prev == nil {
		return
	}
	switch prev.change.Op {
	case syncmodel.OpInsert:
		// Never committed; simply discarded.
	case syncmodel.OpUpdate:
		if prev.materialized {
			from := prev.change.FromKey
			if len(from) == 0 {
				from = prev.change.Key
			}
			f.set(from, &entry{
				change:       syncmodel.RowChange{Op: syncmodel.OpDelete, Key: append([]byte(nil), from...)},
				materialized: true,
			})
		}
	case syncmodel.OpDelete:
		// Idempotent; nothing further to do.
	}
}

// Squash folds a run of row changes into at most one net effect per
// terminal primary key, per spec.md §4.B. It is safe to call on its own
// output (idempotent, §8 property 3) and on the concatenation of
// batches from the same transaction (associative, §8 property 2).
func Squash(changes []syncmodel.RowChange) []syncmodel.RowChange {
	f := newFold(len(changes))

	for _, r := range changes {
		switch r.Op {
		case syncmodel.OpInsert:
			applyInsert(f, r)
		case syncmodel.OpDelete:
			applyDelete(f, r)
		case syncmodel.OpUpdate:
			applyUpdate(f, r)
		}
	}

	return f.result()
}

func applyInsert(f *fold, r syncmodel.RowChange) {
	k := r.Key
	prev, _ := f.get(k)
	// A prior Delete at this key is replaced outright by the new
	// Insert: "if k exists as Delete -> replace with Insert(v)".
	// Any other prior state at k (Insert, or an Update that already
	// terminates at k) is simply overwritten: "last write wins".
	if prev != nil && prev.change.Op == syncmodel.OpUpdate && prev.materialized {
		// The previous occupant had a physical row living at its
		// FromKey; since this key is about to hold a brand new
		// Insert instead, that old row must still be deleted.
		from := prev.change.FromKey
		if len(from) == 0 {
			from = prev.change.Key
		}
		if string(from) != string(k) {
			f.set(from, &entry{
				change:       syncmodel.RowChange{Op: syncmodel.OpDelete, Key: append([]byte(nil), from...)},
				materialized: true,
			})
		}
	}
	f.set(k, &entry{
		change: syncmodel.RowChange{
			Op:      syncmodel.OpInsert,
			Key:     append([]byte(nil), k...),
			Payload: cloneAny(r.Payload),
		},
	})
}

func applyDelete(f *fold, r syncmodel.RowChange) {
	k := r.Key
	prev, ok := f.get(k)
	if !ok {
		f.set(k, &entry{change: syncmodel.RowChange{Op: syncmodel.OpDelete, Key: append([]byte(nil), k...)}})
		return
	}
	switch prev.change.Op {
	case syncmodel.OpInsert:
		// insert+delete within the same window cancels out.
		f.remove(k)
	case syncmodel.OpUpdate:
		from := prev.change.FromKey
		if len(from) == 0 {
			from = k
		}
		f.remove(k)
		f.set(from, &entry{
			change:       syncmodel.RowChange{Op: syncmodel.OpDelete, Key: append([]byte(nil), from...)},
			materialized: true,
		})
	case syncmodel.OpDelete:
		// Already a delete; idempotent.
	}
}

func applyUpdate(f *fold, r syncmodel.RowChange) {
	from, to := r.FromKey, r.Key
	if len(from) == 0 {
		from = to
	}

	prevFrom, hasFrom := f.get(from)

	var payload map[string]any
	var mask map[string]bool
	var resultOp = syncmodel.OpUpdate
	var resultFrom []byte = from
	materialized := true

	switch {
	case hasFrom && prevFrom.change.Op == syncmodel.OpInsert:
		// replace with Insert(merge(prev, mask, v)) keyed by `to`,
		// remove `from`.
		payload, _ = mergePayload(prevFrom.change.Payload, nil, r.PayloadMask, r.Payload)
		resultOp = syncmodel.OpInsert
		materialized = false

	case hasFrom && prevFrom.change.Op == syncmodel.OpUpdate:
		// merge masks/values, key result by `to`, remove `from`.
		payload, mask = mergePayload(prevFrom.change.Payload, prevFrom.change.PayloadMask, r.PayloadMask, r.Payload)
		resultOp = syncmodel.OpUpdate
		resultFrom = prevFrom.change.FromKey
		if len(resultFrom) == 0 {
			resultFrom = from
		}

	default:
		// `from` has no entry -> add Update(from, merge(empty, mask, v))
		// keyed by `to`.
		payload, mask = mergePayload(nil, nil, r.PayloadMask, r.Payload)
		resultOp = syncmodel.OpUpdate
		resultFrom = from
	}

	if hasFrom {
		f.remove(from)
	}

	if string(from) == string(to) {
		// "If from == to the rekey step is a no-op": we still fold
		// the payload/mask merge above, but there is no displacement
		// to perform at `to` beyond overwriting whatever stood there
		// for this same key (which, since from==to, is exactly
		// prevFrom itself -- already consumed above).
		f.set(to, &entry{
			change: syncmodel.RowChange{
				Op:          resultOp,
				Key:         append([]byte(nil), to...),
				FromKey:     cloneKeyIfUpdate(resultOp, resultFrom),
				Payload:     payload,
				PayloadMask: mask,
			},
			materialized: materialized,
		})
		return
	}

	f.displace(to, func() {
		f.set(to, &entry{
			change: syncmodel.RowChange{
				Op:          resultOp,
				Key:         append([]byte(nil), to...),
				FromKey:     cloneKeyIfUpdate(resultOp, resultFrom),
				Payload:     payload,
				PayloadMask: mask,
			},
			materialized: materialized,
		})
	})
}

func cloneKeyIfUpdate(op syncmodel.RowOp, key []byte) []byte {
	if op != syncmodel.OpUpdate {
		return nil
	}
	return append([]byte(nil), key...)
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
