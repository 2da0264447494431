// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package crdt

import (
	"fmt"
	"sort"
)

// MaxPendingRecords bounds the out-of-causal-order buffer. A peer that
// keeps sending records whose predecessors never arrive is broken and
// gets rejected rather than growing memory without limit.
const MaxPendingRecords = 4096

// item is one inserted rune's payload.
type item struct {
	ch      rune
	deleted bool
}

// Document is one document's replicated state: the causal history of
// update records plus the materialized rune sequence.
//
// Not safe for concurrent use; the owning session serializes access.
type Document struct {
	// replica is the local replica identifier used by PrepareLocal.
	replica string

	// sv is the per-replica highest applied clock slot.
	sv StateVector

	// items maps every inserted rune (tombstones included) to its payload.
	items map[ItemID]*item

	// children maps a parent to its child runs, sorted descending by
	// ItemID so that a newer concurrent insert lands closer to its
	// parent. This ordering is the deterministic tie-break; it must
	// never change or replicas stop converging.
	children map[ItemID][]ItemID

	// history retains applied update records per replica, in clock
	// order, for diff computation and snapshot encoding.
	history map[string][]*UpdateRecord

	// pending buffers records that arrived before their causal
	// dependencies.
	pending []*UpdateRecord

	// order caches the visible runes in document order.
	order []ItemID
	dirty bool
}

// New creates an empty document owned by the given replica.
func New(replica string) *Document {
	return &Document{
		replica:  replica,
		sv:       NewStateVector(),
		items:    make(map[ItemID]*item),
		children: make(map[ItemID][]ItemID),
		history:  make(map[string][]*UpdateRecord),
	}
}

// Replica returns the local replica identifier.
func (d *Document) Replica() string {
	return d.replica
}

// StateVector returns a copy of the document's state vector.
func (d *Document) StateVector() StateVector {
	return d.sv.Copy()
}

// PendingCount returns the number of buffered out-of-order records.
func (d *Document) PendingCount() int {
	return len(d.pending)
}

// PendingRecords returns a copy of the buffered out-of-order records.
// These carry state the state vector does not: a snapshot that dropped
// them would lose acknowledged updates.
func (d *Document) PendingRecords() []*UpdateRecord {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]*UpdateRecord, len(d.pending))
	copy(out, d.pending)
	return out
}

// IsPending reports whether a record with the same (replica, clock) is
// already sitting in the out-of-order buffer.
func (d *Document) IsPending(rec *UpdateRecord) bool {
	for _, p := range d.pending {
		if p.Replica == rec.Replica && p.Clock == rec.Clock {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Local edits
// -----------------------------------------------------------------------------

// PrepareLocal builds the update record for a local edit WITHOUT
// mutating the document. The caller persists the record first and then
// integrates it with Commit, so durability always precedes visibility.
func (d *Document) PrepareLocal(op LocalOp) (*UpdateRecord, error) {
	d.ensureOrder()

	clock := d.sv.Get(d.replica) + 1
	id := ItemID{Replica: d.replica, Clock: clock}

	var rep Operation
	switch o := op.(type) {
	case InsertAt:
		if o.Text == "" {
			return nil, ErrEmptyInsert
		}
		if o.Index < 0 || o.Index > len(d.order) {
			return nil, fmt.Errorf("%w: insert at %d, length %d", ErrIndexOutOfRange, o.Index, len(d.order))
		}
		parent := Root
		if o.Index > 0 {
			parent = d.order[o.Index-1]
		}
		rep = &InsertOp{Parent: parent, ID: id, Text: o.Text}

	case DeleteAt:
		if o.Length <= 0 {
			return nil, fmt.Errorf("%w: delete length %d", ErrIndexOutOfRange, o.Length)
		}
		if o.Index < 0 || o.Index+o.Length > len(d.order) {
			return nil, fmt.Errorf("%w: delete [%d,%d) of %d", ErrIndexOutOfRange, o.Index, o.Index+o.Length, len(d.order))
		}
		targets := make([]ItemID, o.Length)
		copy(targets, d.order[o.Index:o.Index+o.Length])
		rep = &DeleteOp{ID: id, Targets: targets}

	default:
		return nil, fmt.Errorf("unsupported local operation %T", op)
	}

	payload, err := EncodeOperation(rep)
	if err != nil {
		return nil, err
	}

	return &UpdateRecord{
		Replica: d.replica,
		Clock:   clock,
		Span:    rep.Span(),
		Payload: payload,
	}, nil
}

// Commit integrates a record previously built by PrepareLocal. It is
// ApplyRemote under a name that states the intent: the record is the
// document's own next in-order edit, so integration cannot buffer.
func (d *Document) Commit(rec *UpdateRecord) error {
	return d.ApplyRemote(rec)
}

// ApplyLocal is PrepareLocal followed by Commit, for callers that do
// not interpose persistence between the two.
func (d *Document) ApplyLocal(op LocalOp) (*UpdateRecord, error) {
	rec, err := d.PrepareLocal(op)
	if err != nil {
		return nil, err
	}
	if err := d.Commit(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// -----------------------------------------------------------------------------
// Remote merge
// -----------------------------------------------------------------------------

// ApplyRemote merges one update record. Safe to call with records
// already seen (no-op), records arriving out of causal order
// (buffered until their dependencies arrive), and duplicates.
//
// Returns ErrMalformedRecord for records that can never be applied
// and ErrTooManyPending when the out-of-order buffer is exhausted.
func (d *Document) ApplyRemote(rec *UpdateRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	applied, err := d.applyOrBuffer(rec)
	if err != nil {
		return err
	}
	if applied {
		d.drainPending()
	}
	return nil
}

// applyOrBuffer integrates the record if its dependencies are met,
// otherwise buffers it. Returns whether the record was integrated.
func (d *Document) applyOrBuffer(rec *UpdateRecord) (bool, error) {
	// Duplicate: the state vector already covers the whole span.
	if rec.Top() <= d.sv.Get(rec.Replica) {
		return false, nil
	}

	ready, err := d.ready(rec)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, d.buffer(rec)
	}

	op, err := rec.Operation()
	if err != nil {
		return false, err
	}
	d.integrate(rec, op)
	return true, nil
}

// ready reports whether all causal dependencies of the record are
// present: the per-replica clock must be contiguous and, for the
// operation itself, parents and delete targets must exist.
func (d *Document) ready(rec *UpdateRecord) (bool, error) {
	if rec.Clock != d.sv.Get(rec.Replica)+1 {
		return false, nil
	}

	op, err := rec.Operation()
	if err != nil {
		return false, err
	}

	switch o := op.(type) {
	case *InsertOp:
		if !o.Parent.IsRoot() {
			if _, ok := d.items[o.Parent]; !ok {
				return false, nil
			}
		}
	case *DeleteOp:
		for _, target := range o.Targets {
			if _, ok := d.items[target]; !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// buffer stores a not-yet-applicable record, deduplicating by
// (replica, clock).
func (d *Document) buffer(rec *UpdateRecord) error {
	for _, p := range d.pending {
		if p.Replica == rec.Replica && p.Clock == rec.Clock {
			return nil
		}
	}
	if len(d.pending) >= MaxPendingRecords {
		return ErrTooManyPending
	}
	d.pending = append(d.pending, rec)
	return nil
}

// drainPending re-attempts buffered records until a pass makes no
// progress. A newly integrated record may unblock several others.
func (d *Document) drainPending() {
	for {
		progressed := false
		remaining := d.pending[:0]

		for _, rec := range d.pending {
			// Drop records the state vector has since covered.
			if rec.Top() <= d.sv.Get(rec.Replica) {
				progressed = true
				continue
			}

			ready, err := d.ready(rec)
			if err != nil || !ready {
				remaining = append(remaining, rec)
				continue
			}

			op, opErr := rec.Operation()
			if opErr != nil {
				// Undecodable buffered record: drop it, the state
				// vector was never advanced past it.
				progressed = true
				continue
			}
			d.integrate(rec, op)
			progressed = true
		}

		d.pending = remaining
		if !progressed {
			return
		}
	}
}

// integrate applies an operation whose dependencies are all present
// and records it in the causal history. Must only be called from
// applyOrBuffer/drainPending after a ready() check.
func (d *Document) integrate(rec *UpdateRecord, op Operation) {
	switch o := op.(type) {
	case *InsertOp:
		parent := o.Parent
		clock := rec.Clock
		for _, ch := range o.Text {
			id := ItemID{Replica: rec.Replica, Clock: clock}
			if _, exists := d.items[id]; !exists {
				d.items[id] = &item{ch: ch}
				d.insertChild(parent, id)
			}
			parent = id
			clock++
		}

	case *DeleteOp:
		for _, target := range o.Targets {
			if it, ok := d.items[target]; ok {
				it.deleted = true
			}
		}
	}

	d.sv.Advance(rec.Replica, rec.Top())
	d.history[rec.Replica] = append(d.history[rec.Replica], rec)
	d.dirty = true
}

// insertChild places id into parent's child list at its tie-break
// position: children are kept sorted descending by ItemID.
func (d *Document) insertChild(parent, id ItemID) {
	kids := d.children[parent]

	i := 0
	for i < len(kids) && id.Less(kids[i]) {
		i++
	}

	kids = append(kids, ItemID{})
	copy(kids[i+1:], kids[i:])
	kids[i] = id
	d.children[parent] = kids
}

// -----------------------------------------------------------------------------
// Diff
// -----------------------------------------------------------------------------

// Diff returns exactly the update records the peer described by its
// state vector is missing, ordered by replica and clock. Applying
// them to a document at that state vector brings it to this
// document's state vector.
func (d *Document) Diff(peer StateVector) []*UpdateRecord {
	var out []*UpdateRecord

	replicas := make([]string, 0, len(d.history))
	for replica := range d.history {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)

	for _, replica := range replicas {
		have := peer.Get(replica)
		for _, rec := range d.history[replica] {
			if rec.Top() > have {
				out = append(out, rec)
			}
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Materialized value
// -----------------------------------------------------------------------------

// Text returns the current visible document content.
func (d *Document) Text() string {
	d.ensureOrder()
	runes := make([]rune, len(d.order))
	for i, id := range d.order {
		runes[i] = d.items[id].ch
	}
	return string(runes)
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.ensureOrder()
	return len(d.order)
}

// ensureOrder rebuilds the visible linearization if edits occurred
// since the last build.
func (d *Document) ensureOrder() {
	if !d.dirty && d.order != nil {
		return
	}

	d.order = d.order[:0]
	if d.order == nil {
		d.order = make([]ItemID, 0, len(d.items))
	}

	// Iterative preorder walk of the ordering tree. Runs chain each
	// rune onto the previous one, so recursion depth would equal
	// document length; an explicit stack avoids that.
	stack := make([]ItemID, 0, 64)
	pushChildren := func(id ItemID) {
		kids := d.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	pushChildren(Root)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if it := d.items[id]; it != nil && !it.deleted {
			d.order = append(d.order, id)
		}
		pushChildren(id)
	}

	d.dirty = false
}
