// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Replicated operations
// -----------------------------------------------------------------------------

// Operation is one replicated edit. The variant set is closed: every
// operation is an insert or a delete, and each pair of concurrent
// operations has a deterministic merge outcome (inserts tie-break by
// ItemID, deletes are idempotent tombstones).
type Operation interface {
	// Span is the number of logical clock slots the operation occupies.
	Span() uint64

	// OpID is the first clock slot's ID.
	OpID() ItemID
}

// InsertOp inserts a run of runes after Parent. The first rune takes
// ID; each subsequent rune takes the next clock slot and chains onto
// the previous rune, so a run occupies len(Text) consecutive slots.
type InsertOp struct {
	// Parent is the rune the run is inserted after (Root for the head).
	Parent ItemID

	// ID identifies the first inserted rune.
	ID ItemID

	// Text is the inserted run. Never empty.
	Text string
}

// Span returns the number of runes (one clock slot each).
func (o *InsertOp) Span() uint64 {
	return uint64(len([]rune(o.Text)))
}

// OpID returns the first rune's ID.
func (o *InsertOp) OpID() ItemID {
	return o.ID
}

// DeleteOp tombstones a set of runes. The delete itself occupies one
// clock slot (ID) so it participates in state vectors and diffs.
type DeleteOp struct {
	// ID identifies the delete operation.
	ID ItemID

	// Targets are the runes to tombstone. All targets were visible to
	// the originating replica, so they are causal dependencies.
	Targets []ItemID
}

// Span returns 1: a delete occupies a single clock slot.
func (o *DeleteOp) Span() uint64 {
	return 1
}

// OpID returns the delete's own ID.
func (o *DeleteOp) OpID() ItemID {
	return o.ID
}

// registerOpTypes registers the operation variants for gob encoding.
var opTypesRegistered sync.Once

func registerOpTypes() {
	opTypesRegistered.Do(func() {
		gob.Register(&InsertOp{})
		gob.Register(&DeleteOp{})
	})
}

// -----------------------------------------------------------------------------
// Local edits
// -----------------------------------------------------------------------------

// LocalOp is an index-based edit submitted by the owning session.
// Indexes address the visible (tombstone-free) document.
type LocalOp interface {
	isLocalOp()
}

// InsertAt inserts Text before visible position Index
// (Index == Len() appends).
type InsertAt struct {
	Index int
	Text  string
}

func (InsertAt) isLocalOp() {}

// DeleteAt removes Length visible runes starting at Index.
type DeleteAt struct {
	Index  int
	Length int
}

func (DeleteAt) isLocalOp() {}

// -----------------------------------------------------------------------------
// UpdateRecord
// -----------------------------------------------------------------------------

// UpdateRecord is one immutable, causally ordered delta produced by a
// single edit. Records are commutative and idempotent under merge:
// applying the same record twice, or causally independent records in
// any order, yields the same document value.
type UpdateRecord struct {
	// Replica is the originating replica identifier.
	Replica string `json:"replica"`

	// Clock is the first logical clock slot the record occupies.
	// Per-replica clocks start at 1.
	Clock uint64 `json:"clock"`

	// Span is the number of consecutive slots occupied
	// (Clock .. Clock+Span-1).
	Span uint64 `json:"span"`

	// Payload is the gob-encoded Operation. Opaque to storage and
	// transport.
	Payload []byte `json:"payload"`
}

// Top returns the highest clock slot the record occupies.
func (r *UpdateRecord) Top() uint64 {
	return r.Clock + r.Span - 1
}

// Operation decodes the record's payload.
func (r *UpdateRecord) Operation() (Operation, error) {
	registerOpTypes()

	var op Operation
	dec := gob.NewDecoder(bytes.NewReader(r.Payload))
	if err := dec.Decode(&op); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrMalformedRecord, err)
	}
	if op.Span() != r.Span {
		return nil, fmt.Errorf("%w: span mismatch: header %d, operation %d",
			ErrMalformedRecord, r.Span, op.Span())
	}
	if op.OpID() != (ItemID{Replica: r.Replica, Clock: r.Clock}) {
		return nil, fmt.Errorf("%w: operation ID %s does not match header %s@%d",
			ErrMalformedRecord, op.OpID(), r.Replica, r.Clock)
	}
	return op, nil
}

// Validate checks the record header without decoding the payload.
func (r *UpdateRecord) Validate() error {
	if r.Replica == "" {
		return fmt.Errorf("%w: empty replica", ErrMalformedRecord)
	}
	if r.Clock == 0 {
		return fmt.Errorf("%w: clock must start at 1", ErrMalformedRecord)
	}
	if r.Span == 0 {
		return fmt.Errorf("%w: zero span", ErrMalformedRecord)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}
	return nil
}

// EncodeOperation gob-encodes an operation for use as a record payload.
func EncodeOperation(op Operation) ([]byte, error) {
	registerOpTypes()

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&op); err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	return buf.Bytes(), nil
}
