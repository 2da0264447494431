// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilRecord is returned when a nil update record is applied.
	ErrNilRecord = errors.New("update record must not be nil")

	// ErrMalformedRecord is returned when a record's payload cannot be
	// decoded or its header fields are inconsistent.
	ErrMalformedRecord = errors.New("malformed update record")

	// ErrIndexOutOfRange is returned when a local edit addresses a
	// position outside the visible document.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrEmptyInsert is returned when a local insert carries no text.
	ErrEmptyInsert = errors.New("insert text must not be empty")

	// ErrTooManyPending is returned when the out-of-order buffer
	// exceeds its limit, which indicates a peer that never delivers
	// the missing causal predecessors.
	ErrTooManyPending = errors.New("too many causally pending records")

	// ErrDocumentNotEmpty is returned when a snapshot is loaded into a
	// document that already holds state.
	ErrDocumentNotEmpty = errors.New("document is not empty")
)

// -----------------------------------------------------------------------------
// ItemID
// -----------------------------------------------------------------------------

// ItemID uniquely identifies one inserted rune: the replica that
// created it and that replica's logical clock slot.
//
// The zero value is the root sentinel: the virtual predecessor of the
// first rune in a document.
type ItemID struct {
	// Replica identifies the originating replica.
	Replica string `json:"replica"`

	// Clock is the replica-local logical clock slot, starting at 1.
	Clock uint64 `json:"clock"`
}

// Root is the virtual parent of runes inserted at the head of the
// document.
var Root = ItemID{}

// IsRoot reports whether the ID is the root sentinel.
func (a ItemID) IsRoot() bool {
	return a.Replica == "" && a.Clock == 0
}

// Less provides the deterministic total order used for concurrent
// sibling tie-breaks: by clock, then by replica identifier. Two
// distinct items never compare equal because IDs are unique.
func (a ItemID) Less(b ItemID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Replica < b.Replica
}

// String formats the ID as "replica@clock" for logs and errors.
func (a ItemID) String() string {
	if a.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s@%d", a.Replica, a.Clock)
}

// -----------------------------------------------------------------------------
// StateVector
// -----------------------------------------------------------------------------

// StateVector records, per replica, the highest logical clock slot a
// document has applied. Missing replicas are implicitly at 0.
//
// Two peers exchange state vectors to compute the minimal set of
// update records each is missing.
type StateVector map[string]uint64

// NewStateVector returns an empty state vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the highest applied clock for a replica (0 if unknown).
func (sv StateVector) Get(replica string) uint64 {
	return sv[replica]
}

// Covers reports whether the vector already includes the given item.
func (sv StateVector) Covers(id ItemID) bool {
	return id.Clock <= sv[id.Replica]
}

// Advance raises the replica's entry to clock if it is higher.
func (sv StateVector) Advance(replica string, clock uint64) {
	if clock > sv[replica] {
		sv[replica] = clock
	}
}

// Merge folds another vector in, keeping the maximum per replica.
func (sv StateVector) Merge(other StateVector) {
	for replica, clock := range other {
		sv.Advance(replica, clock)
	}
}

// Copy returns an independent copy of the vector.
func (sv StateVector) Copy() StateVector {
	out := make(StateVector, len(sv))
	for replica, clock := range sv {
		out[replica] = clock
	}
	return out
}

// Equal reports whether two vectors describe the same knowledge,
// treating missing entries as 0.
func (sv StateVector) Equal(other StateVector) bool {
	for replica, clock := range sv {
		if other[replica] != clock && clock != 0 {
			return false
		}
	}
	for replica, clock := range other {
		if sv[replica] != clock && clock != 0 {
			return false
		}
	}
	return true
}

// Replicas returns the replica identifiers in sorted order.
func (sv StateVector) Replicas() []string {
	out := make([]string, 0, len(sv))
	for replica := range sv {
		out = append(out, replica)
	}
	sort.Strings(out)
	return out
}

// String formats the vector deterministically for logs.
func (sv StateVector) String() string {
	s := "{"
	for i, replica := range sv.Replicas() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", replica, sv[replica])
	}
	return s + "}"
}
