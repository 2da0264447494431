// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package crdt implements the replicated document type backing
// collaborative editing.
//
// The document is an RGA (Replicated Growable Array) sequence CRDT:
//
//   - Every inserted rune has a globally unique ItemID (replica, clock).
//   - An insertion is addressed by its parent: "insert X after P".
//     Concurrent inserts after the same parent are ordered by ItemID
//     (higher first), so every replica converges to the same order.
//   - Deletes are tombstones; tombstoned runes stay in the ordering
//     graph but are invisible in the materialized value.
//   - Out-of-causal-order records are buffered until their
//     dependencies arrive.
//
// Edits travel as UpdateRecords: immutable, causally ordered deltas
// identified by (replica, clock span) with an opaque encoded payload.
// Applying records is commutative, associative, and idempotent: the
// document value is a pure function of the set of applied records,
// independent of arrival order. A state vector (per-replica highest
// applied clock) summarizes a document's knowledge and drives minimal
// diff computation between peers.
//
// Documents are NOT safe for concurrent use. The owning session
// serializes all access (single-writer rule).
package crdt
