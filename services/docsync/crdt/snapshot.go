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
)

// snapshotEnvelope is the gob wire form of a snapshot: the state
// vector plus the retained causal history. Keeping the history in the
// snapshot is what lets a reloaded document still answer Diff for
// peers that are behind the snapshot point. Pending carries records
// buffered out of causal order at snapshot time; the state vector does
// not cover them, so a snapshot that omitted them would lose
// acknowledged updates once the log is pruned.
type snapshotEnvelope struct {
	StateVector StateVector
	Records     []*UpdateRecord
	Pending     []*UpdateRecord
}

// Snapshot encodes the document's full state, including any buffered
// out-of-order records. The result, loaded into an empty document,
// reproduces content, state vector, pending buffer, and diff
// capability.
func (d *Document) Snapshot() ([]byte, error) {
	env := snapshotEnvelope{
		StateVector: d.sv.Copy(),
		Records:     d.Diff(NewStateVector()),
		Pending:     d.PendingRecords(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadSnapshot restores a snapshot into this document. The document
// must be empty: snapshots replace state, they do not merge into it.
func (d *Document) LoadSnapshot(data []byte) error {
	if len(d.items) > 0 || len(d.history) > 0 || len(d.pending) > 0 {
		return ErrDocumentNotEmpty
	}

	var env snapshotEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return fmt.Errorf("%w: decoding snapshot: %v", ErrMalformedRecord, err)
	}

	for _, rec := range env.Records {
		if err := d.ApplyRemote(rec); err != nil {
			return fmt.Errorf("replaying snapshot record %s@%d: %w", rec.Replica, rec.Clock, err)
		}
	}

	if !d.sv.Equal(env.StateVector) {
		return fmt.Errorf("%w: snapshot history does not reach its state vector", ErrMalformedRecord)
	}

	// Re-buffer the records that were pending at snapshot time. Their
	// dependencies were missing then and are still missing now, so
	// ApplyRemote parks them again until the gaps arrive.
	for _, rec := range env.Pending {
		if err := d.ApplyRemote(rec); err != nil {
			return fmt.Errorf("replaying pending record %s@%d: %w", rec.Replica, rec.Clock, err)
		}
	}
	return nil
}
