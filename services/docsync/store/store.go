// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package store persists document update logs and snapshots.
//
// Updates are appended to a per-document log before they become
// visible to any session; snapshots bound replay cost and let the log
// be pruned. All state for all documents lives in one embedded
// BadgerDB instance.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudillo/cloudillo-sub009/pkg/validation"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
)

// -----------------------------------------------------------------------------
// Store Errors
// -----------------------------------------------------------------------------

var (
	// ErrStoreClosed is returned when operations are called on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrStorageUnavailable is returned when the backing database cannot
	// be opened or reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCorruptState is returned when persisted data fails integrity check.
	ErrCorruptState = errors.New("persisted state corrupted (CRC mismatch)")

	// ErrWriteFailure is returned when a durable write does not complete.
	ErrWriteFailure = errors.New("durable write failed")

	// ErrInvalidDocID is returned for empty doc IDs or IDs containing the
	// key separator.
	ErrInvalidDocID = errors.New("invalid document id")

	// ErrNilUpdate is returned when attempting to append a nil record.
	ErrNilUpdate = errors.New("update record must not be nil")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// DocState is everything persisted for one document: the most recent
// snapshot (if any) plus the update records appended after it.
type DocState struct {
	// Snapshot is the encoded document snapshot. Nil if none was taken.
	Snapshot []byte

	// SnapshotSeq is the log sequence the snapshot covers up to.
	// Zero when Snapshot is nil.
	SnapshotSeq uint64

	// Updates are the records after SnapshotSeq, in log order.
	Updates []*crdt.UpdateRecord

	// LastSeq is the highest log sequence seen for the document.
	// Zero for an unknown document.
	LastSeq uint64
}

// Empty reports whether the store holds nothing for the document.
func (s *DocState) Empty() bool {
	return s.Snapshot == nil && len(s.Updates) == 0
}

// Store is the durable update log and snapshot storage.
//
// Description:
//
//	Each document has an append-only log of update records plus at most
//	one snapshot. AppendUpdate MUST complete before the appended record
//	is applied to any in-memory document; this is what makes an
//	acknowledged edit survive a crash.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type Store interface {
	// AppendUpdate durably appends one record to a document's log.
	//
	// Inputs:
	//   - ctx: Context for cancellation. Must not be nil.
	//   - docID: Document identifier. Must not be empty.
	//   - rec: The update record to persist. Must not be nil.
	//
	// Outputs:
	//   - uint64: The log sequence assigned to the record.
	//   - error: ErrWriteFailure if the write did not complete.
	AppendUpdate(ctx context.Context, docID string, rec *crdt.UpdateRecord) (uint64, error)

	// LoadState reads a document's snapshot and post-snapshot updates.
	//
	// Outputs:
	//   - *DocState: Empty (not nil) for an unknown document.
	//   - error: ErrCorruptState if an entry fails its integrity check.
	LoadState(ctx context.Context, docID string) (*DocState, error)

	// WriteSnapshot stores a snapshot covering the log up to and
	// including seq, then prunes the covered log entries. The prune is
	// best effort; a failed prune leaves extra log entries that the
	// next LoadState simply skips.
	WriteSnapshot(ctx context.Context, docID string, snapshot []byte, seq uint64) error

	// DeleteDocument removes all persisted state for a document.
	// Deleting an unknown document is not an error.
	DeleteDocument(ctx context.Context, docID string) error

	// Sync flushes pending writes to disk.
	Sync() error

	// Close syncs and releases resources.
	Close() error
}

// validateDocID rejects IDs that would break the key scheme.
func validateDocID(docID string) error {
	if err := validation.ValidateDocID(docID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocID, err)
	}
	return nil
}
