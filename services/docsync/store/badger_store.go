// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/storage/badger"
)

// -----------------------------------------------------------------------------
// BadgerStore Implementation
// -----------------------------------------------------------------------------

// Config configures the BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent mode.
	Path string

	// InMemory uses in-memory BadgerDB (for testing).
	// Default: false.
	InMemory bool

	// SyncWrites enables synchronous writes.
	// MUST be true for the durability guarantee. Default: true.
	SyncWrites bool

	// GCInterval is how often the value log is garbage collected.
	// Default: 5 minutes.
	GCInterval time.Duration

	// Logger for store operations.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("path is required for persistent store")
	}
	return nil
}

// BadgerStore implements Store on BadgerDB.
//
// Description:
//
//	Every document's log entries and snapshot live in one database,
//	isolated by key prefix.
//
// Key format:
//
//	"update:{doc_id}:{seq:016d}"  log entries
//	"snapshot:{doc_id}"           latest snapshot
//	"snapmark:{doc_id}"           8-byte sequence the snapshot covers
//
// Value format: [4-byte CRC32][gob-encoded payload]
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	// lastSeq tracks the highest assigned log sequence per document.
	// Entries are seeded from disk on first touch.
	mu      sync.Mutex
	lastSeq map[string]uint64

	closed atomic.Bool
}

// NewBadgerStore opens the store at the configured path.
//
// Outputs:
//
//	*BadgerStore - Ready-to-use store.
//	error - Wraps ErrStorageUnavailable if BadgerDB cannot be opened.
func NewBadgerStore(config Config) (*BadgerStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.GCInterval <= 0 {
		config.GCInterval = 5 * time.Minute
	}

	db, err := badger.Open(badger.Config{
		Path:       config.Path,
		InMemory:   config.InMemory,
		SyncWrites: config.SyncWrites,
		GCInterval: config.GCInterval,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s := &BadgerStore{
		db:      db,
		logger:  config.Logger.With(slog.String("component", "store")),
		lastSeq: make(map[string]uint64),
	}

	s.logger.Info("store opened",
		slog.String("path", config.Path),
		slog.Bool("in_memory", config.InMemory),
		slog.Bool("sync_writes", config.SyncWrites))

	return s, nil
}

// -----------------------------------------------------------------------------
// Keys and value framing
// -----------------------------------------------------------------------------

func updateKeyPrefix(docID string) string {
	return fmt.Sprintf("update:%s:", docID)
}

func updateKey(docID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", updateKeyPrefix(docID), seq))
}

func snapshotKey(docID string) []byte {
	return []byte("snapshot:" + docID)
}

func snapmarkKey(docID string) []byte {
	return []byte("snapmark:" + docID)
}

// frame prepends a CRC32 checksum: [4-byte CRC][payload].
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// unframe validates the checksum and returns the payload.
func unframe(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrCorruptState)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorruptState, stored, computed)
	}
	return payload, nil
}

// encodeRecord produces a framed gob encoding of an update record.
func encodeRecord(rec *crdt.UpdateRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return frame(buf.Bytes()), nil
}

// decodeRecord validates and decodes a framed update record.
func decodeRecord(data []byte) (*crdt.UpdateRecord, error) {
	payload, err := unframe(data)
	if err != nil {
		return nil, err
	}
	var rec crdt.UpdateRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %v", ErrCorruptState, err)
	}
	return &rec, nil
}

// -----------------------------------------------------------------------------
// Store Interface Implementation
// -----------------------------------------------------------------------------

// AppendUpdate durably appends one record to a document's log.
func (s *BadgerStore) AppendUpdate(ctx context.Context, docID string, rec *crdt.UpdateRecord) (uint64, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if rec == nil {
		return 0, ErrNilUpdate
	}
	if err := validateDocID(docID); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	ctx, span := otel.Tracer("docsync").Start(ctx, "store.AppendUpdate",
		trace.WithAttributes(
			attribute.String("doc_id", docID),
			attribute.String("replica", rec.Replica),
		),
	)
	defer span.End()

	data, err := encodeRecord(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, fmt.Errorf("encode record: %w", err)
	}

	seq, err := s.nextSeq(ctx, docID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	start := time.Now()
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(updateKey(docID, seq), data)
	})
	if err != nil {
		s.releaseSeq(docID, seq)
		appendErrors.WithLabelValues("write").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return 0, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	appendTotal.Inc()
	appendDuration.Observe(time.Since(start).Seconds())
	appendBytes.Observe(float64(len(data)))

	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.Int("entry_bytes", len(data)),
	)

	s.logger.Debug("update appended",
		slog.String("doc_id", docID),
		slog.Uint64("seq", seq),
		slog.Uint64("clock", rec.Clock),
		slog.Int("bytes", len(data)))

	return seq, nil
}

// nextSeq reserves the next log sequence for a document, seeding the
// counter from disk on first use.
func (s *BadgerStore) nextSeq(ctx context.Context, docID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lastSeq[docID]; !ok {
		seq, err := s.scanLastSeq(ctx, docID)
		if err != nil {
			return 0, fmt.Errorf("seed sequence: %w", err)
		}
		s.lastSeq[docID] = seq
	}

	s.lastSeq[docID]++
	return s.lastSeq[docID], nil
}

// releaseSeq rolls the counter back after a failed write, but only if
// no later append claimed a higher sequence in between.
func (s *BadgerStore) releaseSeq(docID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeq[docID] == seq {
		s.lastSeq[docID] = seq - 1
	}
}

// scanLastSeq finds the highest persisted sequence for a document.
// The snapmark floor matters after a prune: the log may be empty while
// the snapshot already covers sequences up to the mark.
func (s *BadgerStore) scanLastSeq(ctx context.Context, docID string) (uint64, error) {
	var maxSeq uint64

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		// Highest log key, scanning in reverse.
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(updateKeyPrefix(docID))
		seekKey := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}

		// Snapmark floor.
		item, err := txn.Get(snapmarkKey(docID))
		if err == dgbadger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				if mark := binary.BigEndian.Uint64(val); mark > maxSeq {
					maxSeq = mark
				}
			}
			return nil
		})
	})

	return maxSeq, err
}

// LoadState reads a document's snapshot and post-snapshot updates.
func (s *BadgerStore) LoadState(ctx context.Context, docID string) (*DocState, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := validateDocID(docID); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	ctx, span := otel.Tracer("docsync").Start(ctx, "store.LoadState",
		trace.WithAttributes(attribute.String("doc_id", docID)),
	)
	defer span.End()

	state := &DocState{}

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		// Snapshot mark first: it decides which log entries matter.
		if item, err := txn.Get(snapmarkKey(docID)); err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) >= 8 {
					state.SnapshotSeq = binary.BigEndian.Uint64(val)
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != dgbadger.ErrKeyNotFound {
			return err
		}

		if item, err := txn.Get(snapshotKey(docID)); err == nil {
			err = item.Value(func(val []byte) error {
				payload, uErr := unframe(val)
				if uErr != nil {
					return uErr
				}
				state.Snapshot = append([]byte(nil), payload...)
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != dgbadger.ErrKeyNotFound {
			return err
		}

		state.LastSeq = state.SnapshotSeq

		prefix := []byte(updateKeyPrefix(docID))
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var seq uint64
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%016d", &seq); err != nil {
				continue
			}
			// Entries the snapshot already covers survive a failed
			// prune; skip them.
			if seq <= state.SnapshotSeq {
				continue
			}

			err := item.Value(func(val []byte) error {
				rec, dErr := decodeRecord(val)
				if dErr != nil {
					corruptTotal.Inc()
					return fmt.Errorf("seq %d: %w", seq, dErr)
				}
				state.Updates = append(state.Updates, rec)
				return nil
			})
			if err != nil {
				return err
			}
			if seq > state.LastSeq {
				state.LastSeq = seq
			}
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load state: %w", err)
	}

	span.SetAttributes(
		attribute.Int("update_count", len(state.Updates)),
		attribute.Bool("has_snapshot", state.Snapshot != nil),
		attribute.Int64("last_seq", int64(state.LastSeq)),
	)

	s.logger.Debug("state loaded",
		slog.String("doc_id", docID),
		slog.Bool("has_snapshot", state.Snapshot != nil),
		slog.Int("updates", len(state.Updates)),
		slog.Uint64("last_seq", state.LastSeq))

	return state, nil
}

// WriteSnapshot stores a snapshot and prunes the covered log entries.
func (s *BadgerStore) WriteSnapshot(ctx context.Context, docID string, snapshot []byte, seq uint64) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := validateDocID(docID); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return fmt.Errorf("snapshot must not be empty")
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	ctx, span := otel.Tracer("docsync").Start(ctx, "store.WriteSnapshot",
		trace.WithAttributes(
			attribute.String("doc_id", docID),
			attribute.Int64("seq", int64(seq)),
		),
	)
	defer span.End()

	// Snapshot and mark commit atomically. The prune is a separate
	// transaction so a prune failure cannot lose the snapshot.
	mark := make([]byte, 8)
	binary.BigEndian.PutUint64(mark, seq)

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(snapshotKey(docID), frame(snapshot)); err != nil {
			return err
		}
		return txn.Set(snapmarkKey(docID), mark)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot write failed")
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	snapshotTotal.Inc()
	snapshotBytes.Observe(float64(len(snapshot)))

	pruned := 0
	prefix := []byte(updateKeyPrefix(docID))
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			var entrySeq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &entrySeq); err != nil {
				continue
			}
			if entrySeq > seq {
				break
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("log prune failed",
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
		// Snapshot and mark are durable; stale entries are skipped on load.
	}

	span.SetAttributes(attribute.Int("pruned_entries", pruned))

	s.logger.Info("snapshot written",
		slog.String("doc_id", docID),
		slog.Uint64("seq", seq),
		slog.Int("snapshot_bytes", len(snapshot)),
		slog.Int("pruned", pruned))

	return nil
}

// DeleteDocument removes all persisted state for a document.
func (s *BadgerStore) DeleteDocument(ctx context.Context, docID string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := validateDocID(docID); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	ctx, span := otel.Tracer("docsync").Start(ctx, "store.DeleteDocument",
		trace.WithAttributes(attribute.String("doc_id", docID)),
	)
	defer span.End()

	deleted := 0
	prefix := []byte(updateKeyPrefix(docID))
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Delete(snapshotKey(docID)); err != nil {
			return err
		}
		if err := txn.Delete(snapmarkKey(docID)); err != nil {
			return err
		}

		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	s.mu.Lock()
	delete(s.lastSeq, docID)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("deleted_entries", deleted))

	s.logger.Info("document deleted",
		slog.String("doc_id", docID),
		slog.Int("entries", deleted))

	return nil
}

// Sync flushes pending writes.
func (s *BadgerStore) Sync() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Sync()
}

// Close syncs and releases resources.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("closing store")
	return s.db.Close()
}
