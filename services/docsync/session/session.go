// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package session hosts the resident in-memory documents.
//
// Each open document has exactly one Session holding its CRDT state.
// All edits for a document flow through its session, which persists
// every record before applying it and fans the result out to the
// document's subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/store"
)

// -----------------------------------------------------------------------------
// Session Errors
// -----------------------------------------------------------------------------

var (
	// ErrSessionEvicted is returned when operations race an eviction.
	// Callers should re-acquire the session from the registry.
	ErrSessionEvicted = errors.New("session evicted")

	// ErrSessionUnavailable is returned for documents whose persisted
	// state failed to load. The session stays resident so every caller
	// sees the same typed failure instead of a silently empty document.
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrSubscriberOverrun signals that a subscriber fell too far
	// behind and was disconnected.
	ErrSubscriberOverrun = errors.New("subscriber event buffer overrun")

	// ErrRegistryClosed is returned when acquiring from a closed registry.
	ErrRegistryClosed = errors.New("session registry is closed")
)

// -----------------------------------------------------------------------------
// Session States
// -----------------------------------------------------------------------------

// State is a session's lifecycle state.
type State int32

const (
	// StateLoading means persisted state is being read and replayed.
	StateLoading State = iota

	// StateActive means the session has at least one subscriber.
	StateActive

	// StateIdle means the session is resident with no subscribers.
	StateIdle

	// StateEvicted is terminal: the session was flushed and removed.
	StateEvicted

	// StateUnavailable is terminal: persisted state is corrupt.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateEvicted:
		return "evicted"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes session behavior. Zero values take defaults.
type Config struct {
	// SubscriberBuffer is the per-subscriber event channel capacity.
	// A subscriber that lets the buffer fill is disconnected.
	// Default: 256.
	SubscriberBuffer int

	// CompactThreshold triggers a snapshot after this many updates
	// since the last one. Default: 500.
	CompactThreshold int

	// CompactInterval triggers a snapshot of dirty sessions on a
	// timer regardless of threshold. Default: 60s.
	CompactInterval time.Duration

	// IdleTimeout evicts sessions with no subscribers and no writes
	// for this long. Default: 5 minutes.
	IdleTimeout time.Duration

	// Logger for session operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 256,
		CompactThreshold: 500,
		CompactInterval:  60 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

func (c *Config) withDefaults() {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = 500
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is the single resident instance of one document.
//
// Description:
//
//	Owns the document's CRDT state and serializes every mutation.
//	A record becomes visible to subscribers only after the store
//	acknowledged it; a failed append leaves memory untouched.
//
// Thread Safety: Safe for concurrent use.
type Session struct {
	docID   string
	replica string
	store   store.Store
	cfg     Config
	logger  *slog.Logger

	state atomic.Int32

	// loaded closes when the initial load finishes; loadErr is
	// written before the close and read only after it.
	loaded  chan struct{}
	loadErr error

	mu           sync.Mutex
	doc          *crdt.Document
	subs         map[string]*Subscriber
	awareness    map[string]json.RawMessage
	lastSeq      uint64
	dirty        int
	lastActivity time.Time

	compactKick chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// evictFn removes the session from its registry. Nil in tests
	// that exercise a session directly.
	evictFn func(*Session)
}

func newSession(docID string, st store.Store, cfg Config, evictFn func(*Session)) *Session {
	cfg.withDefaults()
	s := &Session{
		docID:       docID,
		replica:     "srv-" + uuid.NewString()[:8],
		store:       st,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "session"), slog.String("doc_id", docID)),
		loaded:      make(chan struct{}),
		subs:        make(map[string]*Subscriber),
		awareness:   make(map[string]json.RawMessage),
		compactKick: make(chan struct{}, 1),
		done:        make(chan struct{}),
		evictFn:     evictFn,
	}
	s.state.Store(int32(StateLoading))
	return s
}

// DocID returns the session's document identifier.
func (s *Session) DocID() string {
	return s.docID
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// load reads persisted state and replays it into a fresh document.
// Runs once, in its own goroutine; acquirers wait on s.loaded.
func (s *Session) load(ctx context.Context) {
	defer close(s.loaded)

	ctx, span := otel.Tracer("docsync").Start(ctx, "session.load",
		trace.WithAttributes(attribute.String("doc_id", s.docID)),
	)
	defer span.End()

	start := time.Now()
	state, err := s.store.LoadState(ctx, s.docID)
	if err != nil {
		s.markUnavailable(span, err)
		return
	}

	doc := crdt.New(s.replica)
	if state.Snapshot != nil {
		if err := doc.LoadSnapshot(state.Snapshot); err != nil {
			s.markUnavailable(span, fmt.Errorf("%w: %v", store.ErrCorruptState, err))
			return
		}
	}
	for _, rec := range state.Updates {
		if err := doc.ApplyRemote(rec); err != nil {
			s.markUnavailable(span, fmt.Errorf("%w: replaying %s@%d: %v",
				store.ErrCorruptState, rec.Replica, rec.Clock, err))
			return
		}
	}

	s.mu.Lock()
	s.doc = doc
	s.lastSeq = state.LastSeq
	s.dirty = len(state.Updates)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Shutdown may have raced the load; only a still-loading session
	// transitions to idle.
	if s.state.CompareAndSwap(int32(StateLoading), int32(StateIdle)) {
		go s.run()
	}

	sessionLoads.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Bool("has_snapshot", state.Snapshot != nil),
		attribute.Int("replayed_updates", len(state.Updates)),
	)

	s.logger.Info("session loaded",
		slog.Bool("has_snapshot", state.Snapshot != nil),
		slog.Int("replayed", len(state.Updates)),
		slog.Uint64("last_seq", state.LastSeq),
		slog.Duration("elapsed", time.Since(start)))
}

func (s *Session) markUnavailable(span trace.Span, err error) {
	s.loadErr = fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	s.state.Store(int32(StateUnavailable))
	sessionLoads.WithLabelValues("error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "load failed")
	s.logger.Error("session load failed, document unavailable",
		slog.String("error", err.Error()))
}

// guard rejects operations on terminal sessions.
func (s *Session) guard() error {
	switch s.State() {
	case StateUnavailable:
		return s.loadErr
	case StateEvicted:
		return ErrSessionEvicted
	}
	return nil
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Subscribe registers a consumer for the session's event stream.
// A second subscription under the same client ID replaces the first.
func (s *Session) Subscribe(clientID string) (*Subscriber, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Eviction happens under s.mu; recheck after taking it.
	if s.State() == StateEvicted {
		return nil, ErrSessionEvicted
	}

	if old, ok := s.subs[clientID]; ok {
		close(old.ch)
	}
	sub := &Subscriber{
		id:      clientID,
		session: s,
		ch:      make(chan Event, s.cfg.SubscriberBuffer),
	}
	s.subs[clientID] = sub
	s.state.Store(int32(StateActive))

	s.logger.Debug("subscriber added",
		slog.String("client_id", clientID),
		slog.Int("subscribers", len(s.subs)))

	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[sub.id]
	if !ok || current != sub {
		return
	}
	delete(s.subs, sub.id)
	close(sub.ch)

	// Presence ends with the subscription.
	if _, ok := s.awareness[sub.id]; ok {
		delete(s.awareness, sub.id)
		s.broadcastLocked(Event{Kind: EventAwareness, From: sub.id, ClientID: sub.id}, sub.id)
	}

	if len(s.subs) == 0 && s.State() == StateActive {
		s.state.Store(int32(StateIdle))
		s.lastActivity = time.Now()
	}

	s.logger.Debug("subscriber removed",
		slog.String("client_id", sub.id),
		slog.Int("subscribers", len(s.subs)))
}

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// broadcastLocked fans an event out to all subscribers except the
// originator. A full buffer disconnects the subscriber on the spot.
// Caller must hold s.mu.
func (s *Session) broadcastLocked(ev Event, except string) {
	for id, sub := range s.subs {
		if id == except {
			continue
		}
		select {
		case sub.ch <- ev:
			eventsFanned.Inc()
		default:
			delete(s.subs, id)
			close(sub.ch)
			subscriberOverruns.Inc()
			s.logger.Warn("subscriber overrun, disconnecting",
				slog.String("client_id", id),
				slog.Int("buffer", s.cfg.SubscriberBuffer))
		}
	}
}

// -----------------------------------------------------------------------------
// Edits
// -----------------------------------------------------------------------------

// SubmitRemote ingests an update record from a client replica.
//
// Description:
//
//	The record is appended to the durable log before it is applied or
//	fanned out. Records already covered by the document's state vector,
//	or already buffered out of causal order, are dropped without
//	growing the log.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - from: Originating client ID, excluded from fan-out.
//   - rec: The update record. Must not be nil.
func (s *Session) SubmitRemote(ctx context.Context, from string, rec *crdt.UpdateRecord) error {
	if rec == nil {
		return crdt.ErrNilRecord
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateEvicted {
		return ErrSessionEvicted
	}

	// Duplicate: already covered by the state vector, or already
	// buffered awaiting its dependencies. Either way the original
	// append is in the log; a retry must not grow it.
	if rec.Top() <= s.doc.StateVector().Get(rec.Replica) {
		return nil
	}
	if s.doc.IsPending(rec) {
		return nil
	}

	seq, err := s.store.AppendUpdate(ctx, s.docID, rec)
	if err != nil {
		return err
	}
	s.lastSeq = seq
	s.dirty++
	s.lastActivity = time.Now()

	if err := s.doc.ApplyRemote(rec); err != nil {
		// Persisted but not applicable. The record is preserved in the
		// log; reload will retry it.
		return err
	}

	s.broadcastLocked(Event{Kind: EventUpdate, From: from, Record: rec}, from)
	s.kickCompactLocked()
	return nil
}

// SubmitLocal performs an index-based edit with the session's own
// replica, with the same durability ordering as SubmitRemote. Returns
// the record so callers can report the assigned clock span.
func (s *Session) SubmitLocal(ctx context.Context, from string, op crdt.LocalOp) (*crdt.UpdateRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateEvicted {
		return nil, ErrSessionEvicted
	}

	rec, err := s.doc.PrepareLocal(op)
	if err != nil {
		return nil, err
	}

	seq, err := s.store.AppendUpdate(ctx, s.docID, rec)
	if err != nil {
		return nil, err
	}
	s.lastSeq = seq
	s.dirty++
	s.lastActivity = time.Now()

	if err := s.doc.Commit(rec); err != nil {
		return nil, err
	}

	s.broadcastLocked(Event{Kind: EventUpdate, From: from, Record: rec}, from)
	s.kickCompactLocked()
	return rec, nil
}

func (s *Session) kickCompactLocked() {
	if s.dirty < s.cfg.CompactThreshold {
		return
	}
	select {
	case s.compactKick <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Awareness
// -----------------------------------------------------------------------------

// SetAwareness stores a client's ephemeral presence blob and fans it
// out. A nil state clears the client's presence. Awareness is never
// persisted.
func (s *Session) SetAwareness(from string, state json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state == nil {
		delete(s.awareness, from)
	} else {
		s.awareness[from] = state
	}
	s.broadcastLocked(Event{Kind: EventAwareness, From: from, ClientID: from, Awareness: state}, from)
	return nil
}

// AwarenessStates returns a copy of all current presence blobs.
func (s *Session) AwarenessStates() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]json.RawMessage, len(s.awareness))
	for id, state := range s.awareness {
		out[id] = state
	}
	return out
}

// -----------------------------------------------------------------------------
// Read access
// -----------------------------------------------------------------------------

// Text returns the document's materialized content.
func (s *Session) Text() (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text(), nil
}

// StateVector returns a copy of the document's state vector.
func (s *Session) StateVector() (crdt.StateVector, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector(), nil
}

// Diff returns the records a peer at the given state vector is missing.
func (s *Session) Diff(peer crdt.StateVector) ([]*crdt.UpdateRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Diff(peer), nil
}

// -----------------------------------------------------------------------------
// Compaction and lifecycle
// -----------------------------------------------------------------------------

// run drives periodic compaction and idle eviction until the session
// closes.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.compactKick:
			s.compact(context.Background())
		case <-ticker.C:
			s.compact(context.Background())
			s.maybeEvict()
		}
	}
}

// compact snapshots the document and prunes the covered log. The
// snapshot is taken under the lock; the write happens outside it so
// client edits never wait on storage compaction.
func (s *Session) compact(ctx context.Context) {
	s.mu.Lock()
	if s.doc == nil || s.dirty == 0 {
		s.mu.Unlock()
		return
	}
	snap, err := s.doc.Snapshot()
	upTo := s.lastSeq
	covered := s.dirty
	s.mu.Unlock()

	if err != nil {
		compactionTotal.WithLabelValues("encode_error").Inc()
		s.logger.Error("snapshot encode failed", slog.String("error", err.Error()))
		return
	}

	// Transient storage failures get a couple of retries; a compaction
	// that still fails just leaves the log longer until the next tick.
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = s.store.WriteSnapshot(ctx, s.docID, snap, upTo)
		if err == nil || attempt >= 2 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-s.done:
			return
		}
		backoff *= 2
	}
	if err != nil {
		compactionTotal.WithLabelValues("error").Inc()
		s.logger.Warn("compaction failed",
			slog.Uint64("up_to_seq", upTo),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.dirty -= covered
	if s.dirty < 0 {
		s.dirty = 0
	}
	s.mu.Unlock()

	compactionTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("compacted",
		slog.Uint64("up_to_seq", upTo),
		slog.Int("covered", covered))
}

// maybeEvict asks the registry to evict a fully idle, fully flushed
// session.
func (s *Session) maybeEvict() {
	if s.evictFn == nil {
		return
	}
	s.mu.Lock()
	idle := len(s.subs) == 0 &&
		s.dirty == 0 &&
		s.State() == StateIdle &&
		time.Since(s.lastActivity) >= s.cfg.IdleTimeout
	s.mu.Unlock()

	if idle {
		s.evictFn(s)
	}
}

// close tears the session down. With flush set, dirty state is
// snapshotted first; Delete passes flush=false because the persisted
// document is going away anyway.
func (s *Session) close(ctx context.Context, flush bool) {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	if s.State() == StateUnavailable {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateEvicted))
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}

	var snap []byte
	var upTo uint64
	if flush && s.dirty > 0 && s.doc != nil {
		var err error
		snap, err = s.doc.Snapshot()
		if err != nil {
			s.logger.Error("final snapshot encode failed", slog.String("error", err.Error()))
			snap = nil
		}
		upTo = s.lastSeq
		s.dirty = 0
	}
	s.mu.Unlock()

	if snap != nil {
		if err := s.store.WriteSnapshot(ctx, s.docID, snap, upTo); err != nil {
			// The update log still has every record; nothing is lost.
			s.logger.Warn("final flush failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("session closed", slog.Bool("flushed", snap != nil))
}
