// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/store"
)

// Registry maps document IDs to their single resident session.
//
// Description:
//
//	At most one session exists per document at a time; concurrent
//	acquirers of a loading document block on the same load instead of
//	racing their own. Unavailable sessions stay in the map so every
//	acquirer sees the same typed failure.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st store.Store, cfg Config) *Registry {
	cfg.withDefaults()
	return &Registry{
		store:    st,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "registry")),
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the resident session for a document, creating and
// loading one if needed. Blocks until the load completes or ctx ends.
func (r *Registry) Acquire(ctx context.Context, docID string) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		s, ok := r.sessions[docID]
		if !ok {
			s = newSession(docID, r.store, r.cfg, r.tryEvict)
			r.sessions[docID] = s
			residentSessions.Inc()
			// The load outlives any single acquirer.
			go s.load(context.Background())
		}
		r.mu.Unlock()

		select {
		case <-s.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch s.State() {
		case StateUnavailable:
			return nil, s.loadErr
		case StateEvicted:
			// Raced an idle eviction; the map no longer holds it.
			continue
		default:
			return s, nil
		}
	}
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// tryEvict removes a session that re-verifies as fully idle under the
// registry lock. Called from the session's own lifecycle goroutine.
func (r *Registry) tryEvict(s *Session) {
	r.mu.Lock()
	if r.closed || r.sessions[s.docID] != s {
		r.mu.Unlock()
		return
	}

	s.mu.Lock()
	idle := len(s.subs) == 0 && s.dirty == 0 && s.State() == StateIdle
	if !idle {
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	s.state.Store(int32(StateEvicted))
	s.mu.Unlock()

	delete(r.sessions, s.docID)
	residentSessions.Dec()
	r.mu.Unlock()

	s.close(context.Background(), true)
	evictionsTotal.Inc()
	r.logger.Info("session evicted", slog.String("doc_id", s.docID))
}

// Delete evicts a document's session without flushing and removes its
// persisted state. Deleting an unknown document only touches storage.
func (r *Registry) Delete(ctx context.Context, docID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	s, ok := r.sessions[docID]
	if ok {
		delete(r.sessions, docID)
		residentSessions.Dec()
	}
	r.mu.Unlock()

	if s != nil {
		s.close(ctx, false)
	}
	if err := r.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}

	r.logger.Info("document deleted",
		slog.String("doc_id", docID),
		slog.Bool("was_resident", s != nil))
	return nil
}

// Shutdown flushes and closes every resident session. The registry
// accepts no new acquisitions afterwards.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		remaining = append(remaining, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range remaining {
		s.close(ctx, true)
		residentSessions.Dec()
	}

	r.logger.Info("registry shut down", slog.Int("flushed_sessions", len(remaining)))
}
