// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/store"
)

func newTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	s, err := store.NewBadgerStore(store.Config{InMemory: true, SyncWrites: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T, st store.Store, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(st, cfg)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

// clientRecord builds an update record the way a client replica would.
func clientRecord(t *testing.T, replica, text string) *crdt.UpdateRecord {
	t.Helper()
	rec, err := crdt.New(replica).ApplyLocal(crdt.InsertAt{Index: 0, Text: text})
	require.NoError(t, err)
	return rec
}

func TestRegistry_AcquireLoadsEmptyDocument(t *testing.T) {
	r := newTestRegistry(t, newTestStore(t), DefaultConfig())

	s, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", s.DocID())
	assert.Equal(t, StateIdle, s.State())

	text, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestRegistry_SingleResidentSession(t *testing.T) {
	r := newTestRegistry(t, newTestStore(t), DefaultConfig())

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Acquire(context.Background(), "doc-1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, r.Len())
}

func TestSession_SubmitLocal_DurableAcrossRestart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := NewRegistry(st, DefaultConfig())
	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "durable"})
	require.NoError(t, err)
	r.Shutdown(ctx)

	// A fresh registry over the same store sees the content.
	r2 := newTestRegistry(t, st, DefaultConfig())
	s2, err := r2.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	text, err := s2.Text()
	require.NoError(t, err)
	assert.Equal(t, "durable", text)
}

func TestSession_SubmitRemote_FanOut(t *testing.T) {
	r := newTestRegistry(t, newTestStore(t), DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	origin, err := s.Subscribe("origin")
	require.NoError(t, err)
	other, err := s.Subscribe("other")
	require.NoError(t, err)

	rec := clientRecord(t, "client-a", "hi")
	require.NoError(t, s.SubmitRemote(ctx, "origin", rec))

	select {
	case ev := <-other.Events():
		assert.Equal(t, EventUpdate, ev.Kind)
		assert.Equal(t, "origin", ev.From)
		assert.Equal(t, rec.Clock, ev.Record.Clock)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive update")
	}

	select {
	case ev := <-origin.Events():
		t.Fatalf("originator received its own update: %+v", ev)
	default:
	}

	text, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestSession_SubmitRemote_DuplicateDoesNotGrowLog(t *testing.T) {
	st := newTestStore(t)
	r := newTestRegistry(t, st, DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	rec := clientRecord(t, "client-a", "x")
	require.NoError(t, s.SubmitRemote(ctx, "c1", rec))
	require.NoError(t, s.SubmitRemote(ctx, "c1", rec))
	require.NoError(t, s.SubmitRemote(ctx, "c2", rec))

	state, err := st.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, state.Updates, 1)
}

func TestSession_SubmitRemote_InvalidRecord(t *testing.T) {
	r := newTestRegistry(t, newTestStore(t), DefaultConfig())
	s, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SubmitRemote(context.Background(), "c", nil), crdt.ErrNilRecord)
	assert.ErrorIs(t, s.SubmitRemote(context.Background(), "c", &crdt.UpdateRecord{}), crdt.ErrMalformedRecord)
}

func TestSession_PersistFailureLeavesMemoryUntouched(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "kept"})
	require.NoError(t, err)

	// Break the store out from under the session.
	require.NoError(t, st.Close())

	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 4, Text: "lost"})
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	err = s.SubmitRemote(ctx, "c", clientRecord(t, "client-a", "lost too"))
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	text, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, "kept", text)
}

func TestSession_Compaction(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.CompactThreshold = 3
	cfg.CompactInterval = 20 * time.Millisecond
	r := newTestRegistry(t, st, cfg)
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.SubmitLocal(ctx, "", crdt.InsertAt{Index: i, Text: "x"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		state, err := st.LoadState(ctx, "doc-1")
		return err == nil && state.Snapshot != nil && len(state.Updates) == 0
	}, 2*time.Second, 10*time.Millisecond, "compaction never pruned the log")

	// Content is intact through the snapshot.
	state, err := st.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	restored := crdt.New("check")
	require.NoError(t, restored.LoadSnapshot(state.Snapshot))
	assert.Equal(t, "xxxxx", restored.Text())
}

func TestSession_SubscriberOverrun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberBuffer = 1
	r := newTestRegistry(t, newTestStore(t), cfg)
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	slow, err := s.Subscribe("slow")
	require.NoError(t, err)

	// Two undrained events: the second one overruns the buffer.
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "a"})
	require.NoError(t, err)
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 1, Text: "b"})
	require.NoError(t, err)

	// The buffered event drains, then the channel reports closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				assert.Zero(t, s.SubscriberCount())
				return
			}
		case <-deadline:
			t.Fatal("overrun subscriber channel never closed")
		}
	}
}

func TestSession_Awareness(t *testing.T) {
	r := newTestRegistry(t, newTestStore(t), DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	alice, err := s.Subscribe("alice")
	require.NoError(t, err)
	bob, err := s.Subscribe("bob")
	require.NoError(t, err)

	cursor := json.RawMessage(`{"cursor":4}`)
	require.NoError(t, s.SetAwareness("alice", cursor))

	select {
	case ev := <-bob.Events():
		assert.Equal(t, EventAwareness, ev.Kind)
		assert.Equal(t, "alice", ev.ClientID)
		assert.Equal(t, cursor, ev.Awareness)
	case <-time.After(time.Second):
		t.Fatal("awareness event not delivered")
	}

	states := s.AwarenessStates()
	require.Contains(t, states, "alice")
	assert.Equal(t, cursor, states["alice"])

	// Unsubscribe clears presence and tells the others.
	alice.Close()
	select {
	case ev := <-bob.Events():
		assert.Equal(t, EventAwareness, ev.Kind)
		assert.Equal(t, "alice", ev.ClientID)
		assert.Nil(t, ev.Awareness)
	case <-time.After(time.Second):
		t.Fatal("awareness clear not delivered")
	}
	assert.NotContains(t, s.AwarenessStates(), "alice")
}

func TestSession_IdleEviction(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.CompactInterval = 10 * time.Millisecond
	cfg.IdleTimeout = 30 * time.Millisecond
	r := newTestRegistry(t, st, cfg)
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "bye"})
	require.NoError(t, err)

	sub, err := s.Subscribe("c")
	require.NoError(t, err)
	sub.Close()

	require.Eventually(t, func() bool {
		return r.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "idle session never evicted")
	assert.Equal(t, StateEvicted, s.State())

	// Operating on the stale handle fails; re-acquiring works.
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "x"})
	assert.ErrorIs(t, err, ErrSessionEvicted)

	s2, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	text, err := s2.Text()
	require.NoError(t, err)
	assert.Equal(t, "bye", text)
}

func TestRegistry_UnavailableDocument(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Persist a record whose payload cannot be decoded. The store
	// accepts it (payloads are opaque at that layer); the session's
	// replay is where it surfaces.
	bad := &crdt.UpdateRecord{Replica: "evil", Clock: 1, Span: 1, Payload: []byte("junk")}
	_, err := st.AppendUpdate(ctx, "doc-1", bad)
	require.NoError(t, err)

	r := newTestRegistry(t, st, DefaultConfig())

	_, err = r.Acquire(ctx, "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.ErrorIs(t, err, store.ErrCorruptState)

	// The failure is sticky: later acquirers see it too, and the
	// session stays resident rather than resetting to empty.
	_, err2 := r.Acquire(ctx, "doc-1")
	assert.ErrorIs(t, err2, ErrSessionUnavailable)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Delete(t *testing.T) {
	st := newTestStore(t)
	r := newTestRegistry(t, st, DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "gone"})
	require.NoError(t, err)

	sub, err := s.Subscribe("c")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "doc-1"))
	assert.Zero(t, r.Len())

	// Subscribers are cut loose.
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on delete")
	}

	// Storage is gone; a re-acquire starts empty.
	state, err := st.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, state.Empty())

	s2, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	text, err := s2.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestRegistry_ShutdownFlushes(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	_, err = s.SubmitLocal(ctx, "", crdt.InsertAt{Index: 0, Text: "flush me"})
	require.NoError(t, err)

	r.Shutdown(ctx)

	// Shutdown wrote a snapshot and pruned the log.
	state, err := st.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, state.Snapshot)
	assert.Empty(t, state.Updates)

	_, err = r.Acquire(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSession_CompactionPreservesPendingUpdates(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.CompactThreshold = 2
	cfg.CompactInterval = 20 * time.Millisecond
	ctx := context.Background()

	r := NewRegistry(st, cfg)
	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	// client-b's second record arrives before its first and is
	// buffered, but it is acknowledged and must survive compaction.
	b := crdt.New("client-b")
	b1, err := b.ApplyLocal(crdt.InsertAt{Index: 0, Text: "x"})
	require.NoError(t, err)
	b2, err := b.ApplyLocal(crdt.InsertAt{Index: 1, Text: "y"})
	require.NoError(t, err)

	require.NoError(t, s.SubmitRemote(ctx, "", clientRecord(t, "client-a", "hello")))
	require.NoError(t, s.SubmitRemote(ctx, "", b2))

	require.Eventually(t, func() bool {
		state, err := st.LoadState(ctx, "doc-1")
		return err == nil && state.Snapshot != nil && len(state.Updates) == 0
	}, 2*time.Second, 10*time.Millisecond, "compaction never pruned the log")
	r.Shutdown(ctx)

	// After a restart, delivering the gap record integrates the
	// buffered one that only the snapshot still carried.
	r2 := newTestRegistry(t, st, cfg)
	s2, err := r2.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	require.NoError(t, s2.SubmitRemote(ctx, "", b1))

	text, err := s2.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "hello")
	assert.Contains(t, text, "x")
	assert.Contains(t, text, "y")
}

func TestSession_RetryOfBufferedRecordDoesNotGrowLog(t *testing.T) {
	st := newTestStore(t)
	r := newTestRegistry(t, st, DefaultConfig())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	b := crdt.New("client-b")
	_, err = b.ApplyLocal(crdt.InsertAt{Index: 0, Text: "x"})
	require.NoError(t, err)
	b2, err := b.ApplyLocal(crdt.InsertAt{Index: 1, Text: "y"})
	require.NoError(t, err)

	// The record buffers (its predecessor is missing); retries are
	// acknowledged without appending again.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SubmitRemote(ctx, "", b2))
	}

	state, err := st.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, state.Updates, 1)
}
