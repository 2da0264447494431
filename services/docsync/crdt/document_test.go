// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package crdt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustApplyLocal performs a local edit and returns its record.
func mustApplyLocal(t *testing.T, d *Document, op LocalOp) *UpdateRecord {
	t.Helper()
	rec, err := d.ApplyLocal(op)
	require.NoError(t, err)
	return rec
}

// applyAll merges records into the document in the given order.
func applyAll(t *testing.T, d *Document, recs []*UpdateRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, d.ApplyRemote(rec))
	}
}

// permutations returns every ordering of the given records.
func permutations(recs []*UpdateRecord) [][]*UpdateRecord {
	if len(recs) <= 1 {
		return [][]*UpdateRecord{recs}
	}
	var out [][]*UpdateRecord
	for i := range recs {
		rest := make([]*UpdateRecord, 0, len(recs)-1)
		rest = append(rest, recs[:i]...)
		rest = append(rest, recs[i+1:]...)
		for _, perm := range permutations(rest) {
			out = append(out, append([]*UpdateRecord{recs[i]}, perm...))
		}
	}
	return out
}

func TestDocument_LocalEditing(t *testing.T) {
	d := New("a")

	mustApplyLocal(t, d, InsertAt{Index: 0, Text: "hello"})
	assert.Equal(t, "hello", d.Text())
	assert.Equal(t, 5, d.Len())

	mustApplyLocal(t, d, InsertAt{Index: 5, Text: " world"})
	assert.Equal(t, "hello world", d.Text())

	mustApplyLocal(t, d, DeleteAt{Index: 0, Length: 6})
	assert.Equal(t, "world", d.Text())

	mustApplyLocal(t, d, InsertAt{Index: 2, Text: "XY"})
	assert.Equal(t, "woXYrld", d.Text())

	assert.Equal(t, StateVector{"a": 14}, d.StateVector())
}

func TestDocument_LocalEditing_Unicode(t *testing.T) {
	d := New("a")

	mustApplyLocal(t, d, InsertAt{Index: 0, Text: "héllo"})
	assert.Equal(t, 5, d.Len())

	mustApplyLocal(t, d, DeleteAt{Index: 1, Length: 1})
	assert.Equal(t, "hllo", d.Text())
}

func TestDocument_LocalEditing_Errors(t *testing.T) {
	d := New("a")
	mustApplyLocal(t, d, InsertAt{Index: 0, Text: "abc"})

	tests := []struct {
		name string
		op   LocalOp
		want error
	}{
		{"insert past end", InsertAt{Index: 4, Text: "x"}, ErrIndexOutOfRange},
		{"insert negative", InsertAt{Index: -1, Text: "x"}, ErrIndexOutOfRange},
		{"empty insert", InsertAt{Index: 0, Text: ""}, ErrEmptyInsert},
		{"delete past end", DeleteAt{Index: 2, Length: 2}, ErrIndexOutOfRange},
		{"delete zero length", DeleteAt{Index: 0, Length: 0}, ErrIndexOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.PrepareLocal(tt.op)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "abc", d.Text())
		})
	}
}

func TestDocument_PrepareLocal_DoesNotMutate(t *testing.T) {
	d := New("a")
	mustApplyLocal(t, d, InsertAt{Index: 0, Text: "base"})

	rec, err := d.PrepareLocal(InsertAt{Index: 4, Text: "!"})
	require.NoError(t, err)

	// Nothing visible until Commit.
	assert.Equal(t, "base", d.Text())
	assert.Equal(t, StateVector{"a": 4}, d.StateVector())

	require.NoError(t, d.Commit(rec))
	assert.Equal(t, "base!", d.Text())
	assert.Equal(t, StateVector{"a": 5}, d.StateVector())
}

func TestDocument_ConcurrentInsert_TieBreak(t *testing.T) {
	// Both replicas insert at the head of an empty document. The
	// higher ItemID wins the position closer to the root, so every
	// replica linearizes the same way.
	a := New("a")
	b := New("b")

	recA := mustApplyLocal(t, a, InsertAt{Index: 0, Text: "hello"})
	recB := mustApplyLocal(t, b, InsertAt{Index: 0, Text: "world"})

	require.NoError(t, a.ApplyRemote(recB))
	require.NoError(t, b.ApplyRemote(recA))

	assert.Equal(t, "worldhello", a.Text())
	assert.Equal(t, b.Text(), a.Text())
}

func TestDocument_Convergence_Permutations(t *testing.T) {
	// Three causal streams: two sequential edits from "a", one from
	// "b", one delete from "c" targeting a's content. Every delivery
	// order must produce the same document.
	a := New("a")
	r1 := mustApplyLocal(t, a, InsertAt{Index: 0, Text: "abc"})
	r2 := mustApplyLocal(t, a, InsertAt{Index: 3, Text: "def"})

	b := New("b")
	r3 := mustApplyLocal(t, b, InsertAt{Index: 0, Text: "XY"})

	c := New("c")
	applyAll(t, c, []*UpdateRecord{r1, r2})
	r4 := mustApplyLocal(t, c, DeleteAt{Index: 1, Length: 2})

	recs := []*UpdateRecord{r1, r2, r3, r4}

	reference := New("ref")
	applyAll(t, reference, recs)
	want := reference.Text()
	wantSV := reference.StateVector()

	for i, perm := range permutations(recs) {
		t.Run(fmt.Sprintf("perm_%d", i), func(t *testing.T) {
			d := New("obs")
			applyAll(t, d, perm)
			assert.Equal(t, want, d.Text())
			assert.True(t, d.StateVector().Equal(wantSV))
			assert.Zero(t, d.PendingCount())
		})
	}
}

func TestDocument_Idempotence(t *testing.T) {
	a := New("a")
	r1 := mustApplyLocal(t, a, InsertAt{Index: 0, Text: "once"})
	r2 := mustApplyLocal(t, a, DeleteAt{Index: 0, Length: 1})

	d := New("obs")
	for i := 0; i < 3; i++ {
		applyAll(t, d, []*UpdateRecord{r1, r2, r1})
	}

	assert.Equal(t, "nce", d.Text())
	assert.True(t, d.StateVector().Equal(a.StateVector()))
	assert.Zero(t, d.PendingCount())
}

func TestDocument_ConcurrentDelete_SameTarget(t *testing.T) {
	a := New("a")
	r1 := mustApplyLocal(t, a, InsertAt{Index: 0, Text: "xyz"})

	b := New("b")
	require.NoError(t, b.ApplyRemote(r1))

	require.NoError(t, a.ApplyRemote(r1)) // already applied locally, no-op
	da := mustApplyLocal(t, a, DeleteAt{Index: 1, Length: 1})
	db := mustApplyLocal(t, b, DeleteAt{Index: 1, Length: 1})

	require.NoError(t, a.ApplyRemote(db))
	require.NoError(t, b.ApplyRemote(da))

	assert.Equal(t, "xz", a.Text())
	assert.Equal(t, "xz", b.Text())
}

func TestDocument_OutOfOrder_Buffering(t *testing.T) {
	a := New("a")
	r1 := mustApplyLocal(t, a, InsertAt{Index: 0, Text: "ab"})
	r2 := mustApplyLocal(t, a, InsertAt{Index: 2, Text: "cd"})
	r3 := mustApplyLocal(t, a, DeleteAt{Index: 0, Length: 1})

	d := New("obs")

	// Later records arrive first: buffered, not visible.
	require.NoError(t, d.ApplyRemote(r3))
	require.NoError(t, d.ApplyRemote(r2))
	assert.Equal(t, 2, d.PendingCount())
	assert.Equal(t, "", d.Text())
	assert.Equal(t, uint64(0), d.StateVector().Get("a"))

	// The missing predecessor unblocks the whole buffer.
	require.NoError(t, d.ApplyRemote(r1))
	assert.Zero(t, d.PendingCount())
	assert.Equal(t, "bcd", d.Text())
	assert.True(t, d.StateVector().Equal(a.StateVector()))
}

func TestDocument_PendingBufferCap(t *testing.T) {
	d := New("obs")

	for i := 0; i < MaxPendingRecords; i++ {
		payload, err := EncodeOperation(&InsertOp{
			Parent: Root,
			ID:     ItemID{Replica: "x", Clock: uint64(i + 2)},
			Text:   "q",
		})
		require.NoError(t, err)
		require.NoError(t, d.ApplyRemote(&UpdateRecord{
			Replica: "x", Clock: uint64(i + 2), Span: 1, Payload: payload,
		}))
	}
	require.Equal(t, MaxPendingRecords, d.PendingCount())

	payload, err := EncodeOperation(&InsertOp{
		Parent: Root,
		ID:     ItemID{Replica: "y", Clock: 2},
		Text:   "q",
	})
	require.NoError(t, err)
	err = d.ApplyRemote(&UpdateRecord{Replica: "y", Clock: 2, Span: 1, Payload: payload})
	assert.ErrorIs(t, err, ErrTooManyPending)
}

func TestDocument_ApplyRemote_Errors(t *testing.T) {
	d := New("a")

	assert.ErrorIs(t, d.ApplyRemote(nil), ErrNilRecord)
	assert.ErrorIs(t, d.ApplyRemote(&UpdateRecord{}), ErrMalformedRecord)

	err := d.ApplyRemote(&UpdateRecord{Replica: "b", Clock: 1, Span: 1, Payload: []byte("junk")})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDocument_Diff(t *testing.T) {
	x := New("x")
	for i := 0; i < 9; i++ {
		mustApplyLocal(t, x, InsertAt{Index: i, Text: "a"})
	}
	y := New("y")
	for i := 0; i < 3; i++ {
		mustApplyLocal(t, y, InsertAt{Index: i, Text: "b"})
	}

	m := New("m")
	applyAll(t, m, x.Diff(NewStateVector()))
	applyAll(t, m, y.Diff(NewStateVector()))

	peer := StateVector{"x": 5}
	diff := m.Diff(peer)

	// Exactly x's records 6..9 and all of y's.
	require.Len(t, diff, 7)
	for _, rec := range diff {
		assert.Greater(t, rec.Top(), peer.Get(rec.Replica),
			"record %s@%d already covered by peer", rec.Replica, rec.Clock)
	}

	// Applying the diff on top of the peer state reaches m's state.
	p := New("p")
	for _, rec := range x.Diff(NewStateVector())[:5] {
		require.NoError(t, p.ApplyRemote(rec))
	}
	applyAll(t, p, diff)
	assert.Equal(t, m.Text(), p.Text())
	assert.True(t, p.StateVector().Equal(m.StateVector()))
}

func TestDocument_Diff_Empty(t *testing.T) {
	d := New("a")
	mustApplyLocal(t, d, InsertAt{Index: 0, Text: "up to date"})

	assert.Empty(t, d.Diff(d.StateVector()))
	assert.Empty(t, New("b").Diff(NewStateVector()))
}
