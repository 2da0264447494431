// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package session

import (
	"encoding/json"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
)

// EventKind discriminates events fanned out to subscribers.
type EventKind int

const (
	// EventUpdate carries a durably persisted update record.
	EventUpdate EventKind = iota

	// EventAwareness carries an ephemeral per-client presence blob.
	// A nil Awareness payload means the client's state was cleared.
	EventAwareness
)

// Event is one item fanned out to session subscribers.
type Event struct {
	Kind EventKind

	// From identifies the originating subscriber. Empty for edits made
	// by the server itself.
	From string

	// Record is set for EventUpdate.
	Record *crdt.UpdateRecord

	// ClientID and Awareness are set for EventAwareness.
	ClientID  string
	Awareness json.RawMessage
}

// Subscriber is one consumer of a session's event stream.
//
// Description:
//
//	Events arrive on a bounded channel. If the consumer falls behind
//	and the buffer fills, the session closes the channel; the consumer
//	must treat the close as a forced disconnect and resynchronize on a
//	fresh subscription.
type Subscriber struct {
	id      string
	session *Session
	ch      chan Event
}

// ID returns the subscriber's client identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Events returns the event stream. The channel is closed on overrun,
// eviction, or unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes from the session and clears the client's
// awareness state. Safe to call more than once.
func (s *Subscriber) Close() {
	s.session.unsubscribe(s)
}
