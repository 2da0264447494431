// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package sync implements the websocket synchronization protocol.
//
// A connecting client exchanges state vectors with the server
// (sync-step1), receives the records it is missing (sync-step2), and
// then streams incremental updates and awareness blobs in both
// directions until it disconnects.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
)

// ErrProtocolViolation is returned for messages that break the
// protocol. The connection is closed with websocket code 1002.
var ErrProtocolViolation = errors.New("sync protocol violation")

// Message types.
const (
	// MsgSyncStep1 announces the sender's state vector.
	MsgSyncStep1 = "sync-step1"

	// MsgSyncStep2 answers a step1 with the records the peer lacks,
	// plus the sender's own state vector.
	MsgSyncStep2 = "sync-step2"

	// MsgUpdate carries one incremental update record.
	MsgUpdate = "update"

	// MsgAwareness carries an ephemeral presence blob. A null payload
	// clears the sender's presence.
	MsgAwareness = "awareness"
)

// Message is the JSON envelope for every protocol message. Record
// payloads ride as base64 inside the JSON-encoded update records.
type Message struct {
	Type string `json:"type"`

	// StateVector is set on sync-step1 and sync-step2.
	StateVector crdt.StateVector `json:"sv,omitempty"`

	// Updates is set on sync-step2.
	Updates []*crdt.UpdateRecord `json:"updates,omitempty"`

	// Update is set on update messages.
	Update *crdt.UpdateRecord `json:"update,omitempty"`

	// ClientID names the presence owner on awareness messages sent by
	// the server. Ignored on inbound messages: a client only ever
	// speaks for itself.
	ClientID string `json:"clientId,omitempty"`

	// Awareness is the presence blob on awareness messages.
	Awareness json.RawMessage `json:"awareness,omitempty"`
}

// Validate checks an inbound message against the protocol.
func (m *Message) Validate() error {
	switch m.Type {
	case MsgSyncStep1:
		// A nil state vector is a valid empty one: send everything.
		return nil
	case MsgSyncStep2:
		for i, rec := range m.Updates {
			if rec == nil {
				return fmt.Errorf("%w: nil record at index %d", ErrProtocolViolation, i)
			}
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("%w: record %d: %v", ErrProtocolViolation, i, err)
			}
		}
		return nil
	case MsgUpdate:
		if m.Update == nil {
			return fmt.Errorf("%w: update message without record", ErrProtocolViolation)
		}
		if err := m.Update.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return nil
	case MsgAwareness:
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, m.Type)
	}
}
