// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import "github.com/bureau-foundation/matrix-e2ee/messaging"

// NotificationKind names an event stream notification.
type NotificationKind string

const (
	// KindMessage delivers a message: a plain m.room.message, or any
	// event decrypted by the session.
	KindMessage NotificationKind = "room.message"

	// KindFailedDecryption reports an event that could not be
	// decrypted yet. It is emitted once per event, before retries.
	KindFailedDecryption NotificationKind = "room.failed_decryption"

	// KindInvite reports an invite to a room.
	KindInvite NotificationKind = "room.invite"

	// KindJoin reports a room that first appeared in the joined set.
	KindJoin NotificationKind = "room.join"

	// KindEvent carries any other timeline event, including the
	// encrypted form of an event before its decryption.
	KindEvent NotificationKind = "room.event"
)

// Notification is one entry in the session's event stream.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	RoomID string           `json:"room_id"`

	// Event is the timeline event. Zero for invite and join.
	Event messaging.Event `json:"event,omitzero"`

	// Error is the decryption error for room.failed_decryption.
	Error string `json:"error,omitempty"`
}

// Handler receives notifications. Handlers run on the goroutine that
// produced the notification and should not block.
type Handler func(Notification)
