// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "encoding/json"

// Event types the E2EE core inspects.
const (
	EventTypeMessage   = "m.room.message"
	EventTypeEncrypted = "m.room.encrypted"
	EventTypeMember    = "m.room.member"
)

// Event is a Matrix room event as it appears in /sync timelines.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// IsEncrypted reports whether the event is an m.room.encrypted event.
func (e Event) IsEncrypted() bool {
	return e.Type == EventTypeEncrypted
}

// SyncOptions holds parameters for a /sync call.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds
	SetTimeout bool   // send the timeout parameter even when zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync. Only the sections
// the E2EE core consumes are decoded.
type SyncResponse struct {
	NextBatch              string             `json:"next_batch"`
	Rooms                  RoomsSection       `json:"rooms"`
	ToDevice               ToDeviceSection    `json:"to_device,omitempty"`
	DeviceLists            DeviceListsSection `json:"device_lists,omitempty"`
	DeviceOneTimeKeysCount map[string]int     `json:"device_one_time_keys_count,omitempty"`
	AccountData            AccountDataSection `json:"account_data,omitempty"`
}

// RoomsSection groups rooms by membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom contains sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// ToDeviceSection carries to-device messages (olm-encrypted key shares,
// verification requests). They are handed to the crypto backend.
type ToDeviceSection struct {
	Events []json.RawMessage `json:"events"`
}

// DeviceListsSection reports users whose device lists changed.
type DeviceListsSection struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// AccountDataSection carries global account data events.
type AccountDataSection struct {
	Events []Event `json:"events"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// KeysQueryRequest is the body of POST /keys/query.
type KeysQueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// KeysQueryResponse is the subset of the /keys/query response used to
// decide whether cross-signing keys are published.
type KeysQueryResponse struct {
	Failures        map[string]json.RawMessage            `json:"failures,omitempty"`
	DeviceKeys      map[string]map[string]json.RawMessage `json:"device_keys,omitempty"`
	MasterKeys      map[string]CrossSigningKey            `json:"master_keys,omitempty"`
	SelfSigningKeys map[string]CrossSigningKey            `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[string]CrossSigningKey            `json:"user_signing_keys,omitempty"`
}

// CrossSigningKey is a published cross-signing public key.
type CrossSigningKey struct {
	UserID     string                       `json:"user_id"`
	Usage      []string                     `json:"usage"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupVersion is the response of GET /room_keys/version.
type KeyBackupVersion struct {
	Version   string          `json:"version"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
}

// SecretStorageDefaultKey is the content of m.secret_storage.default_key
// account data.
type SecretStorageDefaultKey struct {
	Key string `json:"key"`
}

// AccountDataTypeSecretStorageDefaultKey names the account data event
// that points at the default secret storage key.
const AccountDataTypeSecretStorageDefaultKey = "m.secret_storage.default_key"
