// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

const (
	defaultSyncTimeout    = 30 * time.Second
	defaultSyncMaxBackoff = 30 * time.Second
)

// HandleSync routes one sync response. The backend sees the
// crypto-relevant sections first so to-device room keys arrive before
// the timeline is decrypted. Then invites become room.invite, rooms
// joined for the first time become room.join, and timeline events go
// through the decrypt bridge. A backend sync processing error is
// returned after routing finishes.
func (s *Session) HandleSync(ctx context.Context, response *messaging.SyncResponse) error {
	crypto := s.crypto.Load()

	var processErr error
	if crypto != nil && crypto.caps.syncProcessor != nil {
		if err := crypto.caps.syncProcessor.ProcessSync(ctx, response); err != nil {
			processErr = fmt.Errorf("e2ee: processing sync in crypto backend: %w", err)
			s.logger.Warn("crypto backend sync processing failed", "error", err)
		}
	}

	for _, roomID := range slices.Sorted(maps.Keys(response.Rooms.Invite)) {
		s.emit(Notification{Kind: KindInvite, RoomID: roomID})
	}

	for _, roomID := range slices.Sorted(maps.Keys(response.Rooms.Join)) {
		if s.markJoined(roomID) {
			s.emit(Notification{Kind: KindJoin, RoomID: roomID})
		}
		for _, event := range response.Rooms.Join[roomID].Timeline.Events {
			event.RoomID = roomID
			s.routeTimelineEvent(ctx, crypto, event)
		}
	}

	if len(response.Rooms.Leave) > 0 {
		s.syncMu.Lock()
		for roomID := range response.Rooms.Leave {
			delete(s.joinedRooms, roomID)
		}
		s.syncMu.Unlock()
	}
	return processErr
}

// markJoined reports whether roomID was not yet known as joined.
func (s *Session) markJoined(roomID string) bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if _, ok := s.joinedRooms[roomID]; ok {
		return false
	}
	s.joinedRooms[roomID] = struct{}{}
	return true
}

// routeTimelineEvent sends event through the bridge. Encrypted events
// are announced before decryption is attempted; without a backend they
// are announced and left encrypted.
func (s *Session) routeTimelineEvent(ctx context.Context, crypto *cryptoState, event messaging.Event) {
	if !event.IsEncrypted() {
		s.bridge.HandlePlain(event)
		return
	}

	s.bridge.HandleEncrypted(event)
	if crypto == nil {
		return
	}
	decrypted, err := crypto.backend.DecryptEvent(ctx, event)
	if err != nil {
		s.bridge.HandleDecryptionFailure(event, err)
		return
	}
	s.bridge.HandleDecrypted(event, decrypted)
}

// SinceToken returns the sync position of the last handled response.
func (s *Session) SinceToken() string {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.sinceToken
}

// Run polls /sync until ctx is cancelled, passing every response to
// HandleSync. The first poll has no since token and returns at once;
// later polls long-poll for Sync.Timeout. Failed polls are retried
// with exponential backoff from one second up to Sync.MaxBackoff.
// Run returns nil when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != sessionStarted {
		return fmt.Errorf("e2ee: Run requires a started session")
	}

	timeout := s.config.Sync.Timeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	maxBackoff := s.config.Sync.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultSyncMaxBackoff
	}

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sinceToken := s.SinceToken()
		options := messaging.SyncOptions{
			Since:  sinceToken,
			Filter: s.config.Sync.Filter,
		}
		if sinceToken != "" {
			options.Timeout = int(timeout / time.Millisecond)
			options.SetTimeout = true
		}

		response, err := s.homeserver.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		if err := s.HandleSync(ctx, response); err != nil {
			s.logger.Warn("sync handling incomplete", "error", err)
		}

		s.syncMu.Lock()
		s.sinceToken = response.NextBatch
		s.syncMu.Unlock()
	}
}
