// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

const (
	// DefaultMaxRetries is the number of retries after the initial
	// failure before an event is given up on.
	DefaultMaxRetries = 8

	// DefaultRetryBaseDelay is the delay before the first retry.
	DefaultRetryBaseDelay = 2 * time.Second

	// DefaultRetryMaxDelay caps the doubling backoff.
	DefaultRetryMaxDelay = 5 * time.Minute

	// defaultSeenCapacity bounds the observed, delivered, and exhausted
	// id sets.
	defaultSeenCapacity = 4096
)

// DecryptFunc retries decryption of one event.
type DecryptFunc func(ctx context.Context, event messaging.Event) (messaging.Event, error)

// BridgeConfig configures a DecryptBridge.
type BridgeConfig struct {
	// Decrypt is called for every retry. Required.
	Decrypt DecryptFunc

	// Emit receives notifications, outside the bridge's lock.
	// Required.
	Emit Handler

	// Clock schedules retries. Default: clock.Real().
	Clock clock.Clock

	// BaseDelay is the delay before the first retry; each further
	// retry doubles it. Default: DefaultRetryBaseDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: DefaultRetryMaxDelay.
	MaxDelay time.Duration

	// MaxRetries is the retry cap. Default: DefaultMaxRetries.
	MaxRetries int

	// SeenCapacity bounds the de-duplication sets. Default: 4096.
	SeenCapacity int

	// Logger is used for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

type pendingKey struct {
	roomID  string
	eventID string
}

// pendingEntry is a tracked event in the Pending state. Entries live
// in the bridge's map and are only touched under its lock.
type pendingEntry struct {
	event messaging.Event

	// retries counts completed retry attempts. The initial failure is
	// not a retry.
	retries int

	lastErr error

	// generation changes whenever the entry is rescheduled. A timer
	// callback carrying an older generation is stale.
	generation uint64

	// inFlight is set while Decrypt runs for this entry.
	inFlight bool

	timer *clock.Timer
}

// DecryptBridge retries failed decryptions with capped exponential
// backoff and sequences notifications so an application never sees a
// decrypted message before the encrypted event or failure it belongs
// to, and never sees the same event delivered twice.
//
// Notifications for one event go through a per-event outbox. The
// goroutine that finds the outbox idle drains it; anything queued
// meanwhile, from a retry timer, a forced retry, or the backend, is
// emitted by that goroutine after what is already in flight.
type DecryptBridge struct {
	decrypt    DecryptFunc
	emit       Handler
	clock      clock.Clock
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	logger     *slog.Logger

	// ctx is cancelled by Stop so in-flight Decrypt calls end.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	pending        map[pendingKey]*pendingEntry
	nextGeneration uint64
	observed       *boundedSet[pendingKey]
	delivered      *boundedSet[pendingKey]
	stopped        bool

	// exhausted holds ids that reached the retry cap. Later failures
	// for them are ignored until Stop.
	exhausted *boundedSet[pendingKey]

	// outbox holds notifications waiting to be emitted, per event. A
	// present key means a goroutine is draining it.
	outbox map[pendingKey][]Notification
}

// NewDecryptBridge validates config and returns a running bridge.
func NewDecryptBridge(config BridgeConfig) (*DecryptBridge, error) {
	if config.Decrypt == nil {
		return nil, fmt.Errorf("e2ee: BridgeConfig.Decrypt is required")
	}
	if config.Emit == nil {
		return nil, fmt.Errorf("e2ee: BridgeConfig.Emit is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRetryBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryMaxDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.SeenCapacity <= 0 {
		config.SeenCapacity = defaultSeenCapacity
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DecryptBridge{
		decrypt:    config.Decrypt,
		emit:       config.Emit,
		clock:      config.Clock,
		baseDelay:  config.BaseDelay,
		maxDelay:   config.MaxDelay,
		maxRetries: config.MaxRetries,
		logger:     config.Logger,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[pendingKey]*pendingEntry),
		observed:   newBoundedSet[pendingKey](config.SeenCapacity),
		delivered:  newBoundedSet[pendingKey](config.SeenCapacity),
		exhausted:  newBoundedSet[pendingKey](config.SeenCapacity),
		outbox:     make(map[pendingKey][]Notification),
	}, nil
}

// HandleEncrypted records that the application has seen the encrypted
// form of event and emits it as room.event.
func (b *DecryptBridge) HandleEncrypted(event messaging.Event) {
	key := keyOf(event)

	b.mu.Lock()
	if b.stopped || b.delivered.Contains(key) {
		b.mu.Unlock()
		return
	}
	b.observed.Add(key)
	drain := b.queueLocked(key, Notification{Kind: KindEvent, RoomID: event.RoomID, Event: event})
	b.mu.Unlock()

	if drain {
		b.drain(key)
	}
}

// HandleDecryptionFailure reports a failed decryption. The first
// failure for an event emits room.failed_decryption and schedules the
// first retry. Later failures for a tracked event only replace its
// last error. Failures for an event that already reached the retry
// cap are ignored.
func (b *DecryptBridge) HandleDecryptionFailure(event messaging.Event, decryptErr error) {
	key := keyOf(event)

	b.mu.Lock()
	if b.stopped || b.delivered.Contains(key) || b.exhausted.Contains(key) {
		b.mu.Unlock()
		return
	}
	if entry, ok := b.pending[key]; ok {
		entry.lastErr = decryptErr
		b.mu.Unlock()
		return
	}
	entry := &pendingEntry{event: event, lastErr: decryptErr}
	b.pending[key] = entry
	b.observed.Add(key)
	drain := b.queueLocked(key, Notification{
		Kind:   KindFailedDecryption,
		RoomID: event.RoomID,
		Event:  event,
		Error:  errorString(decryptErr),
	})
	b.scheduleLocked(key, entry)
	b.mu.Unlock()

	b.logger.Debug("decryption failed, retry scheduled",
		"room_id", event.RoomID,
		"event_id", event.EventID,
		"error", decryptErr,
	)
	if drain {
		b.drain(key)
	}
}

// HandleDecrypted delivers an event decrypted outside the retry path,
// either on first sight or by the backend after a late key. A tracked
// entry for it is dropped. If the encrypted form was never observed it
// is emitted first.
func (b *DecryptBridge) HandleDecrypted(encrypted, decrypted messaging.Event) {
	key := keyOf(encrypted)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if entry, ok := b.pending[key]; ok {
		b.removeLocked(key, entry)
	}
	drain := b.queueLocked(key, b.deliverLocked(key, encrypted, decrypted)...)
	b.mu.Unlock()

	if drain {
		b.drain(key)
	}
}

// HandlePlain delivers an unencrypted event unless the same id was
// already delivered.
func (b *DecryptBridge) HandlePlain(event messaging.Event) {
	key := keyOf(event)

	b.mu.Lock()
	if b.stopped || b.delivered.Contains(key) {
		b.mu.Unlock()
		return
	}
	b.observed.Add(key)
	b.delivered.Add(key)
	kind := KindEvent
	if event.Type == messaging.EventTypeMessage {
		kind = KindMessage
	}
	drain := b.queueLocked(key, Notification{Kind: kind, RoomID: event.RoomID, Event: event})
	b.mu.Unlock()

	if drain {
		b.drain(key)
	}
}

// RetryPending retries every tracked event now instead of at its
// scheduled time. Entries with a retry already in flight are skipped.
// Attempts run on the calling goroutine; a forced attempt counts
// toward the retry cap.
func (b *DecryptBridge) RetryPending(ctx context.Context) {
	type scheduled struct {
		key        pendingKey
		generation uint64
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	var due []scheduled
	for key, entry := range b.pending {
		if entry.inFlight {
			continue
		}
		due = append(due, scheduled{key: key, generation: entry.generation})
	}
	b.mu.Unlock()

	if len(due) > 0 {
		b.logger.Debug("retrying pending decryptions now", "count", len(due))
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		b.attempt(item.key, item.generation)
	}
}

// PendingCount returns the number of tracked events.
func (b *DecryptBridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels every retry timer, drops every tracked event, and
// cancels in-flight Decrypt calls. Results that arrive afterwards are
// discarded. Stop is permanent and idempotent.
func (b *DecryptBridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	dropped := len(b.pending)
	for key, entry := range b.pending {
		b.removeLocked(key, entry)
	}
	b.observed.Clear()
	b.delivered.Clear()
	b.exhausted.Clear()
	clear(b.outbox)
	b.mu.Unlock()

	b.cancel()
	if dropped > 0 {
		b.logger.Debug("decrypt bridge stopped with pending retries", "dropped", dropped)
	}
}

// attempt runs one retry for key if the entry still carries
// generation and no other attempt is in flight.
func (b *DecryptBridge) attempt(key pendingKey, generation uint64) {
	b.mu.Lock()
	entry, ok := b.pending[key]
	if b.stopped || !ok || entry.generation != generation || entry.inFlight {
		b.mu.Unlock()
		return
	}
	entry.inFlight = true
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	event := entry.event
	b.mu.Unlock()

	decrypted, err := b.decrypt(b.ctx, event)

	b.mu.Lock()
	if current, ok := b.pending[key]; b.stopped || !ok || current != entry || entry.generation != generation {
		// Stopped, delivered by another path, or replaced meanwhile.
		b.mu.Unlock()
		return
	}
	entry.inFlight = false
	entry.retries++

	if err == nil {
		b.removeLocked(key, entry)
		drain := b.queueLocked(key, b.deliverLocked(key, event, decrypted)...)
		retries := entry.retries
		b.mu.Unlock()

		b.logger.Debug("decrypted on retry",
			"room_id", event.RoomID,
			"event_id", event.EventID,
			"retries", retries,
		)
		if drain {
			b.drain(key)
		}
		return
	}

	entry.lastErr = err
	if entry.retries >= b.maxRetries {
		b.removeLocked(key, entry)
		b.exhausted.Add(key)
		b.mu.Unlock()

		b.logger.Warn("giving up on decryption",
			"room_id", event.RoomID,
			"event_id", event.EventID,
			"retries", b.maxRetries,
			"error", err,
		)
		return
	}
	b.scheduleLocked(key, entry)
	b.mu.Unlock()
}

// scheduleLocked arms the next retry for entry, superseding any
// previous timer.
func (b *DecryptBridge) scheduleLocked(key pendingKey, entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	b.nextGeneration++
	generation := b.nextGeneration
	entry.generation = generation
	entry.timer = b.clock.AfterFunc(b.delay(entry.retries), func() {
		b.attempt(key, generation)
	})
}

func (b *DecryptBridge) removeLocked(key pendingKey, entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	delete(b.pending, key)
}

// deliverLocked returns the notifications for a successful decryption:
// the encrypted event first if the application never saw it, then the
// message. An id is delivered at most once.
func (b *DecryptBridge) deliverLocked(key pendingKey, encrypted, decrypted messaging.Event) []Notification {
	if b.delivered.Contains(key) {
		return nil
	}
	var notifications []Notification
	if !b.observed.Contains(key) {
		b.observed.Add(key)
		notifications = append(notifications, Notification{Kind: KindEvent, RoomID: encrypted.RoomID, Event: encrypted})
	}
	b.delivered.Add(key)

	if decrypted.RoomID == "" {
		decrypted.RoomID = encrypted.RoomID
	}
	if decrypted.EventID == "" {
		decrypted.EventID = encrypted.EventID
	}
	return append(notifications, Notification{Kind: KindMessage, RoomID: encrypted.RoomID, Event: decrypted})
}

// queueLocked appends notifications to key's outbox and reports
// whether the caller must drain it. It returns false when another
// goroutine is already draining; that goroutine emits them in order.
func (b *DecryptBridge) queueLocked(key pendingKey, notifications ...Notification) bool {
	if len(notifications) == 0 {
		return false
	}
	queued, draining := b.outbox[key]
	b.outbox[key] = append(queued, notifications...)
	return !draining
}

// drain emits key's outbox until it stays empty. Emit runs without the
// lock, so a handler may call back into the bridge.
func (b *DecryptBridge) drain(key pendingKey) {
	for {
		b.mu.Lock()
		queued := b.outbox[key]
		if len(queued) == 0 || b.stopped {
			delete(b.outbox, key)
			b.mu.Unlock()
			return
		}
		b.outbox[key] = nil
		b.mu.Unlock()

		for _, notification := range queued {
			b.emit(notification)
		}
	}
}

// delay returns the wait before retry number retries+1.
func (b *DecryptBridge) delay(retries int) time.Duration {
	delay := b.baseDelay
	for range retries {
		delay *= 2
		if delay >= b.maxDelay {
			return b.maxDelay
		}
	}
	return delay
}

func keyOf(event messaging.Event) pendingKey {
	return pendingKey{roomID: event.RoomID, eventID: event.EventID}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// boundedSet is a set that forgets its oldest members past capacity.
type boundedSet[K comparable] struct {
	capacity int
	members  map[K]struct{}
	order    []K
}

func newBoundedSet[K comparable](capacity int) *boundedSet[K] {
	return &boundedSet[K]{capacity: capacity, members: make(map[K]struct{}, capacity)}
}

func (s *boundedSet[K]) Contains(key K) bool {
	_, ok := s.members[key]
	return ok
}

func (s *boundedSet[K]) Add(key K) {
	if _, ok := s.members[key]; ok {
		return
	}
	s.members[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
}

func (s *boundedSet[K]) Clear() {
	clear(s.members)
	s.order = nil
}
