// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/testutil"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

func newTestBridge(t *testing.T, clk clock.Clock, decrypt DecryptFunc) (*DecryptBridge, *recorder) {
	t.Helper()
	events := &recorder{}
	bridge, err := NewDecryptBridge(BridgeConfig{
		Decrypt:   decrypt,
		Emit:      events.emit,
		Clock:     clk,
		BaseDelay: time.Second,
		MaxDelay:  4 * time.Second,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDecryptBridge: %v", err)
	}
	t.Cleanup(bridge.Stop)
	return bridge, events
}

// failingThen fails the first n calls and decrypts afterwards.
func failingThen(n int, calls *atomic.Int32) DecryptFunc {
	return func(ctx context.Context, event messaging.Event) (messaging.Event, error) {
		if int(calls.Add(1)) <= n {
			return messaging.Event{}, errNoKey
		}
		return decryptedEvent(event, "hello"), nil
	}
}

func TestBridgeRetriesWithBackoff(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(2, &calls))

	event := encryptedEvent("!room:example.org", "$one")
	bridge.HandleEncrypted(event)
	bridge.HandleDecryptionFailure(event, errNoKey)

	want := []NotificationKind{KindEvent, KindFailedDecryption}
	if got := events.kinds(); !slices.Equal(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if got := events.all()[1].Error; got != errNoKey.Error() {
		t.Errorf("failure error = %q", got)
	}

	// Retries at +1s, +2s, +4s.
	for i, step := range []time.Duration{time.Second, 2 * time.Second} {
		clk.Advance(step - time.Millisecond)
		if got := calls.Load(); got != int32(i) {
			t.Fatalf("retry %d ran early: calls = %d", i+1, got)
		}
		clk.Advance(time.Millisecond)
		if got := calls.Load(); got != int32(i+1) {
			t.Fatalf("after retry %d: calls = %d", i+1, got)
		}
	}
	clk.Advance(4 * time.Second)
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	want = append(want, KindMessage)
	if got := events.kinds(); !slices.Equal(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	message := events.all()[2]
	if message.Event.Content["body"] != "hello" || message.RoomID != "!room:example.org" {
		t.Errorf("message = %+v", message)
	}
	if bridge.PendingCount() != 0 {
		t.Errorf("pending = %d after success", bridge.PendingCount())
	}
	if clk.PendingCount() != 0 {
		t.Errorf("%d timers left after success", clk.PendingCount())
	}
}

func TestBridgeRetryCap(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(1000, &calls))

	event := encryptedEvent("!room:example.org", "$doomed")
	bridge.HandleDecryptionFailure(event, errNoKey)

	clk.Advance(time.Hour)
	if got := calls.Load(); got != DefaultMaxRetries {
		t.Fatalf("retries = %d, want %d", got, DefaultMaxRetries)
	}
	if bridge.PendingCount() != 0 {
		t.Fatalf("entry still pending after the cap")
	}

	// Neither time nor triggers revive a given-up event.
	clk.Advance(24 * time.Hour)
	bridge.RetryPending(context.Background())
	bridge.RetryPending(context.Background())
	if got := calls.Load(); got != DefaultMaxRetries {
		t.Fatalf("retries after cap = %d, want %d", got, DefaultMaxRetries)
	}
	if got := events.count(KindFailedDecryption); got != 1 {
		t.Errorf("failed_decryption emitted %d times, want 1", got)
	}
	if got := len(events.all()); got != 1 {
		t.Errorf("notifications = %v, want only the failure", events.kinds())
	}
}

func TestBridgeRetryCapCountsForcedRetries(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, _ := newTestBridge(t, clk, failingThen(1000, &calls))

	bridge.HandleDecryptionFailure(encryptedEvent("!room:example.org", "$forced"), errNoKey)
	for range 20 {
		bridge.RetryPending(context.Background())
	}
	if got := calls.Load(); got != DefaultMaxRetries {
		t.Fatalf("retries = %d, want %d", got, DefaultMaxRetries)
	}
	if clk.PendingCount() != 0 {
		t.Errorf("%d timers left after the cap", clk.PendingCount())
	}
}

func TestBridgeFailureAfterCapIsIgnored(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(1000, &calls))

	event := encryptedEvent("!room:example.org", "$redelivered")
	bridge.HandleDecryptionFailure(event, errNoKey)
	clk.Advance(time.Hour)
	if got := calls.Load(); got != DefaultMaxRetries {
		t.Fatalf("retries = %d, want %d", got, DefaultMaxRetries)
	}

	// The same event arrives again, e.g. from a repeated timeline.
	bridge.HandleDecryptionFailure(event, errNoKey)
	if bridge.PendingCount() != 0 || clk.PendingCount() != 0 {
		t.Fatalf("given-up event tracked again: pending = %d, timers = %d", bridge.PendingCount(), clk.PendingCount())
	}
	clk.Advance(time.Hour)
	if got := calls.Load(); got != DefaultMaxRetries {
		t.Errorf("retries after redelivery = %d, want %d", got, DefaultMaxRetries)
	}
	if got := events.count(KindFailedDecryption); got != 1 {
		t.Errorf("failed_decryption emitted %d times, want 1", got)
	}

	// A late key delivered by the backend still reaches the application.
	bridge.HandleDecrypted(event, decryptedEvent(event, "finally"))
	if got := events.count(KindMessage); got != 1 {
		t.Errorf("room.message emitted %d times, want 1", got)
	}
}

// blockingRecorder holds the emitting goroutine inside the first
// notification of kind block until release is closed.
type blockingRecorder struct {
	recorder
	block   NotificationKind
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRecorder(block NotificationKind) *blockingRecorder {
	return &blockingRecorder{
		block:   block,
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRecorder) emit(notification Notification) {
	if notification.Kind == r.block {
		first := false
		r.once.Do(func() { first = true })
		if first {
			close(r.blocked)
			<-r.release
		}
	}
	r.recorder.emit(notification)
}

func TestBridgeOrderingWithSlowSubscriber(t *testing.T) {
	t.Run("forced retry waits for the failure notification", func(t *testing.T) {
		events := newBlockingRecorder(KindFailedDecryption)
		bridge, err := NewDecryptBridge(BridgeConfig{
			Decrypt: func(ctx context.Context, event messaging.Event) (messaging.Event, error) {
				return decryptedEvent(event, "key arrived"), nil
			},
			Emit:   events.emit,
			Clock:  testClock(),
			Logger: testLogger(),
		})
		requireNoError(t, err)
		defer bridge.Stop()

		event := encryptedEvent("!room:example.org", "$raced")
		done := make(chan struct{})
		go func() {
			defer close(done)
			bridge.HandleDecryptionFailure(event, errNoKey)
		}()
		testutil.RequireClosed(t, events.blocked, 5*time.Second, "failure notification never emitted")

		// The key arrives while the subscriber is still handling the
		// failure. The retry succeeds but its delivery is queued.
		bridge.RetryPending(context.Background())
		if got := events.kinds(); len(got) != 0 {
			t.Fatalf("notifications emitted past a blocked subscriber: %v", got)
		}

		close(events.release)
		testutil.RequireClosed(t, done, 5*time.Second, "failure handler did not return")

		want := []NotificationKind{KindFailedDecryption, KindMessage}
		if got := events.kinds(); !slices.Equal(got, want) {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
		if bridge.PendingCount() != 0 {
			t.Errorf("pending = %d after delivery", bridge.PendingCount())
		}
	})

	t.Run("backend delivery waits for the encrypted event", func(t *testing.T) {
		events := newBlockingRecorder(KindEvent)
		bridge, err := NewDecryptBridge(BridgeConfig{
			Decrypt: failingThen(1000, &atomic.Int32{}),
			Emit:    events.emit,
			Clock:   testClock(),
			Logger:  testLogger(),
		})
		requireNoError(t, err)
		defer bridge.Stop()

		event := encryptedEvent("!room:example.org", "$pushed")
		done := make(chan struct{})
		go func() {
			defer close(done)
			bridge.HandleEncrypted(event)
		}()
		testutil.RequireClosed(t, events.blocked, 5*time.Second, "encrypted event never emitted")

		bridge.HandleDecrypted(event, decryptedEvent(event, "pushed"))
		if got := events.kinds(); len(got) != 0 {
			t.Fatalf("notifications emitted past a blocked subscriber: %v", got)
		}

		close(events.release)
		testutil.RequireClosed(t, done, 5*time.Second, "encrypted handler did not return")

		want := []NotificationKind{KindEvent, KindMessage}
		if got := events.kinds(); !slices.Equal(got, want) {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	})
}

func TestBridgeRetryPendingCoalesces(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	bridge, events := newTestBridge(t, clk, func(ctx context.Context, event messaging.Event) (messaging.Event, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return decryptedEvent(event, "late key"), nil
	})

	event := encryptedEvent("!room:example.org", "$slow")
	bridge.HandleEncrypted(event)
	bridge.HandleDecryptionFailure(event, errNoKey)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.RetryPending(context.Background())
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "first retry did not start")

	// Two more triggers while the first retry is in flight.
	bridge.RetryPending(context.Background())
	bridge.RetryPending(context.Background())
	// The scheduled timer was cancelled when the retry started.
	clk.Advance(time.Minute)

	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("decrypt called %d times, want 1", got)
	}
	if got := events.count(KindMessage); got != 1 {
		t.Fatalf("room.message emitted %d times, want 1", got)
	}
}

func TestBridgeRetryPendingRunsBeforeDeadline(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(0, &calls))

	event := encryptedEvent("!room:example.org", "$now")
	bridge.HandleEncrypted(event)
	bridge.HandleDecryptionFailure(event, errNoKey)
	bridge.RetryPending(context.Background())

	if got := calls.Load(); got != 1 {
		t.Fatalf("decrypt called %d times, want 1", got)
	}
	want := []NotificationKind{KindEvent, KindFailedDecryption, KindMessage}
	if got := events.kinds(); !slices.Equal(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if clk.PendingCount() != 0 {
		t.Errorf("scheduled retry not cancelled: %d timers", clk.PendingCount())
	}
}

func TestBridgeRepeatedFailureTracksOnce(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(1000, &calls))

	event := encryptedEvent("!room:example.org", "$twice")
	bridge.HandleDecryptionFailure(event, errNoKey)
	bridge.HandleDecryptionFailure(event, errNoKey)

	if got := events.count(KindFailedDecryption); got != 1 {
		t.Fatalf("failed_decryption emitted %d times, want 1", got)
	}
	if bridge.PendingCount() != 1 || clk.PendingCount() != 1 {
		t.Fatalf("pending = %d, timers = %d; want 1, 1", bridge.PendingCount(), clk.PendingCount())
	}
}

func TestBridgeOrdering(t *testing.T) {
	t.Run("decrypted without observation emits encrypted first", func(t *testing.T) {
		bridge, events := newTestBridge(t, testClock(), failingThen(0, new(atomic.Int32)))
		event := encryptedEvent("!room:example.org", "$fresh")

		bridge.HandleDecrypted(event, decryptedEvent(event, "hi"))

		want := []NotificationKind{KindEvent, KindMessage}
		if got := events.kinds(); !slices.Equal(got, want) {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
		if events.all()[0].Event.Type != messaging.EventTypeEncrypted {
			t.Errorf("first notification is not the encrypted event")
		}
	})

	t.Run("observed event is not announced twice", func(t *testing.T) {
		bridge, events := newTestBridge(t, testClock(), failingThen(0, new(atomic.Int32)))
		event := encryptedEvent("!room:example.org", "$seen")

		bridge.HandleEncrypted(event)
		bridge.HandleDecrypted(event, decryptedEvent(event, "hi"))

		want := []NotificationKind{KindEvent, KindMessage}
		if got := events.kinds(); !slices.Equal(got, want) {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	})

	t.Run("backend decryption drops the pending entry", func(t *testing.T) {
		clk := testClock()
		var calls atomic.Int32
		bridge, events := newTestBridge(t, clk, failingThen(1000, &calls))
		event := encryptedEvent("!room:example.org", "$late")

		bridge.HandleEncrypted(event)
		bridge.HandleDecryptionFailure(event, errNoKey)
		bridge.HandleDecrypted(event, decryptedEvent(event, "late"))
		clk.Advance(time.Hour)

		if got := calls.Load(); got != 0 {
			t.Fatalf("retry ran %d times after delivery", got)
		}
		want := []NotificationKind{KindEvent, KindFailedDecryption, KindMessage}
		if got := events.kinds(); !slices.Equal(got, want) {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	})

	t.Run("delivered ids are not delivered again", func(t *testing.T) {
		bridge, events := newTestBridge(t, testClock(), failingThen(0, new(atomic.Int32)))
		event := encryptedEvent("!room:example.org", "$dup")
		decrypted := decryptedEvent(event, "once")

		bridge.HandleEncrypted(event)
		bridge.HandleDecrypted(event, decrypted)
		bridge.HandleDecrypted(event, decrypted)
		bridge.HandlePlain(decrypted)
		bridge.HandleDecryptionFailure(event, errNoKey)

		if got := events.count(KindMessage); got != 1 {
			t.Fatalf("room.message emitted %d times, want 1", got)
		}
		if got := events.count(KindFailedDecryption); got != 0 {
			t.Fatalf("failure reported for a delivered event")
		}
	})
}

func TestBridgePlainEvents(t *testing.T) {
	bridge, events := newTestBridge(t, testClock(), failingThen(0, new(atomic.Int32)))

	message := messaging.Event{EventID: "$m", RoomID: "!r:example.org", Type: messaging.EventTypeMessage}
	member := messaging.Event{EventID: "$j", RoomID: "!r:example.org", Type: messaging.EventTypeMember}

	bridge.HandlePlain(message)
	bridge.HandlePlain(member)
	bridge.HandlePlain(message)

	want := []NotificationKind{KindMessage, KindEvent}
	if got := events.kinds(); !slices.Equal(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
}

func TestBridgeStop(t *testing.T) {
	clk := testClock()
	var calls atomic.Int32
	bridge, events := newTestBridge(t, clk, failingThen(1000, &calls))

	for _, eventID := range []string{"$a", "$b", "$c"} {
		bridge.HandleDecryptionFailure(encryptedEvent("!room:example.org", eventID), errNoKey)
	}
	if clk.PendingCount() != 3 {
		t.Fatalf("timers = %d, want 3", clk.PendingCount())
	}

	bridge.Stop()
	if bridge.PendingCount() != 0 {
		t.Fatalf("pending = %d after Stop", bridge.PendingCount())
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timers = %d after Stop", clk.PendingCount())
	}

	clk.Advance(time.Hour)
	bridge.RetryPending(context.Background())
	bridge.HandleDecryptionFailure(encryptedEvent("!room:example.org", "$d"), errNoKey)
	bridge.Stop()

	if got := calls.Load(); got != 0 {
		t.Fatalf("decrypt called %d times after Stop", got)
	}
	if got := events.count(KindFailedDecryption); got != 3 {
		t.Fatalf("failed_decryption = %d, want 3 (none after Stop)", got)
	}
}

func TestBridgeStopDiscardsLateResult(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var sawCancel atomic.Bool
	bridge, events := newTestBridge(t, testClock(), func(ctx context.Context, event messaging.Event) (messaging.Event, error) {
		started <- struct{}{}
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return decryptedEvent(event, "too late"), nil
	})

	event := encryptedEvent("!room:example.org", "$late")
	bridge.HandleDecryptionFailure(event, errNoKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.RetryPending(context.Background())
	}()
	testutil.RequireReceive(t, started, 5*time.Second, "retry did not start")

	bridge.Stop()
	close(release)
	testutil.RequireClosed(t, done, 5*time.Second, "retry did not finish")

	if !sawCancel.Load() {
		t.Error("in-flight decrypt context was not cancelled by Stop")
	}
	if got := events.count(KindMessage); got != 0 {
		t.Fatalf("late result delivered after Stop")
	}
}

func TestBridgeDelay(t *testing.T) {
	bridge, _ := newTestBridge(t, testClock(), failingThen(0, new(atomic.Int32)))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for retries, expected := range want {
		if got := bridge.delay(retries); got != expected {
			t.Errorf("delay(%d) = %v, want %v", retries, got, expected)
		}
	}
}

func TestBoundedSet(t *testing.T) {
	set := newBoundedSet[string](2)
	set.Add("a")
	set.Add("b")
	set.Add("a")
	set.Add("c")

	if set.Contains("a") {
		t.Error("oldest member not evicted")
	}
	if !set.Contains("b") || !set.Contains("c") {
		t.Error("recent members evicted")
	}
}

func TestNewDecryptBridgeValidation(t *testing.T) {
	if _, err := NewDecryptBridge(BridgeConfig{Emit: func(Notification) {}}); err == nil {
		t.Error("expected error without Decrypt")
	}
	if _, err := NewDecryptBridge(BridgeConfig{Decrypt: failingThen(0, new(atomic.Int32))}); err == nil {
		t.Error("expected error without Emit")
	}
}
