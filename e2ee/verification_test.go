// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestVerificationManager(t *testing.T) {
	clk := testClock()
	manager := NewVerificationManager(clk, testLogger())

	first := manager.Track(Verification{OtherUserID: "@alice:example.org", OtherDeviceID: "PHONE"})
	if _, err := uuid.Parse(first.TransactionID); err != nil {
		t.Fatalf("generated transaction id %q is not a UUID: %v", first.TransactionID, err)
	}
	if first.Phase != PhaseRequested || !first.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("tracked = %+v", first)
	}

	clk.Advance(time.Second)
	second := manager.Track(Verification{TransactionID: "txn-2", OtherUserID: "@alice:example.org"})

	if got := manager.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	list := manager.List()
	if len(list) != 2 || list[0].TransactionID != first.TransactionID || list[1].TransactionID != second.TransactionID {
		t.Fatalf("list order = %+v", list)
	}

	updated, err := manager.Update("txn-2", PhaseStarted)
	requireNoError(t, err)
	if updated.Phase != PhaseStarted || !updated.UpdatedAt.Equal(clk.Now()) {
		t.Errorf("updated = %+v", updated)
	}

	requireNoError(t, manager.Cancel(first.TransactionID))
	if got := manager.Pending(); got != 1 {
		t.Fatalf("pending after cancel = %d, want 1", got)
	}
	if _, err := manager.Update(first.TransactionID, PhaseReady); err == nil {
		t.Error("cancelled request moved back to ready")
	}

	if _, err := manager.Update("missing", PhaseDone); !errors.Is(err, ErrUnknownVerification) {
		t.Errorf("unknown id error = %v", err)
	}

	manager.Clear()
	if manager.Pending() != 0 || len(manager.List()) != 0 {
		t.Error("Clear left requests behind")
	}
}

func TestRequestOwnDeviceVerification(t *testing.T) {
	manager := NewVerificationManager(testClock(), testLogger())

	if _, err := manager.RequestOwnDeviceVerification(context.Background(), nil, "@alice:example.org"); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("error = %v, want ErrCapabilityUnavailable", err)
	}

	backend := newCapableBackend(newFakeHomeserver())
	request, err := manager.RequestOwnDeviceVerification(context.Background(), backend, "@alice:example.org")
	requireNoError(t, err)
	if request.OtherDeviceID != "OTHERDEV" || request.TransactionID == "" {
		t.Errorf("request = %+v", request)
	}
	if manager.Pending() != 1 {
		t.Errorf("pending = %d, want 1", manager.Pending())
	}
}
