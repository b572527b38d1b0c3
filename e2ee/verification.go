// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/google/uuid"
)

// VerificationPhase is the state of an interactive verification.
type VerificationPhase string

const (
	PhaseRequested VerificationPhase = "requested"
	PhaseReady     VerificationPhase = "ready"
	PhaseStarted   VerificationPhase = "started"
	PhaseDone      VerificationPhase = "done"
	PhaseCancelled VerificationPhase = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (p VerificationPhase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

// Verification is one tracked self-verification request.
type Verification struct {
	TransactionID string            `json:"transaction_id"`
	OtherUserID   string            `json:"other_user_id"`
	OtherDeviceID string            `json:"other_device_id,omitempty"`
	Methods       []string          `json:"methods,omitempty"`
	Phase         VerificationPhase `json:"phase"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// VerificationManager is the in-memory registry of verification
// requests for one session. Requests are ephemeral handshakes and are
// never persisted.
type VerificationManager struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	requests map[string]*Verification
}

// NewVerificationManager returns an empty registry.
func NewVerificationManager(clk clock.Clock, logger *slog.Logger) *VerificationManager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationManager{
		clock:    clk,
		logger:   logger,
		requests: make(map[string]*Verification),
	}
}

// Track registers a request. An empty transaction id is replaced by a
// random UUID and an empty phase by PhaseRequested. Tracking an
// existing id replaces it.
func (m *VerificationManager) Track(request Verification) Verification {
	if request.TransactionID == "" {
		request.TransactionID = uuid.NewString()
	}
	if request.Phase == "" {
		request.Phase = PhaseRequested
	}
	now := m.clock.Now()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now
	request.Methods = slices.Clone(request.Methods)

	m.mu.Lock()
	m.requests[request.TransactionID] = &request
	m.mu.Unlock()

	m.logger.Debug("tracking verification request",
		"transaction_id", request.TransactionID,
		"other_device_id", request.OtherDeviceID,
		"phase", request.Phase,
	)
	return request
}

// Update moves a request to phase. A terminal request cannot move.
func (m *VerificationManager) Update(transactionID string, phase VerificationPhase) (Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.requests[transactionID]
	if !ok {
		return Verification{}, fmt.Errorf("%w: %s", ErrUnknownVerification, transactionID)
	}
	if request.Phase.Terminal() && phase != request.Phase {
		return *request, fmt.Errorf("e2ee: verification %s is already %s", transactionID, request.Phase)
	}
	request.Phase = phase
	request.UpdatedAt = m.clock.Now()
	return *request, nil
}

// Cancel marks a request cancelled.
func (m *VerificationManager) Cancel(transactionID string) error {
	_, err := m.Update(transactionID, PhaseCancelled)
	return err
}

// List returns every tracked request, oldest first.
func (m *VerificationManager) List() []Verification {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Verification, 0, len(m.requests))
	for _, request := range m.requests {
		list = append(list, *request)
	}
	slices.SortFunc(list, func(a, b Verification) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TransactionID, b.TransactionID)
	})
	return list
}

// Pending returns the number of requests not yet done or cancelled.
func (m *VerificationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, request := range m.requests {
		if !request.Phase.Terminal() {
			count++
		}
	}
	return count
}

// RequestOwnDeviceVerification asks requester to start a verification
// with the account's other devices and tracks the result.
func (m *VerificationManager) RequestOwnDeviceVerification(ctx context.Context, requester VerificationRequester, userID string) (Verification, error) {
	if requester == nil {
		return Verification{}, fmt.Errorf("%w: verification requests", ErrCapabilityUnavailable)
	}
	started, err := requester.RequestOwnDeviceVerification(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("e2ee: requesting own device verification: %w", err)
	}
	return m.Track(Verification{
		TransactionID: started.TransactionID,
		OtherUserID:   userID,
		OtherDeviceID: started.OtherDeviceID,
		Methods:       started.Methods,
	}), nil
}

// Clear drops every request.
func (m *VerificationManager) Clear() {
	m.mu.Lock()
	clear(m.requests)
	m.mu.Unlock()
}
