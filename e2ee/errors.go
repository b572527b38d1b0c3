// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import "errors"

var (
	// ErrCryptoUnavailable is returned by operations that need the
	// crypto backend when encryption is disabled or the session has
	// not been started. Callers branch on it to tell "encryption not
	// running" apart from "encryption failed".
	ErrCryptoUnavailable = errors.New("e2ee: crypto is not available")

	// ErrBootstrapIncomplete is returned by a strict bootstrap whose
	// final outcome is not ready. Non-strict bootstrap reports the
	// same condition in the outcome instead.
	ErrBootstrapIncomplete = errors.New("e2ee: cross-signing bootstrap incomplete")

	// ErrRecoveryKeyMismatch is returned when a recovery key does not
	// unlock the account's default secret storage key. Nothing is
	// stored when it is returned.
	ErrRecoveryKeyMismatch = errors.New("e2ee: recovery key does not match secret storage")

	// ErrCapabilityUnavailable is returned when an operation needs an
	// optional backend capability the backend does not implement.
	ErrCapabilityUnavailable = errors.New("e2ee: backend does not support this operation")

	// ErrUnknownVerification is returned for a transaction id the
	// verification registry does not track.
	ErrUnknownVerification = errors.New("e2ee: unknown verification request")

	// ErrSessionStopped is returned by Start on a stopped session.
	ErrSessionStopped = errors.New("e2ee: session stopped")
)
