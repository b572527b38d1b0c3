// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the homeserver transport for the E2EE core.
//
// [Client] is the hardened HTTP layer. Every homeserver call made by
// this module, and every call the crypto backend makes on our behalf,
// goes through [Client.Request], which enforces three rules:
//
//   - Endpoints are paths relative to the configured homeserver. An
//     absolute URL (including one pointing at the homeserver's own
//     origin) fails with [ErrBlockedEndpoint] before any network I/O
//     unless the caller sets RequestOptions.AllowAbsoluteEndpoint. A
//     compromised or attacker-supplied endpoint string therefore
//     cannot move an authenticated request off the homeserver.
//   - Redirects are followed by hand. A hop to a different origin
//     drops the Authorization header (and it stays dropped for the
//     rest of the chain); a hop that changes scheme fails with
//     [ErrCrossProtocolRedirect] instead of being followed.
//   - Each request runs under a deadline. Expiry cancels the in-flight
//     request and returns an error wrapping [ErrTimeout].
//
// The transport never retries. Retry policy belongs to callers, which
// know whether the operation is idempotent.
//
// [DirectSession] adds an access token (held in a secret.Buffer) and
// the handful of endpoints the E2EE core uses directly: whoami,
// /keys/query for cross-signing publication, room_keys/version for
// backup state, account data for the secret-storage default key, and
// /sync. Non-2xx responses decode to [*MatrixError].
//
// Request URLs are built by string concatenation rather than url.URL
// so that already-escaped path segments are not double-encoded.
package messaging
