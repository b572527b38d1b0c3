// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee keeps a Matrix client's end-to-end encryption state
// correct and recoverable across restarts.
//
// The package does not implement olm or megolm. It drives a [Backend]
// (a capability object supplied by the caller) and layers the
// orchestration on top:
//
//   - [DecryptBridge] hides transient decryption failures. A failed
//     event is reported once as room.failed_decryption and retried on
//     a capped exponential backoff, or immediately when the backend
//     signals that backup key material arrived.
//   - [Bootstrapper] runs cross-signing and secret storage bootstrap,
//     creates a room key backup when the server has none, and falls
//     back to a forced cross-signing reset when a password is
//     available to authorize it.
//   - [BackupHealth] combines local and server backup state into a
//     [BackupStatus], classifies it with [ResolveBackupIssue], and
//     restores room keys from the backup.
//   - [VerificationManager] tracks self-verification requests for the
//     lifetime of the session.
//   - [Session] ties these together with the recovery key store, the
//     crypto-state snapshot file, and the sync loop.
//
// Optional backend features are separate interfaces ([BackupCreator],
// [SecretStorageKeyLoader], [StateExporter], ...) discovered by type
// assertion. A missing capability degrades the operation that needs it
// instead of failing the session.
package e2ee
