// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recoverykey keeps the local copy of the secret storage
// recovery key.
//
// After a user proves a recovery key (by verifying with it or applying
// it during a restore) the [Store] persists it so the crypto backend
// can unlock secret storage on later starts without prompting again.
// At most one key is held: storing a new key replaces the old record,
// it is never merged.
//
// On disk the record is CBOR sealed with age to an x25519 identity
// kept beside it (mode 0600). In memory the key lives in a
// secret.Buffer. The raw key leaves the package through exactly one
// path, [Callbacks.GetSecretStorageKey], and only when the stored key
// id is among the ids the backend asked for. [Store.Summary] exposes
// the key id and creation time and nothing else.
package recoverykey
