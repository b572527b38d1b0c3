// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small records at rest with filippo.io/age.
//
// The recovery key store seals its record to an x25519 identity that
// lives in a separate 0600 file, so a copy of the record alone (a
// backup tarball, a synced dotfile directory) does not yield the
// secret-storage key. Identities and decrypted plaintext are returned
// as [secret.Buffer] values.
//
//   - [GenerateIdentity] creates a new x25519 identity
//   - [LoadOrCreateIdentity] reads an identity file, creating it on first use
//   - [Seal] encrypts to an identity's recipient
//   - [Open] decrypts with an identity
package sealed
