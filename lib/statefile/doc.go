// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists opaque blobs (the crypto backend's state
// export) to disk and reads them back intact.
//
// The blob itself is never interpreted. It is wrapped in an envelope:
//
//	[magic "BE2S"] [header length: uint32 BE] [CBOR header] [payload]
//
// The header records the compression algorithm (zstd, lz4, or none),
// the uncompressed length, a BLAKE3 digest of the original blob, and,
// when the file is sealed, the XChaCha20-Poly1305 nonce. The payload is
// the compressed blob, sealed with the header bytes as associated data
// when a key is supplied. A torn, truncated, or tampered file fails
// with [ErrChecksumMismatch] or an AEAD error rather than returning a
// corrupt blob to the backend.
//
// [Write] replaces the target atomically: temp file in the same
// directory, fsync, rename, so a crash mid-write leaves the previous
// snapshot in place.
package statefile
