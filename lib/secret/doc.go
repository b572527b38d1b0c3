// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material (recovery keys, backup decryption
// keys, access tokens, account passwords) in memory that the garbage
// collector never sees.
//
// [Buffer] allocates with mmap(MAP_ANONYMOUS), locks the pages with
// mlock so they are never swapped, and marks them MADV_DONTDUMP so they
// never land in a core dump. Close zeroes, unlocks and unmaps.
//
// A Buffer never prints its contents. String, Format (every fmt verb)
// and LogValue all render "[REDACTED]", so a Buffer that slips into a
// log line or an error message leaks nothing. Code that genuinely needs
// the contents calls [Buffer.Bytes] (a view into the locked region) or
// [Buffer.Reveal] (a heap string for API boundaries such as JSON request
// bodies).
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer of a given size
//   - [NewFromBytes] copies into protected memory and zeroes the source
//   - [NewFromString] is NewFromBytes for string inputs
//   - [ReadFromPath] reads a secret file (or stdin for "-")
//
// Depends on golang.org/x/sys/unix only.
package secret
