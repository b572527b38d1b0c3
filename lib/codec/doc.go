// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration shared by every on-disk
// format in this module: the sealed recovery key record and the header
// of crypto-state snapshot files.
//
// JSON is reserved for the homeserver API and for status shapes handed
// to the presentation layer. Files this module writes for itself are
// CBOR with Core Deterministic Encoding (RFC 8949 §4.2), so the same
// record always produces the same bytes. Types that are only ever
// CBOR carry `cbor` struct tags with integer keys (`cbor:"1,keyasint"`)
// to keep files compact and field renames cheap.
package codec
