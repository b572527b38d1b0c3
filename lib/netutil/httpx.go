// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response body reads.
//
// Every homeserver response is read through [ReadResponse], which
// refuses bodies larger than [MaxResponseSize] instead of silently
// truncating them. A truncated /sync or /keys/query body would decode
// as a confusing JSON syntax error; an explicit [ErrResponseTooLarge]
// says what happened.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response bodies: 64 MB. An initial
// /sync for an account in many large rooms is the biggest response the
// E2EE core reads and stays well under this.
const MaxResponseSize int64 = 64 << 20

// ErrResponseTooLarge is returned when a body exceeds the read limit.
var ErrResponseTooLarge = errors.New("netutil: response body exceeds size limit")

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return ReadLimited(body, MaxResponseSize)
}

// ReadLimited reads body up to limit bytes. A body longer than limit
// returns ErrResponseTooLarge and no data.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
