// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// Transport errors. They are always returned to the caller and never
// retried by the transport.
var (
	// ErrBlockedEndpoint is returned when an absolute URL is passed as
	// an endpoint without RequestOptions.AllowAbsoluteEndpoint.
	ErrBlockedEndpoint = errors.New("messaging: absolute endpoint blocked")

	// ErrCrossProtocolRedirect is returned when the homeserver
	// redirects to a different URL scheme (for example https to http).
	ErrCrossProtocolRedirect = errors.New("messaging: cross-protocol redirect refused")

	// ErrTooManyRedirects is returned when a redirect chain exceeds
	// ClientConfig.MaxRedirects.
	ErrTooManyRedirects = errors.New("messaging: too many redirects")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("messaging: request timed out")
)

// MatrixError is a structured error response from the homeserver.
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeNotFound { ... }
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// UIA is the user-interactive auth challenge of a 401 response,
	// nil otherwise.
	UIA *UIAResponse `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrix error codes the E2EE core branches on.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeWrongRoomKeys = "M_WRONG_ROOM_KEYS_VERSION"
)

// IsMatrixError reports whether err is a *MatrixError with the given
// code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// UIAChallenge returns the user-interactive auth challenge carried by
// err, or nil.
func UIAChallenge(err error) *UIAResponse {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.UIA
	}
	return nil
}

// IsNotFound reports whether err is an M_NOT_FOUND response or a bare
// 404 without a Matrix error body.
func IsNotFound(err error) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == ErrCodeNotFound || matrixErr.StatusCode == 404
	}
	return false
}
