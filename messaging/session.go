// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

// syncTimeoutMargin is added to a long-poll timeout to get the
// transport deadline for that sync.
const syncTimeoutMargin = 30 * time.Second

// DirectSession is an authenticated Matrix session for one device. It
// wraps a Client with an access token held in a secret.Buffer. The
// caller must call Close when the session is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      string
	deviceID    string
}

// SessionFromToken creates a DirectSession that takes ownership of
// accessToken. userID and deviceID may be empty; ResolveIdentity fills
// them from whoami.
func (c *Client) SessionFromToken(userID, deviceID string, accessToken *secret.Buffer) (*DirectSession, error) {
	if accessToken == nil || accessToken.Len() == 0 {
		return nil, fmt.Errorf("messaging: access token is required")
	}
	return &DirectSession{
		client:      c,
		accessToken: accessToken,
		userID:      userID,
		deviceID:    deviceID,
	}, nil
}

// UserID returns the fully-qualified Matrix user ID, or "" if it has
// not been resolved yet.
func (s *DirectSession) UserID() string {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// Client returns the transport this session sends through.
func (s *DirectSession) Client() *Client {
	return s.client
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory. Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// Request performs an authenticated call through the hardened
// transport. The crypto backend uses this for its own homeserver
// traffic (key upload, key claim, to-device, backup upload) so that
// those calls get the same endpoint and redirect rules.
func (s *DirectSession) Request(ctx context.Context, method, endpoint string, options RequestOptions) ([]byte, error) {
	options.AccessToken = s.accessToken
	return s.client.Request(ctx, method, endpoint, options)
}

// WhoAmI validates the access token and returns the server's view of
// the user and device.
func (s *DirectSession) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	body, err := s.Request(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return &response, nil
}

// ResolveIdentity fills in the user ID (and the device ID, if the
// server reports one) via whoami when they were not supplied. It is a
// no-op when both are already known.
func (s *DirectSession) ResolveIdentity(ctx context.Context) error {
	if s.userID != "" && s.deviceID != "" {
		return nil
	}
	response, err := s.WhoAmI(ctx)
	if err != nil {
		return err
	}
	if s.userID == "" {
		s.userID = response.UserID
	}
	if s.deviceID == "" {
		s.deviceID = response.DeviceID
	}
	if s.userID == "" {
		return fmt.Errorf("messaging: whoami returned no user_id")
	}
	s.client.logger.Debug("resolved session identity",
		"user_id", s.userID,
		"device_id", s.deviceID,
	)
	return nil
}

// QueryKeys fetches device and cross-signing keys for the given users.
func (s *DirectSession) QueryKeys(ctx context.Context, userIDs ...string) (*KeysQueryResponse, error) {
	request := KeysQueryRequest{DeviceKeys: make(map[string][]string, len(userIDs))}
	for _, userID := range userIDs {
		request.DeviceKeys[userID] = []string{}
	}
	body, err := s.Request(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", RequestOptions{Body: request})
	if err != nil {
		return nil, fmt.Errorf("messaging: keys query failed: %w", err)
	}

	var response KeysQueryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// KeyBackupVersion returns the current server-side room key backup
// version, or nil with no error when the server has no backup.
func (s *DirectSession) KeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	body, err := s.Request(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", RequestOptions{})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: get key backup version failed: %w", err)
	}

	var response KeyBackupVersion
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse key backup version: %w", err)
	}
	if response.Version == "" {
		return nil, nil
	}
	return &response, nil
}

// AccountData fetches a global account data event's content. A missing
// event returns a *MatrixError with code M_NOT_FOUND.
func (s *DirectSession) AccountData(ctx context.Context, eventType string) (json.RawMessage, error) {
	if s.userID == "" {
		return nil, fmt.Errorf("messaging: account data requires a resolved user ID")
	}
	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID) + "/account_data/" + url.PathEscape(eventType)
	body, err := s.Request(ctx, http.MethodGet, path, RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("messaging: get account data %s failed: %w", eventType, err)
	}
	return body, nil
}

// SecretStorageDefaultKeyID returns the id of the account's default
// secret storage key, or "" if none is set.
func (s *DirectSession) SecretStorageDefaultKeyID(ctx context.Context) (string, error) {
	body, err := s.AccountData(ctx, AccountDataTypeSecretStorageDefaultKey)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var content SecretStorageDefaultKey
	if err := json.Unmarshal(body, &content); err != nil {
		return "", fmt.Errorf("messaging: failed to parse %s: %w", AccountDataTypeSecretStorageDefaultKey, err)
	}
	return content.Key, nil
}

// Sync performs a /sync request. Long-poll syncs get a transport
// deadline of the poll timeout plus a margin so the server, not the
// client, ends an idle poll.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	requestOptions := RequestOptions{Query: query}
	if options.Timeout > 0 {
		pollTimeout := msToDuration(options.Timeout)
		if pollTimeout+syncTimeoutMargin > s.client.timeout {
			requestOptions.Timeout = pollTimeout + syncTimeoutMargin
		}
	}

	body, err := s.Request(ctx, http.MethodGet, "/_matrix/client/v3/sync", requestOptions)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// PasswordAuth builds the m.login.password user-interactive auth dict
// for a UIA session. The returned map holds the password as a heap
// string; build it immediately before the request that needs it.
func PasswordAuth(uiaSession, userID string, password *secret.Buffer) map[string]any {
	return map[string]any{
		"type":     "m.login.password",
		"session":  uiaSession,
		"password": password.Reveal(),
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": userID,
		},
	}
}

// UIAResponse is the 401 body of a request that requires
// user-interactive authentication.
type UIAResponse struct {
	Session   string    `json:"session"`
	Flows     []UIAFlow `json:"flows"`
	Completed []string  `json:"completed,omitempty"`
}

// UIAFlow is one acceptable sequence of auth stages.
type UIAFlow struct {
	Stages []string `json:"stages"`
}

// ParseUIAResponse extracts the UIA session from a 401 response body.
// It returns nil when the body is not a UIA challenge.
func ParseUIAResponse(body []byte) *UIAResponse {
	var response UIAResponse
	if err := json.Unmarshal(body, &response); err != nil || len(response.Flows) == 0 {
		return nil
	}
	return &response
}

// SupportsPassword reports whether any flow consists of just the
// m.login.password stage.
func (r *UIAResponse) SupportsPassword() bool {
	for _, flow := range r.Flows {
		if len(flow.Stages) == 1 && flow.Stages[0] == "m.login.password" {
			return true
		}
	}
	return false
}

func msToDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
