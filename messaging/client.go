// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/netutil"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

const (
	// DefaultRequestTimeout bounds a request when neither ClientConfig
	// nor RequestOptions sets a timeout.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultMaxRedirects bounds a redirect chain.
	DefaultMaxRedirects = 10
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver
	// (e.g., "https://matrix.example.org").
	HomeserverURL string

	// HTTPClient performs the requests. If nil, a client with no
	// timeout of its own is used (deadlines come from RequestTimeout).
	// Its CheckRedirect is ignored: the Client follows redirects
	// itself.
	HTTPClient *http.Client

	// RequestTimeout is the default per-request deadline. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// MaxRedirects bounds redirect chains. Zero means
	// DefaultMaxRedirects.
	MaxRedirects int

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is the hardened homeserver transport. It is safe for
// concurrent use and shared by every DirectSession derived from it.
type Client struct {
	baseURL      string
	origin       string
	scheme       string
	httpClient   *http.Client
	timeout      time.Duration
	maxRedirects int
	logger       *slog.Logger
}

// RequestOptions are the optional parts of a request.
type RequestOptions struct {
	// Query is appended to the URL when non-nil.
	Query url.Values

	// Body is JSON-encoded as the request body when non-nil. A
	// json.RawMessage or []byte is sent verbatim.
	Body any

	// AccessToken is sent as a bearer token when non-nil.
	AccessToken *secret.Buffer

	// AllowAbsoluteEndpoint permits endpoint to be a full URL. Only
	// for URLs the homeserver itself handed out (e.g. a media
	// redirect) and never for values from untrusted input.
	AllowAbsoluteEndpoint bool

	// Timeout overrides the client's default deadline for this call.
	// Long-poll syncs set it above the server-side poll timeout.
	Timeout time.Duration
}

// NewClient creates a Client for the given homeserver.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q has no host", config.HomeserverURL)
	}

	baseClient := config.HTTPClient
	if baseClient == nil {
		baseClient = &http.Client{}
	}
	// Copy so the caller's client keeps its own redirect policy.
	httpClient := *baseClient
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxRedirects := config.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(config.HomeserverURL, "/"),
		origin:       originOf(parsed),
		scheme:       parsed.Scheme,
		httpClient:   &httpClient,
		timeout:      timeout,
		maxRedirects: maxRedirects,
		logger:       logger,
	}, nil
}

// HomeserverURL returns the configured base URL without a trailing
// slash.
func (c *Client) HomeserverURL() string {
	return c.baseURL
}

// CloseIdleConnections closes pooled connections. Call after a network
// disruption so the next request opens a fresh connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Request performs one homeserver call and returns the response body.
// On 2xx the body is returned with a nil error. On other statuses the
// body is returned together with a *MatrixError (or a plain error if
// the server sent no Matrix error JSON).
func (c *Client) Request(ctx context.Context, method, endpoint string, options RequestOptions) ([]byte, error) {
	requestURL, err := c.resolveEndpoint(endpoint, options.AllowAbsoluteEndpoint)
	if err != nil {
		return nil, err
	}
	if options.Query != nil {
		if encoded := options.Query.Encode(); encoded != "" {
			separator := "?"
			if strings.Contains(requestURL, "?") {
				separator = "&"
			}
			requestURL += separator + encoded
		}
	}

	var body []byte
	if options.Body != nil {
		switch typed := options.Body.(type) {
		case json.RawMessage:
			body = typed
		case []byte:
			body = typed
		default:
			body, err = json.Marshal(options.Body)
			if err != nil {
				return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
			}
		}
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	requestContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responseBody, err := c.follow(requestContext, method, requestURL, body, options.AccessToken)
	if err != nil && ctx.Err() == nil && errors.Is(requestContext.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s %s after %s: %w", ErrTimeout, method, redactURL(endpoint), timeout, requestContext.Err())
	}
	return responseBody, err
}

// resolveEndpoint turns endpoint into a full URL on the homeserver,
// refusing absolute URLs unless allowed.
func (c *Client) resolveEndpoint(endpoint string, allowAbsolute bool) (string, error) {
	if isAbsoluteEndpoint(endpoint) {
		if !allowAbsolute {
			return "", fmt.Errorf("%w: %q", ErrBlockedEndpoint, redactURL(endpoint))
		}
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("messaging: invalid endpoint %q: %w", redactURL(endpoint), err)
		}
		if parsed.Scheme == "" {
			parsed.Scheme = c.scheme
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrBlockedEndpoint, parsed.Scheme)
		}
		return parsed.String(), nil
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint, nil
}

// isAbsoluteEndpoint reports whether endpoint names its own host:
// "scheme://…", scheme-relative "//host/…", or a backslash variant
// some URL parsers normalize to "//".
func isAbsoluteEndpoint(endpoint string) bool {
	trimmed := strings.TrimSpace(endpoint)
	if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, `\\`) || strings.HasPrefix(trimmed, `/\`) {
		return true
	}
	if index := strings.Index(trimmed, ":"); index > 0 {
		// A colon before the first slash means a scheme.
		slash := strings.Index(trimmed, "/")
		if slash == -1 || index < slash {
			return true
		}
	}
	return false
}

// follow sends the request and walks any redirect chain by hand.
func (c *Client) follow(ctx context.Context, method, requestURL string, body []byte, accessToken *secret.Buffer) ([]byte, error) {
	current, err := url.Parse(requestURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid request URL: %w", err)
	}
	// An opted-in absolute endpoint on another origin never sees the
	// token, even on its first hop.
	sendAuthorization := accessToken != nil && originOf(current) == c.origin

	for hop := 0; ; hop++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, current.String(), bodyReader)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to create request: %w", err)
		}
		if body != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		if sendAuthorization {
			request.Header.Set("Authorization", "Bearer "+accessToken.Reveal())
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, current.Path, err)
		}

		if !isRedirect(response.StatusCode) {
			defer response.Body.Close()
			return c.readResponse(response, method, current.Path)
		}

		location := response.Header.Get("Location")
		response.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("messaging: %d redirect from %s %s without Location", response.StatusCode, method, current.Path)
		}
		if hop+1 > c.maxRedirects {
			return nil, fmt.Errorf("%w: stopped after %d hops", ErrTooManyRedirects, c.maxRedirects)
		}
		target, err := current.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("messaging: invalid redirect location: %w", err)
		}

		if !strings.EqualFold(target.Scheme, current.Scheme) {
			c.logger.Warn("refusing cross-protocol redirect",
				"method", method,
				"from_scheme", current.Scheme,
				"to_scheme", target.Scheme,
				"to_host", target.Host,
			)
			return nil, fmt.Errorf("%w: %s to %s", ErrCrossProtocolRedirect, current.Scheme, target.Scheme)
		}
		if sendAuthorization && originOf(target) != originOf(current) {
			c.logger.Debug("dropping authorization on cross-origin redirect",
				"from_origin", originOf(current),
				"to_origin", originOf(target),
			)
			sendAuthorization = false
		}

		// 303, and 301/302 on POST, continue as a bodiless GET the way
		// browsers and net/http do.
		if response.StatusCode == http.StatusSeeOther ||
			(method == http.MethodPost && (response.StatusCode == http.StatusMovedPermanently || response.StatusCode == http.StatusFound)) {
			method = http.MethodGet
			body = nil
		}
		current = target
	}
}

func (c *Client) readResponse(response *http.Response, method, path string) ([]byte, error) {
	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		matrixErr = MatrixError{
			Code:    ErrCodeUnknown,
			Message: fmt.Sprintf("unexpected %d response from %s %s: %s", response.StatusCode, method, path, truncate(string(responseBody), 256)),
		}
	}
	matrixErr.StatusCode = response.StatusCode
	if response.StatusCode == http.StatusUnauthorized {
		matrixErr.UIA = ParseUIAResponse(responseBody)
	}
	return responseBody, &matrixErr
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// originOf returns scheme://host:port with default ports made
// explicit, so "https://a" and "https://a:443" compare equal.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return scheme + "://" + host + ":" + port
}

// redactURL strips query and userinfo before an endpoint is put in an
// error message; either may carry credentials.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "…"
}
