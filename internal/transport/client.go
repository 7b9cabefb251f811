// Package transport delivers encoded submissions to the backend and
// classifies failures.
//
// The taxonomy matters more than the mechanics: a transport-class failure
// (the request never reached the server, or was aborted) means the capture
// should be queued and retried, while an application-class failure (the
// server responded with a rejection) is surfaced to the caller, who can
// correct the input. The dispatcher and sync engine both branch on this
// distinction.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fieldnote/fieldnote/internal/codec"
)

// maxResponseBytes caps how much of a response body is retained.
const maxResponseBytes = 1 << 20

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 30 * time.Second

// Receipt is a successful delivery response.
type Receipt struct {
	StatusCode int
	Body       []byte
}

// StatusError is an application-class failure: the server responded with a
// non-2xx status. Detail carries the server's user-facing error text when the
// response body had one.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server rejected request: %s (status %d)", e.Detail, e.Code)
	}
	return fmt.Sprintf("server rejected request with status %d", e.Code)
}

// Permanent reports whether the rejection is a client error that retrying an
// identical payload cannot fix.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsTransportError reports whether err is a transport-class failure: anything
// that is not a server response. Dial failures, timeouts and aborted requests
// all land here.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	return !errors.As(err, &se)
}

// ProbeFunc reports current connectivity. Injectable for tests.
type ProbeFunc func(ctx context.Context) bool

// Client performs multipart deliveries against a fixed base URL.
type Client struct {
	baseURL string
	httpc   *http.Client

	// Probe overrides the default connectivity check when non-nil.
	Probe ProbeFunc
}

// New creates a delivery client. A zero timeout falls back to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Deliver posts the submission to its endpoint as multipart/form-data.
//
// token, when non-empty, is attached as a bearer credential. control carries
// the universal backend toggles. A 2xx response returns a Receipt; any other
// response returns a *StatusError; everything else is transport-class.
func (c *Client) Deliver(ctx context.Context, sub *codec.Submission, token string, control map[string]string) (*Receipt, error) {
	body, contentType, err := sub.MultipartBody(control)
	if err != nil {
		return nil, fmt.Errorf("failed to build request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sub.Endpoint, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery to %s failed: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", sub.Endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Detail: errorDetail(respBody),
		}
	}

	return &Receipt{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Online reports whether the backend is reachable.
//
// The default probe is a HEAD request against the base URL with a short
// timeout; any HTTP response at all counts as online; only a transport-level
// failure means offline.
func (c *Client) Online(ctx context.Context) bool {
	if c.Probe != nil {
		return c.Probe(ctx)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return true
}

// errorDetail extracts the optional user-facing error text from a failure
// response body ("detail" or "message" field).
func errorDetail(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return payload.Message
}
