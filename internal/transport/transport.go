// Package transport is the HTTP collaborator the session engine talks to
// providers through.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/authsession/internal/ioutil"
	"github.com/dgellow/authsession/internal/log"
)

// RequestType selects how Request.Body is encoded
type RequestType string

const (
	Form RequestType = "form"
	JSON RequestType = "json"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBodySize = 1 << 20
)

// Request describes one call to a provider endpoint.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is url.Values for Form requests and any JSON-marshalable value
	// for JSON requests. Nil sends no body.
	Body any
	Type RequestType
}

// Doer performs requests and returns the parsed response body. A successful
// response with an empty body yields nil.
type Doer interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// DoerFunc adapts a function to Doer
type DoerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f DoerFunc) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// StatusError is returned for non-2xx responses. Body holds the raw
// response so protocol errors can be decoded by the caller.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// HTTPClient is the default Doer backed by net/http.
type HTTPClient struct {
	client      *http.Client
	maxBodySize int64
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying client
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithMaxBodySize bounds how much of a response is read
func WithMaxBodySize(n int64) Option {
	return func(h *HTTPClient) { h.maxBodySize = n }
}

// NewHTTPClient creates the default transport.
func NewHTTPClient(opts ...Option) *HTTPClient {
	h := &HTTPClient{
		client:      &http.Client{Timeout: DefaultTimeout},
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Client exposes the underlying http.Client for collaborators that need one
// directly, such as the JWKS cache.
func (h *HTTPClient) Client() *http.Client {
	return h.client
}

func encodeBody(req Request) (io.Reader, string, error) {
	if req.Body == nil {
		return nil, "", nil
	}
	switch req.Type {
	case Form, "":
		values, ok := req.Body.(url.Values)
		if !ok {
			return nil, "", fmt.Errorf("form request body must be url.Values, got %T", req.Body)
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	case JSON:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	default:
		return nil, "", fmt.Errorf("unsupported request type %q", req.Type)
	}
}

func (h *HTTPClient) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", httpReq.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	log.LogTraceWithFields("transport", "Provider call", map[string]any{
		"method":   method,
		"url":      httpReq.URL.Redacted(),
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       []byte(ioutil.ReadLimited(resp.Body, h.maxBodySize)),
		}
	}

	data, err := ioutil.ReadBody(resp.Body, h.maxBodySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", httpReq.URL.Redacted(), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("response from %s is not JSON", httpReq.URL.Redacted())
	}
	return data, nil
}
