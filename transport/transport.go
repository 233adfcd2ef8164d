// Package transport issues the SDK's HTTP requests with request
// de-duplication, retry with exponential backoff, per-request timeouts
// and normalized errors.
//
// De-duplication works on two levels. Requests are identified by
// method+path; their content is fingerprinted over headers, body and
// query parameters. A second request with the same identity and the same
// fingerprint fails fast with a cancellation error while the original
// stays in flight (callers that want to share one result must coalesce at
// the call site). A second request with the same identity but different
// content cancels the in-flight one and takes its place.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	sdkerrors "github.com/exparo/exparo-go/errors"
	"github.com/exparo/exparo-go/metrics"
)

// DefaultTimeout bounds each request independently of retry backoff.
const DefaultTimeout = 10 * time.Second

// Default retry policy.
const (
	DefaultRetryAttempts     = 3
	DefaultRetryInitialDelay = 1000 * time.Millisecond
	DefaultRetryMaxDelay     = 5000 * time.Millisecond
)

// Internal cancellation causes, mapped to sdkerrors.KindCancelled.
var (
	errSuperseded      = stderrors.New("superseded by request with different content")
	errCancelled       = stderrors.New("request cancelled")
	errDisposeCancel   = stderrors.New("all requests cancelled")
	errDuplicateCancel = stderrors.New("duplicate request with identical content")
)

// RetryConfig controls the retry loop.
type RetryConfig struct {
	// Attempts is the total attempt count, first try included.
	Attempts int
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps each backoff step.
	MaxDelay time.Duration
	// ShouldRetry decides eligibility per error. Defaults to
	// sdkerrors.Retryable: cancellations and authorization failures are
	// final.
	ShouldRetry func(error) bool
}

func (rc RetryConfig) withDefaults() RetryConfig {
	if rc.Attempts <= 0 {
		rc.Attempts = DefaultRetryAttempts
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = DefaultRetryInitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = DefaultRetryMaxDelay
	}
	if rc.ShouldRetry == nil {
		rc.ShouldRetry = sdkerrors.Retryable
	}
	return rc
}

// Delay returns the backoff before the given retry, 1-based:
// min(InitialDelay * 2^(attempt-1), MaxDelay).
func (rc RetryConfig) Delay(attempt int) time.Duration {
	d := rc.InitialDelay << (attempt - 1)
	if d > rc.MaxDelay || d <= 0 {
		d = rc.MaxDelay
	}
	return d
}

// Config holds the transport configuration.
type Config struct {
	BaseURL string
	// Headers are attached to every request (the API key header lives
	// here).
	Headers map[string]string
	Timeout time.Duration
	Retry   RetryConfig
	// HTTPClient overrides the underlying client, e.g. one built by
	// BuildHTTPClient with pinned TLS material.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// RequestOptions describes one request.
type RequestOptions struct {
	Method  string
	Path    string
	Body    any
	Query   url.Values
	Headers map[string]string
	// SkipRetry disables the retry loop for this request.
	SkipRetry bool
}

type pendingRequest struct {
	cancel      context.CancelCauseFunc
	fingerprint string
	started     time.Time
}

// Client is the HTTP request layer. Safe for concurrent use.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	retry   RetryConfig
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	disposed bool
}

// NewClient builds a transport Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		http:    httpClient,
		retry:   cfg.Retry.withDefaults(),
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
		pending: make(map[string]*pendingRequest),
	}, nil
}

// Do issues the request and returns the raw response body. Errors are
// always from the sdkerrors taxonomy (or ErrClientDisposed).
//
// A call that collides with an identical in-flight request fails with a
// cancellation error and performs no network I/O; the original request's
// resolution is what its own caller observes.
func (c *Client) Do(ctx context.Context, opts RequestOptions) ([]byte, error) {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return nil, sdkerrors.ErrClientDisposed
	}

	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	var body []byte
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, sdkerrors.Network("encode request body", err)
		}
		body = raw
	}
	fp := fingerprint(c.mergedHeaders(opts.Headers), body, opts.Query)

	for attempt := 1; ; attempt++ {
		data, err := c.attempt(ctx, opts, body, fp)
		if err == nil {
			return data, nil
		}
		if opts.SkipRetry || attempt >= c.retry.Attempts || !c.retry.ShouldRetry(err) {
			return nil, err
		}

		delay := c.retry.Delay(attempt)
		c.metrics.Retry()
		c.logger.Debug("transport: retrying request",
			"method", opts.Method,
			"path", opts.Path,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, c.normalizeContext(ctx, ctx.Err())
		}
	}
}

func (c *Client) attempt(ctx context.Context, opts RequestOptions, body []byte, fp string) ([]byte, error) {
	id := requestID(opts.Method, opts.Path)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, sdkerrors.ErrClientDisposed
	}
	if existing, ok := c.pending[id]; ok {
		if existing.fingerprint == fp {
			c.mu.Unlock()
			c.metrics.Deduplicated()
			return nil, sdkerrors.Cancelled(errDuplicateCancel.Error())
		}
		existing.cancel(errSuperseded)
		delete(c.pending, id)
		c.metrics.Superseded()
	}
	rctx, cancel := context.WithCancelCause(ctx)
	desc := &pendingRequest{cancel: cancel, fingerprint: fp, started: time.Now()}
	c.pending[id] = desc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[id] == desc {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		cancel(nil)
	}()

	tctx, tcancel := context.WithTimeout(rctx, c.timeout)
	defer tcancel()

	req, err := c.buildRequest(tctx, opts, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		nerr := c.normalizeTransport(rctx, tctx, err)
		c.metrics.Request(opts.Method, outcome(nerr))
		return nil, nerr
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		nerr := c.normalizeTransport(rctx, tctx, err)
		c.metrics.Request(opts.Method, outcome(nerr))
		return nil, nerr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		nerr := sdkerrors.HTTPStatus(resp.StatusCode)
		c.metrics.Request(opts.Method, outcome(nerr))
		return nil, nerr
	}

	c.metrics.Request(opts.Method, "success")
	return data, nil
}

func (c *Client) buildRequest(ctx context.Context, opts RequestOptions, body []byte) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimPrefix(opts.Path, "/")
	if len(opts.Query) > 0 {
		u += "?" + opts.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, u, reader)
	if err != nil {
		return nil, sdkerrors.Network("build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.mergedHeaders(opts.Headers) {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) mergedHeaders(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(c.headers)+len(extra))
	for k, v := range c.headers {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// normalizeTransport maps a request error to the SDK taxonomy. rctx
// carries cancellation causes, tctx the per-request deadline.
func (c *Client) normalizeTransport(rctx, tctx context.Context, err error) error {
	if cause := context.Cause(rctx); cause != nil {
		switch {
		case stderrors.Is(cause, errSuperseded):
			return sdkerrors.Cancelled(errSuperseded.Error())
		case stderrors.Is(cause, errCancelled):
			return sdkerrors.Cancelled(errCancelled.Error())
		case stderrors.Is(cause, errDisposeCancel):
			return sdkerrors.Cancelled(errDisposeCancel.Error())
		case stderrors.Is(cause, context.Canceled):
			return sdkerrors.Cancelled("request context cancelled")
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || tctx.Err() == context.DeadlineExceeded {
		return sdkerrors.Timeout("request timeout")
	}
	return sdkerrors.Network(err.Error(), err)
}

func (c *Client) normalizeContext(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !stderrors.Is(cause, context.Canceled) {
		if stderrors.Is(cause, context.DeadlineExceeded) {
			return sdkerrors.Timeout("request timeout")
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return sdkerrors.Timeout("request timeout")
	}
	return sdkerrors.Cancelled("request context cancelled")
}

func outcome(err error) string {
	switch sdkerrors.KindOf(err) {
	case sdkerrors.KindTimeout:
		return "timeout"
	case sdkerrors.KindCancelled:
		return "cancelled"
	case sdkerrors.KindUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// CancelRequest cancels the in-flight request for method+path, if any.
func (c *Client) CancelRequest(method, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := requestID(method, path)
	if p, ok := c.pending[id]; ok {
		p.cancel(errCancelled)
		delete(c.pending, id)
	}
}

// CancelAll cancels every in-flight request.
func (c *Client) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAllLocked()
}

func (c *Client) cancelAllLocked() {
	for id, p := range c.pending {
		p.cancel(errDisposeCancel)
		delete(c.pending, id)
	}
}

// Dispose cancels everything and makes the client permanently unusable;
// subsequent Do calls fail fast with ErrClientDisposed.
func (c *Client) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.cancelAllLocked()
	c.disposed = true
}

// PendingCount reports the number of in-flight descriptors. Intended for
// tests and diagnostics.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func requestID(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// fingerprint hashes the request content (headers, body, params) so that
// logically identical concurrent requests collide.
func fingerprint(headers map[string]string, body []byte, query url.Values) string {
	payload := struct {
		Headers map[string]string `json:"headers,omitempty"`
		Body    json.RawMessage   `json:"body,omitempty"`
		Params  url.Values        `json:"params,omitempty"`
	}{
		Headers: headers,
		Body:    body,
		Params:  query,
	}
	// encoding/json emits map keys sorted, so the hash is canonical
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
