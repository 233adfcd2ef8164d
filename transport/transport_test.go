package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/exparo/exparo-go/errors"
)

// fastRetry keeps test backoff in the microsecond range.
var fastRetry = RetryConfig{
	Attempts:     3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
}

func newTestClient(t *testing.T, handler http.Handler, retry RetryConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Headers: map[string]string{"X-API-KEY": "test-key"},
		Retry:   retry,
	})
	require.NoError(t, err)
	return c
}

func TestClient_Do_Success(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "/api/ping", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}), fastRetry)

	data, err := c.Do(context.Background(), RequestOptions{Path: "api/ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestClient_Do_DuplicateRequestShortCircuits(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{}`))
	}), fastRetry)

	var wg sync.WaitGroup
	wg.Add(1)
	firstErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := c.Do(context.Background(), RequestOptions{Path: "api/slow"})
		firstErr <- err
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		time.Second, time.Millisecond)

	// Identical content while the first is in flight: no network call,
	// cancellation kind, original untouched.
	_, err := c.Do(context.Background(), RequestOptions{Path: "api/slow", SkipRetry: true})
	assert.True(t, sdkerrors.IsCancelled(err))
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	wg.Wait()
	assert.NoError(t, <-firstErr)
}

func TestClient_Do_DifferentContentSupersedes(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") == "1" {
			<-release
		}
		_, _ = w.Write([]byte(`{}`))
	}), fastRetry)

	firstErr := make(chan error, 1)
	go func() {
		q := map[string][]string{"v": {"1"}}
		_, err := c.Do(context.Background(), RequestOptions{Path: "api/thing", Query: q, SkipRetry: true})
		firstErr <- err
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		time.Second, time.Millisecond)

	q := map[string][]string{"v": {"2"}}
	_, err := c.Do(context.Background(), RequestOptions{Path: "api/thing", Query: q, SkipRetry: true})
	require.NoError(t, err)

	close(release)
	err = <-firstErr
	assert.True(t, sdkerrors.IsCancelled(err), "superseded request resolves cancelled, got %v", err)
}

func TestClient_Do_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}), fastRetry)

	_, err := c.Do(context.Background(), RequestOptions{Path: "api/flaky"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), fastRetry)

	_, err := c.Do(context.Background(), RequestOptions{Path: "api/down"})
	assert.True(t, sdkerrors.IsNetwork(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_NoRetryOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}), fastRetry)

	_, err := c.Do(context.Background(), RequestOptions{Path: "api/secret"})
	assert.True(t, sdkerrors.IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Do_SkipRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), fastRetry)

	_, err := c.Do(context.Background(), RequestOptions{Path: "api/once", SkipRetry: true})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Do_TimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Timeout: 20 * time.Millisecond,
		Retry:   RetryConfig{Attempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), RequestOptions{Path: "api/slow", SkipRetry: true})
	assert.True(t, sdkerrors.IsTimeout(err), "expected timeout kind, got %v", err)
}

func TestClient_CancelRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}), fastRetry)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), RequestOptions{Path: "api/slow", SkipRetry: true})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		time.Second, time.Millisecond)
	c.CancelRequest(http.MethodGet, "api/slow")

	err := <-errCh
	assert.True(t, sdkerrors.IsCancelled(err))
	assert.Zero(t, c.PendingCount())
}

func TestClient_Dispose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}), fastRetry)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), RequestOptions{Path: "api/slow"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		time.Second, time.Millisecond)
	c.Dispose()

	// In-flight requests resolve cancelled; cancellations are final so
	// the retry loop does not restart them.
	err := <-errCh
	assert.True(t, sdkerrors.IsCancelled(err))

	// Subsequent requests fail fast without network I/O.
	_, err = c.Do(context.Background(), RequestOptions{Path: "api/slow"})
	assert.ErrorIs(t, err, sdkerrors.ErrClientDisposed)
}

func TestRetryConfig_Delay(t *testing.T) {
	rc := RetryConfig{InitialDelay: 1000 * time.Millisecond, MaxDelay: 5000 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 1000 * time.Millisecond},
		{attempt: 2, want: 2000 * time.Millisecond},
		{attempt: 3, want: 4000 * time.Millisecond},
		{attempt: 4, want: 5000 * time.Millisecond},
		{attempt: 10, want: 5000 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rc.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestFingerprint(t *testing.T) {
	h := map[string]string{"X-API-KEY": "k"}
	body := []byte(`{"a":1}`)

	same := fingerprint(h, body, nil)
	assert.Equal(t, same, fingerprint(h, body, nil))

	assert.NotEqual(t, same, fingerprint(h, []byte(`{"a":2}`), nil))
	assert.NotEqual(t, same, fingerprint(h, body, map[string][]string{"q": {"1"}}))
	assert.NotEqual(t, same, fingerprint(map[string]string{"X-API-KEY": "other"}, body, nil))
}
