package exparo

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/exparo/exparo-go/metrics"
	"github.com/exparo/exparo-go/store"
	"github.com/exparo/exparo-go/transport"
)

type options struct {
	logger           *slog.Logger
	kv               store.KV
	httpClient       *http.Client
	timeout          time.Duration
	retry            transport.RetryConfig
	metrics          *metrics.Metrics
	dialer           *websocket.Dialer
	backgroundUpdate bool
}

func defaultOptions() *options {
	return &options{
		logger:           slog.Default(),
		backgroundUpdate: true,
	}
}

// Option configures optional client behavior.
type Option func(*options)

// WithLogger sets the structured logger used across every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStore sets the durable key-value substrate. Defaults to an
// in-memory store; pass store.NewFile or store.NewSQLite for assignments
// that survive restarts.
func WithStore(kv store.KV) Option {
	return func(o *options) {
		if kv != nil {
			o.kv = kv
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client, e.g. one built by
// transport.BuildHTTPClient with pinned TLS material.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry overrides the transport retry policy.
func WithRetry(rc transport.RetryConfig) Option {
	return func(o *options) { o.retry = rc }
}

// WithMetrics registers prometheus counters with reg and wires them into
// the transport and the realtime channel.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.metrics = metrics.New(reg) }
}

// WithWebsocketDialer overrides the realtime dialer.
func WithWebsocketDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithoutBackgroundUpdate disables the realtime channel entirely; callers
// then rely on cached assignments and explicit fetches.
func WithoutBackgroundUpdate() Option {
	return func(o *options) { o.backgroundUpdate = false }
}
