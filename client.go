package exparo

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/exparo/exparo-go/api"
	sdkerrors "github.com/exparo/exparo-go/errors"
	"github.com/exparo/exparo-go/realtime"
	"github.com/exparo/exparo-go/registry"
	"github.com/exparo/exparo-go/store"
	"github.com/exparo/exparo-go/transport"
	"github.com/exparo/exparo-go/types"
)

// APIKeyHeader carries the project API key on every backend call.
const APIKeyHeader = "X-API-KEY"

// Config holds the required client configuration.
type Config struct {
	// Host is the backend base URL, e.g. "https://api.exparo.io".
	Host string
	// APIKey authenticates the project.
	APIKey string
	// RealtimeURL overrides the push endpoint. When empty it is derived
	// from Host: the scheme flips to ws(s) and "/ws" is appended.
	RealtimeURL string
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("exparo: Host required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("exparo: APIKey required")
	}
	return nil
}

// Client orchestrates the durable store, the backend gateway and the
// realtime channel. Construct one per application with New, pass it
// explicitly to call sites, and Close it when done.
type Client struct {
	cfg    Config
	logger *slog.Logger

	store     *store.Manager
	transport *transport.Client
	gateway   *api.Gateway
	// realtime is nil when background updates are disabled
	realtime *realtime.Channel

	// subs receives fetch resolutions and channel pushes; pushSubs (used
	// by bindings) receives channel pushes only.
	subs     *registry.Registry[types.Callback]
	pushSubs *registry.Registry[types.Callback]

	// one channel-level registration per experiment key, shared by every
	// local subscriber of that key
	chanMu   sync.Mutex
	chanSubs map[string]*registry.Subscription[types.Callback]
}

// New builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	kv := o.kv
	if kv == nil {
		kv = store.NewMemory()
	}
	manager := store.NewManager(kv, o.logger)

	t, err := transport.NewClient(transport.Config{
		BaseURL:    cfg.Host,
		Headers:    map[string]string{APIKeyHeader: cfg.APIKey},
		Timeout:    o.timeout,
		Retry:      o.retry,
		HTTPClient: o.httpClient,
		Logger:     o.logger,
		Metrics:    o.metrics,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    o.logger,
		store:     manager,
		transport: t,
		gateway:   api.NewGateway(t),
		subs:      registry.New[types.Callback](),
		pushSubs:  registry.New[types.Callback](),
		chanSubs:  make(map[string]*registry.Subscription[types.Callback]),
	}

	if o.backgroundUpdate {
		rtURL := cfg.RealtimeURL
		if rtURL == "" {
			rtURL, err = deriveRealtimeURL(cfg.Host)
			if err != nil {
				return nil, err
			}
		}
		ch, err := realtime.NewChannel(realtime.Config{
			URL:     rtURL,
			APIKey:  cfg.APIKey,
			Dialer:  o.dialer,
			Logger:  o.logger,
			Metrics: o.metrics,
		})
		if err != nil {
			return nil, err
		}
		c.realtime = ch
	}

	return c, nil
}

func deriveRealtimeURL(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("exparo: parse Host: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("exparo: unsupported Host scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Store exposes the typed persistence layer.
func (c *Client) Store() *store.Manager { return c.store }

// Gateway exposes the typed backend calls, including the bulk
// GetExperiments warm-start that the initialization flow deliberately
// does not invoke.
func (c *Client) Gateway() *api.Gateway { return c.gateway }

// Realtime returns the push channel, or nil when background updates are
// disabled.
func (c *Client) Realtime() *realtime.Channel { return c.realtime }

// InitializeUser establishes the active identity. When the store already
// holds one it is returned unchanged with no network call. Otherwise the
// device identifier is resolved (generated and persisted before the
// first network call if absent), merged with partial, registered with
// the backend, persisted, and the realtime channel is connected for the
// currently subscribed experiment keys.
func (c *Client) InitializeUser(ctx context.Context, partial *types.User) (types.User, error) {
	if stored, ok := c.store.GetUser(); ok {
		return stored, nil
	}

	req := types.User{}
	if partial != nil {
		req = *partial
	}
	req.ID = ""
	if req.DeviceID == "" {
		deviceID, err := c.deviceID()
		if err != nil {
			return types.User{}, err
		}
		req.DeviceID = deviceID
	}

	user, err := c.gateway.IdentifyUser(ctx, req)
	if err != nil {
		return types.User{}, err
	}
	if err := c.store.SetUser(user); err != nil {
		return types.User{}, fmt.Errorf("exparo: persist user: %w", err)
	}

	if c.realtime != nil {
		keys := c.subscribedKeys()
		go func() {
			if err := c.realtime.Connect(user, keys); err != nil {
				c.logger.Warn("exparo: realtime connect failed", "error", err.Error())
			}
		}()
	}
	return user, nil
}

func (c *Client) deviceID() (string, error) {
	if id, ok := c.store.GetDeviceID(); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := c.store.SetDeviceID(id); err != nil {
		return "", fmt.Errorf("exparo: persist device id: %w", err)
	}
	return id, nil
}

// FetchVariant resolves the variant for experimentKey, persists it, and
// notifies every registered subscriber for the key. Backend errors are
// returned unchanged; subscriber panics are isolated.
func (c *Client) FetchVariant(ctx context.Context, experimentKey string) (types.Variant, error) {
	res, err := c.FetchVariantResult(ctx, experimentKey)
	if err != nil {
		return types.Variant{}, err
	}
	return res.Variant, nil
}

// FetchVariantResult is FetchVariant returning the experiment alongside
// the variant.
func (c *Client) FetchVariantResult(ctx context.Context, experimentKey string) (types.VariantResult, error) {
	user, ok := c.store.GetUser()
	if !ok {
		return types.VariantResult{}, sdkerrors.UserNotInitialized()
	}

	res, err := c.gateway.GetVariant(ctx, experimentKey, user)
	if err != nil {
		return types.VariantResult{}, err
	}
	if err := c.store.SetVariant(experimentKey, res.Variant); err != nil {
		c.logger.Warn("exparo: persist variant failed", "experiment", experimentKey, "error", err.Error())
	}

	for _, cb := range c.subs.Values(experimentKey) {
		c.safeInvoke(cb, res.Experiment, res.Variant, types.UpdateExperimentState)
	}
	return res, nil
}

// Experiments resolves every current assignment in one call and persists
// each one. Manual warm-start; never called during initialization.
func (c *Client) Experiments(ctx context.Context) ([]types.VariantResult, error) {
	user, ok := c.store.GetUser()
	if !ok {
		return nil, sdkerrors.UserNotInitialized()
	}
	results, err := c.gateway.GetExperiments(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if err := c.store.SetVariant(res.Experiment.Key, res.Variant); err != nil {
			c.logger.Warn("exparo: persist variant failed", "experiment", res.Experiment.Key, "error", err.Error())
		}
	}
	return results, nil
}

// SubscribeToExperiment registers cb for experimentKey. The callback
// receives fetch resolutions and realtime pushes in registration order.
// The returned closure removes exactly this registration; calling it
// more than once is a no-op.
func (c *Client) SubscribeToExperiment(experimentKey string, cb types.Callback) (unsubscribe func()) {
	sub, _ := c.subs.Add(experimentKey, cb)
	c.ensureChannelKey(experimentKey)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Cancel()
			c.reconcileChannelKey(experimentKey)
		})
	}
}

// UnsubscribeFromExperiment removes every subscriber for experimentKey.
func (c *Client) UnsubscribeFromExperiment(experimentKey string) {
	c.subs.RemoveAll(experimentKey)
	c.reconcileChannelKey(experimentKey)
}

// subscribeToPush registers a push-only subscriber (used by bindings,
// which consume fetch results through the return value instead).
func (c *Client) subscribeToPush(experimentKey string, cb types.Callback) (unsubscribe func()) {
	sub, _ := c.pushSubs.Add(experimentKey, cb)
	c.ensureChannelKey(experimentKey)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Cancel()
			c.reconcileChannelKey(experimentKey)
		})
	}
}

// ensureChannelKey lazily holds one channel registration per key with at
// least one local subscriber, and dials the channel on first use once an
// identity exists.
func (c *Client) ensureChannelKey(key string) {
	if c.realtime == nil {
		return
	}

	c.chanMu.Lock()
	if _, ok := c.chanSubs[key]; !ok {
		c.chanSubs[key] = c.realtime.SubscribeToExperiment(key, c.handlePush)
	}
	c.chanMu.Unlock()

	if c.realtime.IsConnected() {
		return
	}
	if user, ok := c.store.GetUser(); ok {
		go func() {
			if err := c.realtime.Connect(user, []string{key}); err != nil {
				c.logger.Warn("exparo: realtime connect failed", "error", err.Error())
			}
		}()
	}
}

func (c *Client) reconcileChannelKey(key string) {
	if c.realtime == nil {
		return
	}
	// The count check runs under chanMu so a concurrent re-subscribe
	// cannot observe a key without its channel registration.
	c.chanMu.Lock()
	if c.subs.Len(key) > 0 || c.pushSubs.Len(key) > 0 {
		c.chanMu.Unlock()
		return
	}
	sub, ok := c.chanSubs[key]
	if ok {
		delete(c.chanSubs, key)
	}
	c.chanMu.Unlock()
	if ok {
		c.realtime.Unsubscribe(sub)
	}
}

// handlePush is the single channel-level callback per key: it persists
// the pushed assignment, then fans out to local subscribers.
func (c *Client) handlePush(e types.Experiment, v types.Variant, kind types.UpdateKind) {
	if err := c.store.SetVariant(e.Key, v); err != nil {
		c.logger.Warn("exparo: persist pushed variant failed", "experiment", e.Key, "error", err.Error())
	}
	for _, cb := range c.subs.Values(e.Key) {
		c.safeInvoke(cb, e, v, kind)
	}
	for _, cb := range c.pushSubs.Values(e.Key) {
		c.safeInvoke(cb, e, v, kind)
	}
}

func (c *Client) safeInvoke(cb types.Callback, e types.Experiment, v types.Variant, kind types.UpdateKind) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("exparo: subscriber panicked",
				"experiment", e.Key,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	cb(e, v, kind)
}

func (c *Client) subscribedKeys() []string {
	seen := make(map[string]struct{})
	for _, k := range c.subs.Keys() {
		seen[k] = struct{}{}
	}
	for _, k := range c.pushSubs.Keys() {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// Logout removes the persisted identity and disconnects the realtime
// channel. The device identifier survives so the device keeps a stable
// identity across accounts.
func (c *Client) Logout() error {
	if c.realtime != nil {
		c.realtime.Disconnect()
	}
	return c.store.ClearUser()
}

// Close releases every owned resource: the realtime channel (clearing
// any scheduled reconnect) and the transport (cancelling in-flight
// requests and refusing new ones).
func (c *Client) Close() error {
	if c.realtime != nil {
		c.realtime.Disconnect()
	}
	c.transport.Dispose()
	return nil
}
