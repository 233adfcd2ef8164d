// Package realtime maintains the SDK's push-update connection: one
// websocket per experiment client, multiplexing every experiment-key
// subscription, with automatic reconnection.
//
// Failures here never surface as errors to the rest of the SDK; they show
// up only as connection-state notifications and the reconnect state
// machine.
package realtime

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exparo/exparo-go/metrics"
	"github.com/exparo/exparo-go/registry"
	"github.com/exparo/exparo-go/types"
)

// Reconnect policy defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
)

// Close codes the backend reserves for non-transient conditions; none of
// them triggers a reconnect.
const (
	CloseAuthFailure        = 4000
	CloseProjectNotFound    = 4001
	CloseMissingIdentifiers = 4002
	CloseUserNotFound       = 4003
)

func reconnectSuppressed(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, CloseAuthFailure, CloseProjectNotFound,
		CloseMissingIdentifiers, CloseUserNotFound:
		return true
	}
	return false
}

// Outbound control message types.
const (
	controlSubscribe   = "subscribe_experiment"
	controlUnsubscribe = "unsubscribe_experiment"
)

type updateMessage struct {
	Type       types.UpdateKind `json:"type"`
	Experiment types.Experiment `json:"experiment"`
	Variant    types.Variant    `json:"variant"`
}

type controlMessage struct {
	Type          string `json:"type"`
	ExperimentKey string `json:"experiment_key"`
}

// Config holds channel configuration.
type Config struct {
	// URL is the full ws(s) endpoint, without query parameters.
	URL    string
	APIKey string

	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	// Dialer overrides the websocket dialer, e.g. to pin TLS material.
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// StateCallback observes connection state transitions.
type StateCallback func(connected bool)

// Channel is the push-update connection. Safe for concurrent use.
type Channel struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	subs      *registry.Registry[types.Callback]
	stateSubs *registry.Registry[StateCallback]

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	dialing           bool
	shouldReconnect   bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	user              types.User

	writeMu sync.Mutex
}

// NewChannel builds a Channel.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime: URL required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime: APIKey required")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		subs:      registry.New[types.Callback](),
		stateSubs: registry.New[StateCallback](),
	}, nil
}

// Connect opens the channel for the given identity, announcing interest
// in experimentKeys. It is a no-op when already connected. A dial failure
// is returned for logging, and additionally feeds the reconnect state
// machine, so callers may ignore it.
func (ch *Channel) Connect(user types.User, experimentKeys []string) error {
	ch.mu.Lock()
	if ch.connected || ch.dialing {
		ch.mu.Unlock()
		ch.logger.Debug("realtime: already connected")
		return nil
	}
	if ch.reconnectTimer != nil {
		ch.reconnectTimer.Stop()
		ch.reconnectTimer = nil
	}
	ch.shouldReconnect = true
	ch.dialing = true
	ch.user = user
	ch.mu.Unlock()

	endpoint, err := ch.buildURL(user, experimentKeys)
	if err != nil {
		ch.mu.Lock()
		ch.dialing = false
		ch.mu.Unlock()
		return err
	}

	dialer := ch.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		ch.logger.Warn("realtime: connect failed", "error", err.Error())
		ch.mu.Lock()
		ch.dialing = false
		ch.scheduleReconnectLocked()
		ch.mu.Unlock()
		ch.notifyState(false)
		return fmt.Errorf("realtime: connect: %w", err)
	}

	ch.mu.Lock()
	ch.dialing = false
	ch.conn = conn
	ch.connected = true
	ch.reconnectAttempts = 0
	ch.mu.Unlock()

	ch.logger.Debug("realtime: connected")
	ch.notifyState(true)

	// Keys registered while the dial was in flight were not part of the
	// URL announcement; subscribe them explicitly.
	announced := make(map[string]struct{}, len(experimentKeys))
	for _, key := range experimentKeys {
		announced[key] = struct{}{}
	}
	for _, key := range ch.subs.Keys() {
		if _, ok := announced[key]; !ok {
			ch.sendControl(controlSubscribe, key)
		}
	}

	go ch.readLoop(conn)
	return nil
}

func (ch *Channel) buildURL(user types.User, experimentKeys []string) (string, error) {
	u, err := url.Parse(ch.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", ch.cfg.APIKey)
	if user.ID != "" {
		q.Set("user_id", user.ID)
	}
	if user.DeviceID != "" {
		q.Set("device_id", user.DeviceID)
	}
	if user.Email != "" {
		q.Set("email", user.Email)
	}
	if user.ExternalID != "" {
		q.Set("external_id", user.ExternalID)
	}
	if len(experimentKeys) > 0 {
		q.Set("experiments", strings.Join(experimentKeys, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ch.handleClose(conn, err)
			return
		}
		ch.handleMessage(data)
	}
}

func (ch *Channel) handleMessage(data []byte) {
	var msg updateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.logger.Warn("realtime: discarding unparseable message", "error", err.Error())
		return
	}
	if !msg.Type.Valid() {
		ch.logger.Debug("realtime: ignoring unrecognized message type", "type", string(msg.Type))
		return
	}
	ch.metrics.PushUpdate(string(msg.Type))

	for _, cb := range ch.subs.Values(msg.Experiment.Key) {
		ch.safeInvoke(cb, msg.Experiment, msg.Variant, msg.Type)
	}
}

// safeInvoke isolates one subscriber so it cannot block the others.
func (ch *Channel) safeInvoke(cb types.Callback, e types.Experiment, v types.Variant, kind types.UpdateKind) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("realtime: subscriber panicked",
				"experiment", e.Key,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	cb(e, v, kind)
}

func (ch *Channel) handleClose(conn *websocket.Conn, err error) {
	ch.mu.Lock()
	if ch.conn != conn {
		// Disconnect already detached this socket
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.connected = false
	explicit := !ch.shouldReconnect
	ch.mu.Unlock()

	code := closeCode(err)
	ch.logger.Debug("realtime: connection closed", "code", code, "error", err.Error())
	ch.notifyState(false)

	if explicit {
		return
	}
	if reconnectSuppressed(code) {
		ch.logger.Warn("realtime: close code suppresses reconnection", "code", code)
		return
	}

	ch.mu.Lock()
	ch.scheduleReconnectLocked()
	ch.mu.Unlock()
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

func (ch *Channel) scheduleReconnectLocked() {
	if ch.cfg.DisableReconnect || !ch.shouldReconnect {
		return
	}
	if ch.reconnectAttempts >= ch.cfg.MaxReconnectAttempts {
		ch.logger.Warn("realtime: reconnect attempt ceiling reached",
			"attempts", ch.reconnectAttempts,
		)
		return
	}

	delay := time.Duration(float64(ch.cfg.ReconnectDelay) * math.Pow(1.5, float64(ch.reconnectAttempts)))
	if delay > ch.cfg.MaxReconnectDelay {
		delay = ch.cfg.MaxReconnectDelay
	}
	attempt := ch.reconnectAttempts + 1
	ch.logger.Debug("realtime: scheduling reconnect",
		"delay", delay.String(),
		"attempt", attempt,
		"max_attempts", ch.cfg.MaxReconnectAttempts,
	)
	ch.metrics.Reconnect()

	ch.reconnectTimer = time.AfterFunc(delay, func() {
		ch.mu.Lock()
		ch.reconnectTimer = nil
		if !ch.shouldReconnect {
			ch.mu.Unlock()
			return
		}
		ch.reconnectAttempts++
		user := ch.user
		ch.mu.Unlock()

		if err := ch.Connect(user, ch.subs.Keys()); err != nil {
			ch.logger.Warn("realtime: reconnect failed", "error", err.Error())
		}
	})
}

// SubscribeToExperiment registers cb for key. When connected, a
// subscribe_experiment control message is sent immediately.
func (ch *Channel) SubscribeToExperiment(key string, cb types.Callback) *registry.Subscription[types.Callback] {
	sub, _ := ch.subs.Add(key, cb)
	if ch.IsConnected() {
		ch.sendControl(controlSubscribe, key)
	}
	return sub
}

// Unsubscribe removes one registration. When it was the last one for its
// key and the channel is connected, an unsubscribe_experiment control
// message is sent.
func (ch *Channel) Unsubscribe(sub *registry.Subscription[types.Callback]) {
	if sub.Cancel() && ch.IsConnected() {
		ch.sendControl(controlUnsubscribe, sub.Key())
	}
}

// UnsubscribeFromExperiment removes every registration for key.
func (ch *Channel) UnsubscribeFromExperiment(key string) {
	if ch.subs.RemoveAll(key) && ch.IsConnected() {
		ch.sendControl(controlUnsubscribe, key)
	}
}

func (ch *Channel) sendControl(msgType, key string) {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.WriteJSON(controlMessage{Type: msgType, ExperimentKey: key}); err != nil {
		ch.logger.Warn("realtime: control message failed",
			"type", msgType,
			"experiment", key,
			"error", err.Error(),
		)
	}
}

// SubscribeToConnectionState registers cb for connection transitions and
// immediately reports the current state.
func (ch *Channel) SubscribeToConnectionState(cb StateCallback) *registry.Subscription[StateCallback] {
	sub, _ := ch.stateSubs.Add("state", cb)
	cb(ch.IsConnected())
	return sub
}

func (ch *Channel) notifyState(connected bool) {
	for _, cb := range ch.stateSubs.Values("state") {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ch.logger.Error("realtime: state subscriber panicked", "panic", fmt.Sprint(r))
				}
			}()
			cb(connected)
		}()
	}
}

// IsConnected is a pure read of the current socket state.
func (ch *Channel) IsConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

// Disconnect disables reconnection, clears any pending reconnect timer
// synchronously, closes the socket and notifies state subscribers.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.shouldReconnect = false
	if ch.reconnectTimer != nil {
		ch.reconnectTimer.Stop()
		ch.reconnectTimer = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.connected = false
	ch.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	ch.logger.Debug("realtime: disconnected")
	ch.notifyState(false)
}

// SubscribedKeys returns every experiment key with at least one
// registered callback.
func (ch *Channel) SubscribedKeys() []string { return ch.subs.Keys() }
