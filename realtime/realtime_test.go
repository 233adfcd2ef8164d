package realtime

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exparo/exparo-go/types"
)

// wsServer is a minimal websocket peer recording dials, query strings
// and control messages, with hooks to push updates and close sockets.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	dials    atomic.Int32
	reject   atomic.Bool
	controls chan controlMessage

	mu    sync.Mutex
	conns []*websocket.Conn
	query url.Values
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{controls: make(chan controlMessage, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.query = r.URL.Query()
		s.mu.Unlock()

		go func() {
			for {
				var msg controlMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				s.controls <- msg
			}
		}()
	}))
	t.Cleanup(s.close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) push(t *testing.T, msg updateMessage) {
	require.NoError(t, s.lastConn(t).WriteJSON(msg))
}

func (s *wsServer) closeWith(t *testing.T, code int) {
	conn := s.lastConn(t)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	_ = conn.Close()
}

func (s *wsServer) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.srv.Close()
}

func newTestChannel(t *testing.T, s *wsServer, mutate func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		URL:                  s.url(),
		APIKey:               "test-key",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ch, err := NewChannel(cfg)
	require.NoError(t, err)
	t.Cleanup(ch.Disconnect)
	return ch
}

func testUser() types.User {
	return types.User{ID: "u-1", DeviceID: "d-1", Email: "a@b.c"}
}

func TestNewChannel_Validation(t *testing.T) {
	_, err := NewChannel(Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewChannel(Config{URL: "ws://example"})
	assert.Error(t, err)
}

func TestChannel_ConnectSendsIdentityParams(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	require.NoError(t, ch.Connect(testUser(), []string{"exp-a", "exp-b"}))

	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	assert.Equal(t, "test-key", q.Get("api_key"))
	assert.Equal(t, "u-1", q.Get("user_id"))
	assert.Equal(t, "d-1", q.Get("device_id"))
	assert.Equal(t, "a@b.c", q.Get("email"))
	assert.Equal(t, "exp-a,exp-b", q.Get("experiments"))
	assert.True(t, ch.IsConnected())
}

func TestChannel_PushFanOutInRegistrationOrder(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	var mu sync.Mutex
	var order []string
	ch.SubscribeToExperiment("exp", func(e types.Experiment, v types.Variant, k types.UpdateKind) {
		mu.Lock()
		order = append(order, "first:"+v.Key)
		mu.Unlock()
	})
	ch.SubscribeToExperiment("exp", func(e types.Experiment, v types.Variant, k types.UpdateKind) {
		mu.Lock()
		order = append(order, "second:"+v.Key)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(testUser(), ch.SubscribedKeys()))
	s.push(t, updateMessage{
		Type:       types.UpdateExperimentUpdated,
		Experiment: types.Experiment{Key: "exp", Status: types.StatusRunning},
		Variant:    types.Variant{Key: "B"},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:B", "second:B"}, order)
}

func TestChannel_SubscriberPanicIsolated(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	var called atomic.Bool
	ch.SubscribeToExperiment("exp", func(types.Experiment, types.Variant, types.UpdateKind) {
		panic("subscriber bug")
	})
	ch.SubscribeToExperiment("exp", func(types.Experiment, types.Variant, types.UpdateKind) {
		called.Store(true)
	})

	require.NoError(t, ch.Connect(testUser(), ch.SubscribedKeys()))
	s.push(t, updateMessage{
		Type:       types.UpdateDistributionUpdated,
		Experiment: types.Experiment{Key: "exp"},
		Variant:    types.Variant{Key: "A"},
	})

	require.Eventually(t, func() bool { return called.Load() },
		time.Second, time.Millisecond)
	assert.True(t, ch.IsConnected())
}

func TestChannel_UnknownMessagesIgnored(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	var calls atomic.Int32
	ch.SubscribeToExperiment("exp", func(types.Experiment, types.Variant, types.UpdateKind) {
		calls.Add(1)
	})
	require.NoError(t, ch.Connect(testUser(), ch.SubscribedKeys()))

	conn := s.lastConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unknown_kind"}))
	s.push(t, updateMessage{
		Type:       types.UpdateExperimentState,
		Experiment: types.Experiment{Key: "exp"},
		Variant:    types.Variant{Key: "A"},
	})

	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, time.Millisecond)
	assert.True(t, ch.IsConnected(), "malformed input must not tear down the channel")
}

func TestChannel_ControlMessages(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)
	require.NoError(t, ch.Connect(testUser(), nil))

	noop := func(types.Experiment, types.Variant, types.UpdateKind) {}
	sub := ch.SubscribeToExperiment("exp", noop)

	msg := <-s.controls
	assert.Equal(t, controlSubscribe, msg.Type)
	assert.Equal(t, "exp", msg.ExperimentKey)

	// Second subscriber for the same key: no duplicate announcement on
	// removal until the last one goes.
	sub2 := ch.SubscribeToExperiment("exp", noop)
	<-s.controls
	ch.Unsubscribe(sub)
	ch.Unsubscribe(sub2)

	msg = <-s.controls
	assert.Equal(t, controlUnsubscribe, msg.Type)
	assert.Equal(t, "exp", msg.ExperimentKey)
	select {
	case extra := <-s.controls:
		t.Fatalf("unexpected control message %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_ReconnectsAfterAbnormalClose(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)
	require.NoError(t, ch.Connect(testUser(), []string{"exp"}))

	s.closeWith(t, websocket.CloseAbnormalClosure)

	require.Eventually(t, func() bool {
		return s.dials.Load() >= 2 && ch.IsConnected()
	}, time.Second, time.Millisecond)
}

func TestChannel_ServerDirectedCloseSuppressesReconnect(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{name: "normal closure", code: websocket.CloseNormalClosure},
		{name: "auth failure", code: CloseAuthFailure},
		{name: "project not found", code: CloseProjectNotFound},
		{name: "missing identifiers", code: CloseMissingIdentifiers},
		{name: "user not found", code: CloseUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newWSServer(t)
			ch := newTestChannel(t, s, nil)
			require.NoError(t, ch.Connect(testUser(), nil))

			s.closeWith(t, tt.code)

			require.Eventually(t, func() bool { return !ch.IsConnected() },
				time.Second, time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, int32(1), s.dials.Load(), "close code %d must not trigger reconnection", tt.code)
		})
	}
}

func TestChannel_ReconnectCeiling(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
	})
	require.NoError(t, ch.Connect(testUser(), nil))

	s.reject.Store(true)
	s.closeWith(t, websocket.CloseAbnormalClosure)

	// 1 initial dial + at most 2 reconnect attempts.
	require.Eventually(t, func() bool { return s.dials.Load() == 3 },
		time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), s.dials.Load())
	assert.False(t, ch.IsConnected())
}

func TestChannel_DisconnectStopsReconnect(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, func(cfg *Config) {
		cfg.ReconnectDelay = 50 * time.Millisecond
	})
	require.NoError(t, ch.Connect(testUser(), nil))

	s.reject.Store(true)
	s.closeWith(t, websocket.CloseAbnormalClosure)
	require.Eventually(t, func() bool { return !ch.IsConnected() },
		time.Second, time.Millisecond)

	// The reconnect is still pending inside its backoff window; an
	// explicit disconnect must clear it before it fires.
	ch.Disconnect()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), s.dials.Load())
}

func TestChannel_ConnectionStateSubscribers(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	var mu sync.Mutex
	var states []bool
	ch.SubscribeToConnectionState(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})

	mu.Lock()
	require.Equal(t, []bool{false}, states, "current state reported on registration")
	mu.Unlock()

	require.NoError(t, ch.Connect(testUser(), nil))
	ch.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true, false}, states)
}

func TestChannel_ConnectTwiceIsNoOp(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s, nil)

	require.NoError(t, ch.Connect(testUser(), nil))
	require.NoError(t, ch.Connect(testUser(), nil))

	assert.Equal(t, int32(1), s.dials.Load())
}
