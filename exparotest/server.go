// Package exparotest provides an in-process Exparo backend simulator
// for tests and examples: the REST endpoints plus the websocket push
// channel, with hooks to stage assignments, push updates, inject
// failures, and close client connections with a chosen code.
package exparotest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/exparo/exparo-go/types"
)

// Server simulates the Exparo backend. All methods are safe for
// concurrent use.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	apiKey      string
	experiments map[string]types.VariantResult
	conns       map[*wsConn]struct{}

	identifyCalls int
	variantCalls  map[string]int
	failures      []int
	variantDelay  map[string]time.Duration
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]struct{}
}

type controlMessage struct {
	Type          string `json:"type"`
	ExperimentKey string `json:"experiment_key"`
}

type updateMessage struct {
	Type       string           `json:"type"`
	Experiment types.Experiment `json:"experiment"`
	Variant    types.Variant    `json:"variant"`
}

// NewServer starts a simulator accepting apiKey. Close it when done.
func NewServer(apiKey string) *Server {
	s := &Server{
		apiKey:       apiKey,
		experiments:  make(map[string]types.VariantResult),
		conns:        make(map[*wsConn]struct{}),
		variantCalls: make(map[string]int),
		variantDelay: make(map[string]time.Duration),
	}

	r := chi.NewRouter()
	r.Post("/api/users/identify", s.handleIdentify)
	r.Get("/api/experiments/{key}/variant", s.handleVariant)
	r.Get("/api/experiments", s.handleExperiments)
	r.Get("/ws", s.handleWebsocket)

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the backend base URL, suitable for Config.Host.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts down the HTTP listener and every websocket client.
func (s *Server) Close() {
	s.CloseClients(websocket.CloseNormalClosure, "shutting down")
	s.httpServer.Close()
}

// SetVariant stages the assignment returned for res.Experiment.Key.
func (s *Server) SetVariant(res types.VariantResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[res.Experiment.Key] = res
}

// DelayVariant makes variant resolutions for key wait for d before
// responding, to exercise races between fetches and pushes.
func (s *Server) DelayVariant(key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variantDelay[key] = d
}

// FailNext makes the next len(statuses) REST calls answer with the
// given status codes, in order, before normal handling resumes.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// IdentifyCalls reports how many identify requests reached the server.
func (s *Server) IdentifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifyCalls
}

// VariantCalls reports how many variant requests arrived for key.
func (s *Server) VariantCalls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variantCalls[key]
}

// Push delivers an update message for the staged assignment of key to
// every websocket client subscribed to it.
func (s *Server) Push(key string, kind types.UpdateKind) {
	s.mu.Lock()
	res, ok := s.experiments[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := updateMessage{Type: string(kind), Experiment: res.Experiment, Variant: res.Variant}
	targets := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		if _, sub := c.subs[key]; sub {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.conn.WriteJSON(msg)
		c.writeMu.Unlock()
	}
}

// CloseClients closes every websocket client with the given code.
func (s *Server) CloseClients(code int, reason string) {
	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.conns = make(map[*wsConn]struct{})
	s.mu.Unlock()

	data := websocket.FormatCloseMessage(code, reason)
	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, data)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

// ClientCount reports the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscriptions returns the experiment keys some client subscribed to.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for c := range s.conns {
		for k := range c.subs {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

func (s *Server) failNow(w http.ResponseWriter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	http.Error(w, http.StatusText(status), status)
	return true
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-API-KEY") != s.apiKey {
		http.Error(w, "invalid API key", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) || s.failNow(w) {
		return
	}
	var user types.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if user.DeviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	user.ID = uuid.NewString()

	s.mu.Lock()
	s.identifyCalls++
	s.mu.Unlock()

	writeJSON(w, user)
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) || s.failNow(w) {
		return
	}
	key := chi.URLParam(r, "key")

	s.mu.Lock()
	s.variantCalls[key]++
	delay := s.variantDelay[key]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	res, ok := s.experiments[key]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "experiment not found", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) || s.failNow(w) {
		return
	}
	s.mu.Lock()
	results := make([]types.VariantResult, 0, len(s.experiments))
	for _, res := range s.experiments {
		results = append(results, res)
	}
	s.mu.Unlock()
	writeJSON(w, results)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("api_key") != s.apiKey {
		http.Error(w, "invalid API key", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn, subs: make(map[string]struct{})}
	for _, key := range splitKeys(q.Get("experiments")) {
		c.subs[key] = struct{}{}
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go s.readLoop(c)
}

func (s *Server) readLoop(c *wsConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()
	for {
		var msg controlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		switch msg.Type {
		case "subscribe_experiment":
			c.subs[msg.ExperimentKey] = struct{}{}
		case "unsubscribe_experiment":
			delete(c.subs, msg.ExperimentKey)
		}
		s.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
