// Package ws exposes the realtime fabric: a websocket hub fed by the
// market-data publisher. Clients subscribe to topics with the
// normative operation names and receive server events wrapped in the
// {event, data} envelope. The hub keeps no subscription state across
// reconnects; clients replay their own subscriptions.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclob/venue/internal/auth"
	"github.com/openclob/venue/metrics"
)

// SnapshotSource serves the cached last push for a topic so fresh
// subscribers start from a full snapshot.
type SnapshotSource interface {
	Replay(topic string) (event string, payload interface{}, ok bool)
}

// Settings configures a Hub.
type Settings struct {
	Replay      SnapshotSource
	Auth        auth.Validator
	RequireAuth bool
	QueueSize   int
	Symbols     []string
	RatePerSec  float64
	RateBurst   int
}

// Hub fans publisher pushes out to subscribed websocket clients.
type Hub struct {
	replay      SnapshotSource
	auth        auth.Validator
	requireAuth bool
	queueSize   int
	symbols     map[string]struct{}
	ratePerSec  float64
	rateBurst   int

	upgrader websocket.Upgrader

	m       sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	stopped int32
}

// Setup validates the settings and returns a hub ready to serve.
func Setup(s *Settings) (*Hub, error) {
	if s == nil {
		return nil, errNilSettings
	}
	if s.RequireAuth && s.Auth == nil {
		return nil, errNoValidator
	}
	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ratePerSec := s.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = DefaultRatePerSec
	}
	rateBurst := s.RateBurst
	if rateBurst <= 0 {
		rateBurst = DefaultRateBurst
	}
	h := &Hub{
		replay:      s.Replay,
		auth:        s.Auth,
		requireAuth: s.RequireAuth,
		queueSize:   queueSize,
		ratePerSec:  ratePerSec,
		rateBurst:   rateBurst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
	}
	if len(s.Symbols) != 0 {
		h.symbols = make(map[string]struct{}, len(s.Symbols))
		for _, sym := range s.Symbols {
			h.symbols[strings.ToUpper(sym)] = struct{}{}
		}
	}
	return h, nil
}

// SetReplay installs the snapshot source after construction. The hub
// is built before the publisher that backs replay, so wiring happens
// in two steps; call this before serving connections.
func (h *Hub) SetReplay(src SnapshotSource) {
	h.m.Lock()
	h.replay = src
	h.m.Unlock()
}

func (h *Hub) replaySource() SnapshotSource {
	h.m.RLock()
	defer h.m.RUnlock()
	return h.replay
}

// Stop disconnects every client with a going-away frame and refuses
// new connections.
func (h *Hub) Stop() error {
	if !atomic.CompareAndSwapInt32(&h.stopped, 0, 1) {
		return ErrHubStopped
	}
	h.m.Lock()
	for c := range h.clients {
		c.closeMsg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		close(c.done)
		metrics.WSClients.Dec()
	}
	h.clients = make(map[*Client]struct{})
	h.topics = make(map[string]map[*Client]struct{})
	h.m.Unlock()
	log.Info().Msg("realtime hub stopped")
	return nil
}

// Push implements marketdata.Fabric. It marshals the envelope once and
// fans it out without ever blocking; clients that cannot keep up are
// dropped and must resubscribe on reconnect.
func (h *Hub) Push(topic, event string, payload interface{}) {
	if atomic.LoadInt32(&h.stopped) == 1 {
		return
	}
	frame, err := json.Marshal(Response{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Str("event", event).
			Msg("hub payload marshal failed")
		return
	}

	var lagged []*Client
	h.m.RLock()
	for c := range h.topics[topic] {
		if !c.trySend(frame) {
			lagged = append(lagged, c)
		}
	}
	h.m.RUnlock()

	for _, c := range lagged {
		h.dropLagged(c)
	}
}

// ServeWS upgrades an HTTP request into a fabric connection. Tokens
// come from the Authorization header or the access_token query
// parameter; invalid tokens are refused before the upgrade, absent
// tokens yield an anonymous public-data connection unless auth is
// required.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.stopped) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var userID int64
	if token := bearerToken(r); token != "" {
		if h.auth == nil {
			http.Error(w, "authorization not supported", http.StatusUnauthorized)
			return
		}
		id, err := h.auth.Validate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	} else if h.requireAuth {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, userID)
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	}
	return r.URL.Query().Get("access_token")
}

func (h *Hub) register(c *Client) bool {
	h.m.Lock()
	defer h.m.Unlock()
	if atomic.LoadInt32(&h.stopped) == 1 {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WSClients.Inc()
	return true
}

// drop removes the client from the hub and signals its write pump,
// which flushes the queue and delivers the close frame. Only the first
// caller wins, later drops are no-ops.
func (h *Hub) drop(c *Client, code int, text string) {
	h.m.Lock()
	defer h.m.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for topic := range c.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.closeMsg = websocket.FormatCloseMessage(code, text)
	close(c.done)
	metrics.WSClients.Dec()
}

func (h *Hub) unregister(c *Client) {
	h.drop(c, websocket.CloseNormalClosure, "")
}

func (h *Hub) dropLagged(c *Client) {
	if !atomic.CompareAndSwapInt32(&c.lagged, 0, 1) {
		return
	}
	metrics.WSClientOverflows.Inc()
	log.Warn().Int64("user", c.userID).Msg("dropping lagged realtime client")
	h.drop(c, websocket.CloseTryAgainLater, "subscriber lagged; resubscribe required")
}

func (h *Hub) subscribe(c *Client, topic string) {
	h.m.Lock()
	defer h.m.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.m.Lock()
	defer h.m.Unlock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// allowed reports whether the symbol is served by this venue. An empty
// allowlist accepts anything.
func (h *Hub) allowed(symbol string) bool {
	if h.symbols == nil {
		return true
	}
	_, ok := h.symbols[symbol]
	return ok
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.m.RLock()
	defer h.m.RUnlock()
	return len(h.clients)
}
