package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sokinpui/artifact/internal/session"
)

const (
	socketReadLimit  = 4096
	socketMaxFilters = 50
	socketMaxClients = 100
	socketQueue      = 64
	socketIdle       = 60 * time.Second // a socket with no pong for this long is dropped
	socketPing       = 50 * time.Second
	socketWriteWait  = 10 * time.Second
)

// SubscriptionFilter narrows the events a client receives. Empty fields match
// anything.
type SubscriptionFilter struct {
	Type      session.EventType `json:"type,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
}

func (f SubscriptionFilter) matches(e session.Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	return f.MessageID == "" || f.MessageID == e.MessageID
}

// socketRequest is what a client sends: "subscribe" or "unsubscribe".
type socketRequest struct {
	Type   string             `json:"type"`
	Filter SubscriptionFilter `json:"filter"`
}

// socketReply is what the server sends: "event", an acknowledgement
// ("subscribed", "unsubscribed") or "error".
type socketReply struct {
	Type    string              `json:"type"`
	Event   *session.Event      `json:"event,omitempty"`
	Filter  *SubscriptionFilter `json:"filter,omitempty"`
	Message string              `json:"message,omitempty"`
}

// subscriber is one connected socket and the filters it asked for.
type subscriber struct {
	conn   *websocket.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	filters []SubscriptionFilter
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn:   conn,
		out:    make(chan []byte, socketQueue),
		closed: make(chan struct{}),
	}
}

// wants reports whether e passes any filter. No filters means everything.
func (s *subscriber) wants(e session.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filters) == 0 || slices.ContainsFunc(s.filters, func(f SubscriptionFilter) bool {
		return f.matches(e)
	})
}

func (s *subscriber) handle(req socketRequest) socketReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case "subscribe":
		if len(s.filters) >= socketMaxFilters {
			return socketReply{Type: "error", Message: "too many filters"}
		}
		s.filters = append(s.filters, req.Filter)
		return socketReply{Type: "subscribed", Filter: &req.Filter}
	case "unsubscribe":
		s.filters = slices.DeleteFunc(s.filters, func(f SubscriptionFilter) bool { return f == req.Filter })
		return socketReply{Type: "unsubscribed", Filter: &req.Filter}
	}
	return socketReply{Type: "error", Message: "unknown request type " + req.Type}
}

// offer queues data without blocking. It reports false when the queue is
// full or the socket is gone.
func (s *subscriber) offer(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) reply(r socketReply) {
	data, err := json.Marshal(r)
	if err != nil {
		getLog().Error().Err(err).Str("type", r.Type).Msg("Failed to encode socket reply")
		return
	}
	if !s.offer(data) {
		getLog().Warn().Str("type", r.Type).Msg("Socket queue full, reply dropped")
	}
}

func (s *subscriber) close() { s.once.Do(func() { close(s.closed) }) }

// read handles client requests until the connection fails.
func (s *subscriber) read() {
	s.conn.SetReadLimit(socketReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(socketIdle))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(socketIdle))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Warn().Err(err).Msg("Socket read failed")
			}
			return
		}
		var req socketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(socketReply{Type: "error", Message: "malformed request"})
			continue
		}
		s.reply(s.handle(req))
	}
}

// write is the only goroutine writing data frames. It closes the connection
// when it stops, which also ends read.
func (s *subscriber) write() {
	ping := time.NewTicker(socketPing)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteWait))
			return
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Debug().Err(err).Msg("Socket write failed")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
		}
	}
}

// ClientRegistry tracks connected WebSocket clients.
type ClientRegistry struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{subs: make(map[*subscriber]struct{})}
}

// Len is the number of connected clients.
func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast queues e for every client whose filters match. Clients that are
// not keeping up miss it.
func (r *ClientRegistry) Broadcast(e session.Event) {
	data, err := json.Marshal(socketReply{Type: "event", Event: &e})
	if err != nil {
		getLog().Error().Err(err).Str("event", string(e.Type)).Msg("Failed to encode event")
		return
	}

	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if s.wants(e) && !s.offer(data) {
			getLog().Warn().Str("event", string(e.Type)).Msg("Socket queue full, event dropped")
		}
	}
}

func (r *ClientRegistry) join(s *subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) >= socketMaxClients {
		return false
	}
	r.subs[s] = struct{}{}
	return true
}

func (r *ClientRegistry) leave(s *subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

// HandleWebSocket upgrades the connection and streams matching session
// events to it until either side goes away.
func HandleWebSocket(registry *ClientRegistry, allowedOrigins []string) http.HandlerFunc {
	origins := newOriginPolicy(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return origins.allows(r.Header.Get("Origin")) },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already answered with an HTTP error.
			getLog().Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Socket upgrade refused")
			return
		}

		s := newSubscriber(conn)
		if !registry.join(s) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteWait))
			_ = conn.Close()
			getLog().Warn().Str("remote", r.RemoteAddr).Msg("Socket limit reached")
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("Socket connected")
		defer func() {
			registry.leave(s)
			s.close()
			getLog().Info().Str("remote", r.RemoteAddr).Msg("Socket disconnected")
		}()

		go s.write()
		s.read()
	}
}
