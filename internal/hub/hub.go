package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"portfolio-session-server/internal/model"
)

// Writer delivers one encoded message to a subscriber. Write must not block
// on a slow peer; callers hold session locks while events fan out.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	SessionID string
	Writer    Writer
}

// Message is the envelope pushed to websocket subscribers.
type Message struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Body  any    `json:"body,omitempty"`
}

const (
	TypeUpdate        = "update"
	EventSessionState = "session-state"
)

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	log         *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]map[*Connection]struct{}),
		log:         logger,
	}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.SessionID] == nil {
		h.connections[conn.SessionID] = make(map[*Connection]struct{})
	}
	h.connections[conn.SessionID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.SessionID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.SessionID)
	}
}

// Subscribers reports how many connections watch a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

func (h *Hub) Broadcast(sessionID string, message []byte) {
	h.mu.RLock()
	set := h.connections[sessionID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.log.Debug("dropping subscriber", zap.String("session", sessionID))
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

// SessionChanged pushes a lifecycle event to the session's subscribers.
// A closed session also drops its subscribers after the final event.
func (h *Hub) SessionChanged(ev model.SessionEvent) {
	out, err := json.Marshal(Message{Type: TypeUpdate, Event: EventSessionState, Body: ev})
	if err != nil {
		h.log.Error("encode session event", zap.Error(err))
		return
	}
	h.Broadcast(ev.SessionID, out)
	if ev.State == model.StateClosed {
		h.disconnect(ev.SessionID)
	}
}

func (h *Hub) disconnect(sessionID string) {
	h.mu.Lock()
	set := h.connections[sessionID]
	delete(h.connections, sessionID)
	h.mu.Unlock()

	for c := range set {
		_ = c.Writer.Close()
	}
}
