package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"portfolio-session-server/internal/auth"
	"portfolio-session-server/internal/hub"
	"portfolio-session-server/internal/model"
)

const (
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var (
	errWriterClosed = errors.New("writer closed")
	errSlowConsumer = errors.New("subscriber is not keeping up")
)

type WebSocketHandler struct {
	Hub         *hub.Hub
	Sessions    Sessions
	TokenConfig auth.TokenConfig
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter queues outgoing messages for a single pump goroutine, so hub
// broadcasts never wait on the network.
type wsWriter struct {
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSWriter() *wsWriter {
	return &wsWriter{send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.send <- message:
		return nil
	default:
		return errSlowConsumer
	}
}

func (w *wsWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

func (w *wsWriter) pump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case msg := <-w.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-w.done:
			w.flush(ws)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (w *wsWriter) flush(ws *websocket.Conn) {
	for {
		select {
		case msg := <-w.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Serve streams state changes of one session. The token query parameter
// carries the API key or a client token.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	if _, ok := auth.Authenticate(c.Query("token"), h.TokenConfig); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid authentication token"})
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "sessionId is required"})
		return
	}
	if _, err := h.Sessions.Get(sessionID); err != nil {
		respondError(c, err, "")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newWSWriter()
	conn := &hub.Connection{SessionID: sessionID, Writer: writer}
	h.Hub.Register(conn)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		writer.pump(ws)
	}()
	defer func() {
		h.Hub.Unregister(conn)
		_ = writer.Close()
		<-pumpDone
	}()

	// Re-read after registering so a close racing the upgrade is not missed.
	info, err := h.Sessions.Get(sessionID)
	if err != nil {
		return
	}
	h.writeJSON(writer, hub.Message{
		Type:  hub.TypeUpdate,
		Event: hub.EventSessionState,
		Body:  model.SessionEvent{SessionID: sessionID, State: info.State, Reason: "subscribed", At: time.Now()},
	})

	ws.SetReadLimit(1024 * 1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.writeJSON(writer, hub.Message{Type: "pong"})
		}
	}
}

func (h *WebSocketHandler) writeJSON(w *wsWriter, msg hub.Message) {
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.Write(out)
}
