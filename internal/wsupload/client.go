package wsupload

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is the envelope every inbound and outbound message shares.
type Event struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	UploadID string          `json:"upload_id,omitempty"`
}

const sendBuffer = 32

// client is one socket's write side: a buffered outgoing channel plus its
// own write pump.
type client struct {
	id       string
	userID   string
	conn     *websocket.Conn
	send     chan Event
	log      *zap.Logger
	closed   chan struct{}
	closeOne sync.Once
}

func newClient(id, userID string, conn *websocket.Conn, log *zap.Logger) *client {
	return &client{id: id, userID: userID, conn: conn, send: make(chan Event, sendBuffer), log: log, closed: make(chan struct{})}
}

// writePump drains send and writes frames until the channel or the socket
// closes; a slow consumer never blocks the fan-out loop, and a single
// socket's frames are never reordered.
func (c *client) writePump() {
	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.log.Warn("write failed, closing socket", zap.String("client", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueue is non-blocking: a full buffer drops the frame rather than
// stalling the broadcaster. Progress frames are best-effort.
func (c *client) enqueue(evt Event) {
	select {
	case c.send <- evt:
	default:
		c.log.Warn("client send buffer full, dropping frame", zap.String("client", c.id), zap.String("type", evt.Type))
	}
}

func (c *client) Close() {
	c.closeOne.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func checkOrigin(r *http.Request, log *zap.Logger) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := os.Getenv("WS_ALLOWED_ORIGINS")
	if allowed == "" {
		allowed = "localhost,127.0.0.1"
	}
	host := origin
	if strings.Contains(host, "://") {
		parts := strings.SplitN(host, "://", 2)
		host = parts[1]
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	for _, a := range strings.Split(allowed, ",") {
		if a == "*" || a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	if log != nil {
		log.Warn("rejected websocket origin", zap.String("origin", origin))
	}
	return false
}

var upgrader = func(log *zap.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return checkOrigin(r, log) },
	}
}
