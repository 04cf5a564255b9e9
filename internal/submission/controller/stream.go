package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"inloop/internal/common/http/middleware"
	"inloop/internal/common/signals"
	"inloop/pkg/utils/logger"
	"inloop/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// StatusMessage is pushed to a user when one of their submissions is checked.
type StatusMessage struct {
	Type         string    `json:"type"`
	SubmissionID int64     `json:"submission_id"`
	Task         string    `json:"task"`
	Status       string    `json:"status"`
	Passed       bool      `json:"passed"`
	CheckedAt    time.Time `json:"checked_at"`
}

type streamClient struct {
	userID int64
	conn   *websocket.Conn
	send   chan StatusMessage
}

// StatusHub fans SubmissionChecked events out to the websocket connections
// of the submission owner.
type StatusHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]map[*streamClient]struct{}
}

// NewStatusHub creates a hub. allowedOrigins restricts browser origins; an
// empty list accepts same-host requests only.
func NewStatusHub(allowedOrigins []string) *StatusHub {
	h := &StatusHub{clients: make(map[int64]map[*streamClient]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return h
}

// HandleSubmissionChecked delivers the event to the owner's connections.
// Slow connections drop the message instead of blocking the sender.
func (h *StatusHub) HandleSubmissionChecked(ctx context.Context, ev signals.SubmissionChecked) {
	msg := StatusMessage{
		Type:         "submission_checked",
		SubmissionID: ev.SubmissionID,
		Task:         ev.TaskSystemName,
		Status:       ev.Status,
		Passed:       ev.Passed,
		CheckedAt:    ev.CheckedAt,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[ev.UserID] {
		select {
		case c.send <- msg:
		default:
			logger.Warn(ctx, "status stream client is slow, message dropped", zap.Int64("user_id", ev.UserID))
		}
	}
}

// Connections returns the number of open connections of a user.
func (h *StatusHub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and streams status messages until the peer
// goes away. It must run behind the auth guard.
func (h *StatusHub) Serve(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errUnauthenticated())
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	client := &streamClient{userID: principal.ID, conn: conn, send: make(chan StatusMessage, sendBuffer)}
	h.register(client)

	go h.writePump(client)
	h.readPump(client)
}

func (h *StatusHub) register(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*streamClient]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *StatusHub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

// readPump discards client messages and keeps the read deadline fresh.
func (h *StatusHub) readPump(c *streamClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn(context.Background(), "websocket read error", zap.Int64("user_id", c.userID), zap.Error(err))
			}
			return
		}
	}
}

func (h *StatusHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
