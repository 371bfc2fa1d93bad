package handler

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/hub"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
	// PongWait defaults to 60s; tests shorten it.
	PongWait time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// Serve is push-only: the client never sends events, we read just to
// notice the close and to answer pings.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	log := logger.OrDefault(h.Logger)
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, auth.KindAccess, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	userID := claims.UserID

	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{UserID: userID, Writer: writer}

	if h.Hub.Register(conn) {
		publishAll(h.Hub, log, model.EventPresenceOnline, model.Presence{UserID: userID}, userID)
	}
	// The newcomer learns who is already here. Someone joining meanwhile
	// may be announced twice, which receivers tolerate.
	for _, id := range h.Hub.Online() {
		if id == userID {
			continue
		}
		if out, err := encodeEvent(model.EventPresenceOnline, model.Presence{UserID: id}); err == nil {
			_ = writer.Write(out)
		}
	}
	log.Debug("live connection opened", "user", userID)
	defer func() {
		if h.Hub.Unregister(conn) {
			publishAll(h.Hub, log, model.EventPresenceOffline, model.Presence{UserID: userID}, userID)
		}
		_ = ws.Close()
		log.Debug("live connection closed", "user", userID)
	}()

	ws.SetReadLimit(64 * 1024)
	pongWait := h.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// PresenceOffline returns a hub hook that announces users evicted by a
// failed write.
func PresenceOffline(h *hub.Hub, log *slog.Logger) func(userID string) {
	return func(userID string) {
		publishAll(h, logger.OrDefault(log), model.EventPresenceOffline, model.Presence{UserID: userID}, userID)
	}
}
