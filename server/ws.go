package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"chatter/identity"
	"chatter/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one websocket connection multiplexing any number of live
// queries. Each watch forwards its snapshots into the shared send channel;
// closing the connection cancels them all.
type wsClient struct {
	server *Server
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu      sync.Mutex
	watches map[string]*store.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		unauthorized(c, "missing token")
		return
	}
	claims, err := identity.ParseToken(s.cfg.JWTSecret, token)
	if err != nil {
		unauthorized(c, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		server:  s,
		userID:  claims.UserID,
		conn:    conn,
		send:    make(chan []byte, 256),
		watches: make(map[string]*store.Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}

	go client.writePump()
	go client.readPump()
}

func (w *wsClient) readPump() {
	defer func() {
		w.teardown()
		w.conn.Close()
	}()

	w.conn.SetReadLimit(maxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				w.server.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		w.handleMessage(message)
	}
}

func (w *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *wsClient) handleMessage(message []byte) {
	var req store.WatchRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return
	}

	switch req.Action {
	case "ping":
		w.sendEvent(store.WatchEvent{Event: "pong"})
	case "watch":
		w.startWatch(req)
	case "unwatch":
		w.stopWatch(req.WatchID)
	}
}

func (w *wsClient) startWatch(req store.WatchRequest) {
	if req.WatchID == "" || req.Collection == "" {
		w.sendEvent(store.WatchEvent{Event: "error", WatchID: req.WatchID, Error: "watch_id and collection required"})
		return
	}

	sub, err := w.server.store.Watch(w.ctx, req.Collection, req.Filter)
	if err != nil {
		w.sendEvent(store.WatchEvent{Event: "error", WatchID: req.WatchID, Error: err.Error()})
		return
	}

	w.mu.Lock()
	if old, ok := w.watches[req.WatchID]; ok {
		old.Cancel()
	}
	w.watches[req.WatchID] = sub
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-w.ctx.Done():
				return
			case snap, ok := <-sub.Snapshots():
				if !ok {
					return
				}
				w.sendEvent(store.WatchEvent{Event: "snapshot", WatchID: req.WatchID, Records: snap})
			}
		}
	}()
}

func (w *wsClient) stopWatch(watchID string) {
	w.mu.Lock()
	if sub, ok := w.watches[watchID]; ok {
		sub.Cancel()
		delete(w.watches, watchID)
	}
	w.mu.Unlock()
}

func (w *wsClient) sendEvent(ev store.WatchEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case w.send <- data:
	default:
		// Backpressure: a client this far behind is dropped.
		w.cancel()
	}
}

func (w *wsClient) teardown() {
	w.cancel()
	w.mu.Lock()
	for id, sub := range w.watches {
		sub.Cancel()
		delete(w.watches, id)
	}
	w.mu.Unlock()
}
