package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/events"
)

// clientMessage is what a subscriber may send. Only pings are understood.
type clientMessage struct {
	Type string `json:"type"`
}

// Client is one websocket subscriber. It owns exactly one bus subscription
// for its whole lifetime.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sub       *events.Subscription
	id        string
	closeOnce sync.Once
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// HandleEventsWebSocket handles GET /ws/events
func (s *Server) HandleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "event bus not configured")
		return
	}
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "server is shutting down")
		return
	}
	if s.clientCount() >= MaxClients {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "too many subscribers")
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err, "remote", r.RemoteAddr)
		return
	}

	c := &Client{
		server: s,
		conn:   conn,
		sub:    s.Bus.Subscribe(s.ctx),
		id:     uuid.NewString(),
	}
	if !s.register(c) {
		c.sub.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// close releases the subscription and the connection; safe to call repeatedly
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.sub.Close()
		c.conn.Close()
		c.server.unregister(c)
	})
}

// readPump consumes control frames so pongs are seen. Any read error,
// including a normal close from the peer, ends the subscription.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Debugw("Ignoring malformed client message", "client_id", c.id, logger.FieldError, err)
			continue
		}
		switch msg.Type {
		case "ping":
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		default:
			c.server.logger.Debugw("Unknown message type", "type", msg.Type, "client_id", c.id)
		}
	}
}

// handleReadError logs unexpected close errors; ordinary disconnects are silent
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
	}
}

// writePump forwards bus events as JSON text frames and keeps the peer alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-c.sub.Done():
			return

		case e, ok := <-c.sub.C():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				c.server.logger.Debugw("Event write error",
					"client_id", c.id,
					logger.FieldKind, e.Kind,
					logger.FieldError, err,
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
