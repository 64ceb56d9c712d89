package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/version"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames and close messages
	maxMessageSize = 512
)

// Client is one WebSocket connection following a set of snapshot keys
type Client struct {
	server *StudioServer
	conn   *websocket.Conn
	sub    *pulse.Subscription
	keys   []string
	id     string
}

// subscriptionKeys maps the job=, delivery= and project= query parameters
// to publisher keys. No parameters follows everything.
func subscriptionKeys(r *http.Request) []string {
	q := r.URL.Query()
	var keys []string
	for _, id := range q["job"] {
		keys = append(keys, pulse.JobKey(id))
	}
	for _, id := range q["delivery"] {
		keys = append(keys, pulse.DeliveryKey(id))
	}
	for _, id := range q["project"] {
		keys = append(keys, pulse.ProjectKey(id))
	}
	if len(keys) == 0 {
		keys = []string{pulse.AllKey}
	}
	return keys
}

// HandleWebSocket upgrades the connection and streams snapshots for the
// requested keys until either side goes away
func (s *StudioServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err, "remote", r.RemoteAddr)
		return
	}

	keys := subscriptionKeys(r)
	client := &Client{
		server: s,
		conn:   conn,
		keys:   keys,
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}
	if !s.registerClient(client) {
		s.logger.Warnw("Client limit reached, refusing connection", "limit", MaxClients)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// Send hello BEFORE starting writePump (avoid concurrent writes)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsMessage{Type: "hello", Version: version.Get().Version, Keys: keys}); err != nil {
		s.logger.Debugw("Failed to send hello", "client_id", client.id, logger.FieldError, err)
	}
	client.sub = s.publisher.Subscribe(keys...)

	s.logger.Debugw("WebSocket client connected", "client_id", client.id, "keys", keys)

	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump(ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		client.readPump()
	}()
}

// readPump discards client frames and notices the connection closing
func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
	}
}

// writePump forwards snapshots and keeps the connection alive with pings
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	// Next blocks between snapshots, so it runs beside the ping ticker
	snapshots := make(chan pulse.Snapshot)
	go func() {
		defer close(snapshots)
		for {
			snap, err := c.sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case snapshots <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(wsMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
				c.server.logger.Debugw("Snapshot write error", "client_id", c.id, logger.FieldError, err)
				return
			}
		}
	}
}
