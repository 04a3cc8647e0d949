package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sweeney/roofctl/internal/hub"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxWSMessage = 512
)

// wsSubscriber adapts one WebSocket connection to hub.Subscriber.
type wsSubscriber struct {
	id   uuid.UUID
	conn *websocket.Conn
	log  *slog.Logger

	// writeMu serializes data frames; control frames are safe alongside them.
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn, logger *slog.Logger) *wsSubscriber {
	id := uuid.New()
	return &wsSubscriber{
		id:   id,
		conn: conn,
		log:  logger.With("subscriber", id),
		done: make(chan struct{}),
	}
}

// ID implements hub.Subscriber.
func (c *wsSubscriber) ID() uuid.UUID { return c.id }

// Send writes one text frame. The write deadline is the earlier of writeWait
// and ctx's deadline.
func (c *wsSubscriber) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (c *wsSubscriber) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// readPump drains client frames until the connection fails. Client messages
// are ignored; they only extend the read deadline.
func (c *wsSubscriber) readPump() {
	c.conn.SetReadLimit(maxWSMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// pingLoop keeps the connection alive until Close or a failed ping.
func (c *wsSubscriber) pingLoop(onFail func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "error", err)
				onFail()
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.wsLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorJSON{Error: "too many websocket connections"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := newWSSubscriber(conn, s.log)
	drop := func() {
		s.hub.Remove(sub.ID())
		sub.Close()
	}

	// New clients see the latest tick immediately instead of waiting a period.
	if last := s.tracker.LastPayload(); last != nil {
		if err := sub.Send(r.Context(), last); err != nil {
			sub.Close()
			return
		}
	}

	s.hub.Add(sub)
	s.log.Debug("websocket connected", "subscriber", sub.ID(), "remote", r.RemoteAddr)

	go sub.pingLoop(drop)
	sub.readPump()
	drop()
	s.log.Debug("websocket disconnected", "subscriber", sub.ID())
}

var _ hub.Subscriber = (*wsSubscriber)(nil)
