// Package server manages individual WebSocket connections, handling read and
// write pumps, rate limiting, and lifecycle control for each session.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geochat-live/geochat/internal/hub"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frame buffer per connection. When it fills, the hub drops
	// the session rather than block the event loop.
	sendBufferSize = 256
)

// wsClient is the WebSocket binding of a hub session. It satisfies hub.Sink:
// the hub queues outbound frames through TrySend and tears the connection
// down through Close.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *hub.Hub
	session *hub.Session
	addr    string
	limiter *rateLimiter
	maxSize int64
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn, h *hub.Hub, cfg *Config, log *zap.Logger, addr string) *wsClient {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		hub:     h,
		addr:    addr,
		limiter: newRateLimiter(cfg.RateLimit.Burst, time.Duration(cfg.RateLimit.RefillInterval)),
		maxSize: cfg.MaxMessageSize,
		log:     log,
	}
}

// TrySend queues a frame for delivery without blocking. It reports false once
// the connection is closed or its buffer is full.
func (c *wsClient) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which in turn sends a close frame and tears
// down the connection. Safe to call more than once.
func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads inbound frames and feeds them to the hub's router until the
// connection drops. Frames that are not valid envelopes are dropped at this
// boundary; payload contents inside a valid envelope are never inspected.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c.session.ID())
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Debug("rate limit exceeded, discarding event",
				zap.String("addr", c.addr),
				zap.String("handle", c.session.ID()))
			continue
		}

		var env hub.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.log.Debug("dropping frame with invalid envelope",
				zap.String("addr", c.addr),
				zap.String("handle", c.session.ID()))
			continue
		}

		c.hub.Submit(c.session.ID(), env)
	}
}

// writePump writes queued frames and keepalive pings to the connection. One
// envelope per WebSocket frame so clients can decode frames independently.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the session.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("write failed",
						zap.String("addr", c.addr), zap.Error(err))
				}
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

func (c *wsClient) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size",
			zap.String("addr", c.addr),
			zap.Int64("max_bytes", c.maxSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected",
			zap.String("addr", c.addr), zap.Error(err))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("connection closed",
			zap.String("addr", c.addr), zap.Error(err))
	default:
		c.log.Warn("websocket read error",
			zap.String("addr", c.addr), zap.Error(err))
	}
}

// isExpectedCloseError checks for errors that are routine during teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
