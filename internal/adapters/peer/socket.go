package peer

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// brokerConn is one websocket to the peer broker with a buffered writer.
type brokerConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newBrokerConn(ws *websocket.Conn) *brokerConn {
	return &brokerConn{conn: ws, send: make(chan core.Frame, 32)}
}

func (c *brokerConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrNotConnected
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *brokerConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *brokerConn) writePump(ctx context.Context, timeout time.Duration, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				logger.Error().Err(err).Msg("broker set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("broker write error")
				c.Close()
				return
			}
		}
	}
}
