package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is one message of the UI feed.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type eventConn struct {
	id   string
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *eventConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrNotConnected
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *eventConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// EventHub fans machine state and notices out to connected UIs. Publish
// never blocks; a subscriber that falls behind is dropped.
type EventHub struct {
	ctx      context.Context
	initial  func() any
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*eventConn]struct{}
}

// NewEventHub serves subscribers until ctx is done. initial, when set,
// provides the state sent to each new subscriber.
func NewEventHub(ctx context.Context, initial func() any) *EventHub {
	return &EventHub{ctx: ctx, initial: initial, subs: make(map[*eventConn]struct{})}
}

// CheckOrigin sets the upgrade origin check. Without one only same-host
// pages may subscribe. Call before serving.
func (h *EventHub) CheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

func (h *EventHub) Publish(kind string, data any) {
	b, err := json.Marshal(Event{Type: kind, Data: data})
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("event marshal")
		return
	}
	h.mu.Lock()
	var slow []*eventConn
	for c := range h.subs {
		if err := c.TrySend(b); err != nil {
			slow = append(slow, c)
			delete(h.subs, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		log.Warn().Str("module", "adapters.http").Str("client", c.id).Msg("event subscriber too slow, dropped")
		c.Close()
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) Handle(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("events upgrade")
		return
	}
	ec := &eventConn{id: c.GetString("client_token"), conn: ws, send: make(chan core.Frame, 64)}
	if h.initial != nil {
		if b, err := json.Marshal(Event{Type: "state", Data: h.initial()}); err == nil {
			_ = ec.TrySend(b)
		}
	}
	h.mu.Lock()
	h.subs[ec] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "adapters.http").Str("client", ec.id).Msg("events subscriber joined")

	ctx, cancel := context.WithCancel(h.ctx)
	go h.writePump(ctx, ec)
	h.readPump(ec)
	cancel()

	h.mu.Lock()
	delete(h.subs, ec)
	h.mu.Unlock()
	ec.Close()
	log.Info().Str("module", "adapters.http").Str("client", ec.id).Msg("events subscriber left")
}

func (h *EventHub) writePump(ctx context.Context, ec *eventConn) {
	defer ec.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ec.send:
			if !ok {
				return
			}
			_ = ec.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ec.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the UI going away.
func (h *EventHub) readPump(ec *eventConn) {
	for {
		if _, _, err := ec.conn.ReadMessage(); err != nil {
			return
		}
	}
}
