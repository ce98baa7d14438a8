package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Envelope is the wire format of every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	URL            string
	UserID         domain.UserID
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
}

// Client is the websocket implementation of core.SignalChannel.
// It keeps one connection to the matching server and redials on loss.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	mu       sync.RWMutex
	conn     *wsSignalConn
	handlers map[string][]func(json.RawMessage)
	status   []func(bool)

	connected atomic.Bool
}

var _ core.SignalChannel = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
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

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Client) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *Client) OnStatus(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = append(c.status, fn)
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !c.connected.Load() {
		return core.ErrNotConnected
	}
	if err := conn.TrySend(b); err != nil {
		return err
	}
	log.Debug().Str("module", "signal").Str("event", event).Msg("emit")
	return nil
}

// Run dials and serves the connection until ctx is done, redialing after
// every loss.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("module", "signal").Dur("retry_in", c.opts.ReconnectDelay).Msg("signal connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("userId", string(c.opts.UserID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) serve(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	ws, resp, err := c.dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Str("module", "signal").Int("status", resp.StatusCode).Msg("dial")
		}
		return err
	}
	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConnected(true)
	log.Info().Str("module", "signal").Str("url", c.opts.URL).Msg("connected")

	go c.writePump(connCtx, conn)
	if c.opts.PingPeriod > 0 {
		go c.pingLoop(connCtx, conn)
	}
	err = c.readPump(connCtx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.setConnected(false)
	if err == nil {
		err = errors.New("connection closed")
	}
	return err
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.mu.RLock()
	fns := append([]func(bool){}, c.status...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	c.mu.RLock()
	fns := c.handlers[env.Event]
	c.mu.RUnlock()
	if len(fns) == 0 {
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown signal")
		return
	}
	for _, fn := range fns {
		fn(env.Data)
	}
}
