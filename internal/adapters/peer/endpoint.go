package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrIDTaken   = errors.New("peer id taken")
	ErrDestroyed = errors.New("endpoint destroyed")
)

// Endpoint is a core.PeerEndpoint registered at a PeerJS-compatible broker.
type Endpoint struct {
	id     domain.PeerID
	token  string
	opts   Options
	api    *webrtc.API
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	onOpen    func()
	onError   func(error)
	onCall    func(core.MediaCall)
	onDisc    func()
	conn      *brokerConn
	calls     map[string]*mediaCall
	opened    bool
	destroyed bool
	cancel    context.CancelFunc
}

var _ core.PeerEndpoint = (*Endpoint)(nil)

func newEndpoint(id domain.PeerID, opts Options, api *webrtc.API) *Endpoint {
	return &Endpoint{
		id:     id,
		token:  uuid.NewString(),
		opts:   opts,
		api:    api,
		dialer: websocket.DefaultDialer,
		calls:  make(map[string]*mediaCall),
		logger: log.With().Str("module", "adapters.peer").Str("peer_id", string(id)).Logger(),
	}
}

func (e *Endpoint) ID() domain.PeerID { return e.id }

func (e *Endpoint) OnOpen(fn func())               { e.mu.Lock(); e.onOpen = fn; e.mu.Unlock() }
func (e *Endpoint) OnError(fn func(error))         { e.mu.Lock(); e.onError = fn; e.mu.Unlock() }
func (e *Endpoint) OnCall(fn func(core.MediaCall)) { e.mu.Lock(); e.onCall = fn; e.mu.Unlock() }
func (e *Endpoint) OnDisconnected(fn func())       { e.mu.Lock(); e.onDisc = fn; e.mu.Unlock() }

func (e *Endpoint) brokerURL() (string, error) {
	u, err := url.Parse(e.opts.BrokerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", e.opts.Key)
	q.Set("id", string(e.id))
	q.Set("token", e.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials the broker in the background. The broker answers OPEN once
// the id is registered.
func (e *Endpoint) Start() error {
	target, err := e.brokerURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		cancel()
		return ErrDestroyed
	}
	e.cancel = cancel
	e.mu.Unlock()

	go e.serve(ctx, target)
	return nil
}

func (e *Endpoint) serve(ctx context.Context, target string) {
	ws, resp, err := e.dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		if resp != nil {
			e.logger.Error().Err(err).Int("status", resp.StatusCode).Msg("broker dial")
		}
		e.lost(ctx, err)
		return
	}
	conn := newBrokerConn(ws)
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.mu.Unlock()

	go conn.writePump(ctx, e.opts.WriteTimeout, e.logger)
	if e.opts.HeartbeatInterval > 0 {
		go e.heartbeat(ctx, conn)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			conn.Close()
			e.lost(ctx, err)
			return
		}
		e.dispatch(data)
	}
}

// lost reports a dead broker socket: an error before OPEN, a disconnect after.
func (e *Endpoint) lost(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	opened := e.opened
	onErr, onDisc := e.onError, e.onDisc
	e.mu.Unlock()
	if opened {
		e.logger.Warn().Err(err).Msg("broker connection lost")
		if onDisc != nil {
			onDisc()
		}
		return
	}
	if onErr != nil {
		onErr(fmt.Errorf("broker: %w", err))
	}
}

func (e *Endpoint) heartbeat(ctx context.Context, conn *brokerConn) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.sendOn(conn, brokerMsg{Type: msgHeartbeat}); err != nil {
				e.logger.Debug().Err(err).Msg("heartbeat not sent")
				return
			}
		}
	}
}

func (e *Endpoint) send(m brokerMsg) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return core.ErrNotConnected
	}
	return e.sendOn(conn, m)
}

func (e *Endpoint) sendOn(conn *brokerConn, m brokerMsg) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.TrySend(b)
}

func (e *Endpoint) dispatch(data []byte) {
	var m brokerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		e.logger.Error().Err(err).Msg("bad broker message")
		return
	}
	switch m.Type {
	case msgOpen:
		e.mu.Lock()
		e.opened = true
		fn := e.onOpen
		e.mu.Unlock()
		e.logger.Info().Msg("broker open")
		if fn != nil {
			fn()
		}
	case msgError, msgIDTaken:
		var p errorPayload
		_ = json.Unmarshal(m.Payload, &p)
		err := errors.New(p.Msg)
		if m.Type == msgIDTaken {
			err = fmt.Errorf("%w: %s", ErrIDTaken, p.Msg)
		}
		e.logger.Error().Err(err).Str("type", m.Type).Msg("broker error")
		e.mu.Lock()
		fn := e.onError
		e.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	case msgOffer:
		e.handleOffer(m)
	case msgAnswer:
		var p sdpPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			e.logger.Error().Err(err).Msg("bad answer payload")
			return
		}
		if c := e.call(p.ConnectionID); c != nil {
			c.applyAnswer(p.SDP)
		}
	case msgCandidate:
		var p candidatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			e.logger.Error().Err(err).Msg("bad candidate payload")
			return
		}
		if c := e.call(p.ConnectionID); c != nil {
			c.addCandidate(p.Candidate)
		}
	case msgLeave, msgExpire:
		for _, c := range e.callsWith(m.Src) {
			c.fail(fmt.Errorf("peer %s: %s", m.Src, m.Type))
		}
	case msgHeartbeat:
	default:
		e.logger.Debug().Str("type", m.Type).Msg("unhandled broker message")
	}
}

func (e *Endpoint) handleOffer(m brokerMsg) {
	var p sdpPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		e.logger.Error().Err(err).Msg("bad offer payload")
		return
	}
	if p.Type != connTypeMedia {
		e.logger.Warn().Str("type", p.Type).Str("from", string(m.Src)).Msg("only media connections are supported")
		return
	}
	c, err := newMediaCall(e, m.Src, p.ConnectionID, false)
	if err != nil {
		e.logger.Error().Err(err).Str("from", string(m.Src)).Msg("cannot accept offer")
		return
	}
	c.remoteOffer = &p.SDP

	e.mu.Lock()
	fn := e.onCall
	if e.destroyed || fn == nil {
		e.mu.Unlock()
		c.Close()
		return
	}
	e.calls[c.cid] = c
	e.mu.Unlock()

	e.logger.Info().Str("from", string(m.Src)).Str("connection", c.cid).Msg("incoming call")
	// Answering gathers candidates; keep the read loop free.
	go fn(c)
}

// Call originates a media call. The offer is sent in the background; a
// failure is reported through the call's OnClose.
func (e *Endpoint) Call(partner domain.PeerID, local core.LocalStream) (core.MediaCall, error) {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}
	c, err := newMediaCall(e, partner, "mc_"+uuid.NewString(), true)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls[c.cid] = c
	e.mu.Unlock()

	go c.offer(local)
	return c, nil
}

func (e *Endpoint) call(cid string) *mediaCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[cid]
}

func (e *Endpoint) callsWith(peer domain.PeerID) []*mediaCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*mediaCall
	for _, c := range e.calls {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

func (e *Endpoint) forget(cid string) {
	e.mu.Lock()
	delete(e.calls, cid)
	e.mu.Unlock()
}

// Destroy closes every call and the broker socket.
func (e *Endpoint) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	calls := make([]*mediaCall, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	cancel := e.cancel
	e.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	if cancel != nil {
		cancel()
	}
	e.logger.Info().Int("calls", len(calls)).Msg("endpoint destroyed")
}
