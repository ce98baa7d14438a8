// Package peer owns the lifecycle of one peer endpoint and its media call.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrNotOpen      = errors.New("peer endpoint not open")
	ErrNoLocalMedia = errors.New("no local stream to answer with")
)

// Handlers connect the manager to its owner. All are optional.
type Handlers struct {
	// LocalStream returns the stream used to answer inbound calls.
	LocalStream func() core.LocalStream
	// Stream fires when inbound media of the active call arrives.
	Stream func(core.RemoteStream)
	// Ended fires when the active call closes or fails.
	Ended func(err error)
	// Incoming fires after an inbound call was answered.
	Incoming func(from domain.PeerID)
}

// Manager wraps one core.PeerEndpoint. Only one instance should exist per session.
type Manager struct {
	factory     core.PeerEndpointFactory
	user        domain.UserID
	openTimeout time.Duration
	h           Handlers
	logger      zerolog.Logger

	mu      sync.Mutex
	state   State
	id      domain.PeerID
	ep      core.PeerEndpoint
	opening chan struct{}
	openErr error
	abort   func(error)
	call    core.MediaCall
}

func NewManager(factory core.PeerEndpointFactory, user domain.UserID, openTimeout time.Duration, h Handlers) *Manager {
	return &Manager{
		factory:     factory,
		user:        user,
		openTimeout: openTimeout,
		h:           h,
		logger:      log.With().Str("module", "app.peer").Str("user", string(user)).Logger(),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Init registers the endpoint and resolves with its id once the broker
// reports it open. Concurrent calls share one attempt; after open it
// returns the existing id.
func (m *Manager) Init(ctx context.Context) (domain.PeerID, error) {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		id := m.id
		m.mu.Unlock()
		return id, nil
	case StateInitializing:
		opening := m.opening
		m.mu.Unlock()
		return m.wait(ctx, opening)
	case StateClosed:
		m.mu.Unlock()
		return "", fmt.Errorf("init: %w", ErrNotOpen)
	}

	id := domain.NewPeerID(m.user)
	ep, err := m.factory.NewEndpoint(id)
	if err != nil {
		m.state = StateError
		m.mu.Unlock()
		return "", fmt.Errorf("init: %w: %v", domain.ErrPeerConnection, err)
	}
	opening := make(chan struct{})
	var once sync.Once
	settle := func(err error) {
		once.Do(func() {
			m.mu.Lock()
			if m.opening == opening {
				switch {
				case m.state != StateInitializing:
					if m.openErr == nil {
						m.openErr = fmt.Errorf("init: %w", ErrNotOpen)
					}
				case err != nil:
					m.state = StateError
					m.openErr = err
				default:
					m.state = StateOpen
				}
			}
			m.mu.Unlock()
			close(opening)
		})
	}
	m.state = StateInitializing
	m.id = id
	m.ep = ep
	m.opening = opening
	m.openErr = nil
	m.abort = settle
	m.mu.Unlock()

	ep.OnOpen(func() { settle(nil) })
	ep.OnError(func(err error) {
		settle(fmt.Errorf("%w: %v", domain.ErrPeerConnection, err))
		m.logger.Error().Err(err).Str("peer_id", string(id)).Msg("endpoint error")
	})
	ep.OnCall(m.handleIncoming)
	ep.OnDisconnected(func() {
		m.logger.Warn().Str("peer_id", string(id)).Msg("broker disconnected, call kept")
	})

	m.logger.Info().Str("peer_id", string(id)).Msg("endpoint init")
	if err := ep.Start(); err != nil {
		settle(fmt.Errorf("%w: %v", domain.ErrPeerConnection, err))
	}

	timer := time.NewTimer(m.openTimeout)
	defer timer.Stop()
	select {
	case <-opening:
	case <-timer.C:
		settle(fmt.Errorf("peer open: %w", domain.ErrSignalingTimeout))
	case <-ctx.Done():
		settle(ctx.Err())
	}
	return m.result(ep, opening)
}

func (m *Manager) wait(ctx context.Context, opening chan struct{}) (domain.PeerID, error) {
	select {
	case <-opening:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	m.mu.Lock()
	ep := m.ep
	m.mu.Unlock()
	return m.result(ep, opening)
}

func (m *Manager) result(ep core.PeerEndpoint, opening chan struct{}) (domain.PeerID, error) {
	m.mu.Lock()
	err := m.openErr
	if m.opening != opening {
		err = fmt.Errorf("init: %w", ErrNotOpen)
	}
	owned := ep != nil && m.ep == ep
	if err != nil && owned {
		m.ep = nil
	}
	id := m.id
	m.mu.Unlock()

	if err != nil {
		// A partially created endpoint is discarded.
		if owned {
			ep.Destroy()
		}
		m.logger.Warn().Err(err).Msg("endpoint init failed")
		return "", err
	}
	m.logger.Info().Str("peer_id", string(id)).Msg("endpoint open")
	return id, nil
}

// Originate calls partner with the local stream. When an inbound call from
// the same partner was already answered, that call is kept.
func (m *Manager) Originate(partner domain.PeerID, local core.LocalStream) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return fmt.Errorf("originate: %w", ErrNotOpen)
	}
	if m.call != nil {
		m.mu.Unlock()
		m.logger.Info().Str("partner", string(partner)).Msg("call already established, skip originate")
		return nil
	}
	ep := m.ep
	m.mu.Unlock()

	call, err := ep.Call(partner, local)
	if err != nil {
		return fmt.Errorf("originate: %w: %v", domain.ErrPeerConnection, err)
	}

	m.mu.Lock()
	if m.state != StateOpen || m.call != nil {
		m.mu.Unlock()
		call.Close()
		return nil
	}
	m.call = call
	m.mu.Unlock()

	m.bind(call)
	m.logger.Info().Str("partner", string(partner)).Msg("call originated")
	return nil
}

func (m *Manager) handleIncoming(call core.MediaCall) {
	from := call.Peer()

	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		call.Close()
		return
	}
	current := m.call
	// Glare: both sides originated. Keep the call placed by the smaller id.
	if current != nil && !(from < m.id) {
		m.mu.Unlock()
		m.logger.Info().Str("from", string(from)).Msg("glare, keeping own call")
		call.Close()
		return
	}
	m.call = call
	m.mu.Unlock()

	if current != nil {
		m.logger.Info().Str("from", string(from)).Msg("glare, yielding to inbound call")
		current.Close()
	}

	var local core.LocalStream
	if m.h.LocalStream != nil {
		local = m.h.LocalStream()
	}
	if local == nil {
		m.drop(call)
		m.logger.Error().Str("from", string(from)).Msg("cannot answer, no local stream")
		if m.h.Ended != nil {
			m.h.Ended(fmt.Errorf("answer: %w: %v", domain.ErrPeerConnection, ErrNoLocalMedia))
		}
		return
	}

	m.bind(call)
	if err := call.Answer(local); err != nil {
		m.drop(call)
		m.logger.Error().Err(err).Str("from", string(from)).Msg("answer failed")
		if m.h.Ended != nil {
			m.h.Ended(fmt.Errorf("answer: %w: %v", domain.ErrPeerConnection, err))
		}
		return
	}
	m.logger.Info().Str("from", string(from)).Msg("call answered")
	if m.h.Incoming != nil {
		m.h.Incoming(from)
	}
}

func (m *Manager) bind(call core.MediaCall) {
	call.OnStream(func(rs core.RemoteStream) {
		if !m.isCurrent(call) {
			rs.Stop()
			return
		}
		if m.h.Stream != nil {
			m.h.Stream(rs)
		}
	})
	call.OnClose(func(err error) {
		if !m.isCurrent(call) {
			return
		}
		m.drop(call)
		if err != nil {
			err = fmt.Errorf("%w: %v", domain.ErrPeerConnection, err)
		} else {
			err = fmt.Errorf("call closed: %w", domain.ErrPeerConnection)
		}
		if m.h.Ended != nil {
			m.h.Ended(err)
		}
	})
}

func (m *Manager) isCurrent(call core.MediaCall) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call == call
}

func (m *Manager) drop(call core.MediaCall) {
	m.mu.Lock()
	if m.call == call {
		m.call = nil
	}
	m.mu.Unlock()
	call.Close()
}

// HasCall reports whether a call is currently established or in progress.
func (m *Manager) HasCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call != nil
}

// Close terminates the active call without reporting it. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	call := m.call
	m.call = nil
	m.mu.Unlock()
	if call != nil {
		call.Close()
		m.logger.Info().Str("partner", string(call.Peer())).Msg("call closed")
	}
}

// Destroy closes the call and unregisters the endpoint. Idempotent.
func (m *Manager) Destroy() {
	m.Close()
	m.mu.Lock()
	ep := m.ep
	m.ep = nil
	m.state = StateClosed
	abort := m.abort
	m.abort = nil
	m.mu.Unlock()
	if abort != nil {
		abort(fmt.Errorf("destroyed: %w", ErrNotOpen))
	}
	if ep != nil {
		ep.Destroy()
		m.logger.Info().Str("peer_id", string(ep.ID())).Msg("endpoint destroyed")
	}
}
