// Package queue tracks this client's membership in the random-matching queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	sig        core.SignalChannel
	ackTimeout time.Duration

	mu        sync.Mutex
	joined    bool
	queueSize int
	// leaves sent while joined and not yet acknowledged by searchStopped.
	pendingLeaves int
	stopped       chan struct{}

	onSize    func(int)
	onError   func(string)
	onStopped func()
}

func NewManager(sig core.SignalChannel, rejoinAckTimeout time.Duration) *Manager {
	m := &Manager{
		sig:        sig,
		ackTimeout: rejoinAckTimeout,
		stopped:    make(chan struct{}),
	}
	sig.On(core.EvJoinedRandomQueue, m.handleQueueSize)
	sig.On(core.EvSearchingForMatch, m.handleQueueSize)
	sig.On(core.EvSearchStopped, func(json.RawMessage) { m.handleStopped() })
	sig.On(core.EvRandomCallError, m.handleError)
	return m
}

// OnQueueSize sets a callback for queue size updates.
func (m *Manager) OnQueueSize(fn func(int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSize = fn
}

// OnError sets a callback for non-fatal protocol errors from the server.
func (m *Manager) OnError(fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// OnStopped sets a callback for searchStopped messages that end our search
// on the server's initiative. Acknowledgements of our own leaves are not
// reported.
func (m *Manager) OnStopped(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStopped = fn
}

// Join enters the queue. A second Join while joined is a no-op.
func (m *Manager) Join(f domain.QueueFilters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joined {
		return nil
	}
	if !m.sig.Connected() {
		return fmt.Errorf("join: %w", domain.ErrQueue)
	}
	if err := m.sig.Emit(core.EvJoinRandomQueue, core.JoinQueuePayload{Filters: f}); err != nil {
		return fmt.Errorf("join: %w: %v", domain.ErrQueue, err)
	}
	m.joined = true
	log.Info().Str("module", "app.queue").Str("level", f.Level).Str("language", f.Language).Msg("joined queue")
	return nil
}

// Leave is safe whether or not the client is queued.
func (m *Manager) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasJoined := m.joined
	m.joined = false
	m.queueSize = 0
	if !m.sig.Connected() {
		return fmt.Errorf("leave: %w", domain.ErrQueue)
	}
	if err := m.sig.Emit(core.EvLeaveRandomQueue, struct{}{}); err != nil {
		return fmt.Errorf("leave: %w: %v", domain.ErrQueue, err)
	}
	if wasJoined {
		m.pendingLeaves++
	}
	log.Info().Str("module", "app.queue").Int("pending_acks", m.pendingLeaves).Msg("left queue")
	return nil
}

// Rejoin leaves and joins with new filters. The join waits for the server's
// searchStopped, bounded by the ack timeout.
func (m *Manager) Rejoin(ctx context.Context, f domain.QueueFilters) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()

	if err := m.Leave(); err != nil {
		return err
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		log.Debug().Str("module", "app.queue").Msg("no leave ack, joining anyway")
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Join(f)
}

// MarkMatched clears membership: the server dequeues both sides of a match.
func (m *Manager) MarkMatched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = false
	m.queueSize = 0
}

// MarkRequeued records membership the server created on our behalf
// (after a nextPartner request).
func (m *Manager) MarkRequeued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = true
}

// Reset drops local membership without sending anything, for transport loss.
// Acknowledgements still owed by the old connection are forgotten.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = false
	m.queueSize = 0
	m.pendingLeaves = 0
}

func (m *Manager) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueSize
}

func (m *Manager) handleQueueSize(data json.RawMessage) {
	var p core.QueueSizePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "app.queue").Msg("bad queue size payload")
		return
	}
	m.mu.Lock()
	m.queueSize = p.QueueSize
	fn := m.onSize
	m.mu.Unlock()
	if fn != nil {
		fn(p.QueueSize)
	}
}

// handleStopped treats searchStopped as the acknowledgement of the oldest
// unacknowledged leave. A late acknowledgement never touches a membership
// joined after it; only a stop with no leave outstanding ends our search.
func (m *Manager) handleStopped() {
	m.mu.Lock()
	if m.pendingLeaves > 0 {
		m.pendingLeaves--
		close(m.stopped)
		m.stopped = make(chan struct{})
		m.mu.Unlock()
		log.Debug().Str("module", "app.queue").Msg("leave acknowledged")
		return
	}
	m.joined = false
	m.queueSize = 0
	fn := m.onStopped
	m.mu.Unlock()
	log.Info().Str("module", "app.queue").Msg("search stopped by server")
	if fn != nil {
		fn()
	}
}

func (m *Manager) handleError(data json.RawMessage) {
	var p core.ErrorPayload
	_ = json.Unmarshal(data, &p)
	log.Warn().Str("module", "app.queue").Str("message", p.Message).Msg("random call error")
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(p.Message)
	}
}
