// Package call implements the random call session state machine.
//
// One goroutine (Run) owns the session. Signaling events, user commands and
// peer callbacks are posted to it as closures, so session fields are never
// touched concurrently. Asynchronous steps (capture, peer open, readiness
// wait) run in their own goroutines and post their results back, tagged with
// the session generation; results from a torn-down generation are dropped.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/app/peer"
	"github.com/dkeye/PeerCall/internal/app/queue"
	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("call machine stopped")

type Options struct {
	User            domain.UserID
	Filters         domain.QueueFilters
	Constraints     core.CaptureConstraints
	PeerOpenTimeout time.Duration
	ReadyTimeout    time.Duration
	SettleDelay     time.Duration
}

// Snapshot is the read-only view of the machine for the rest of the app.
type Snapshot struct {
	Session         domain.Session      `json:"session"`
	CallMode        bool                `json:"call_mode"`
	Queued          bool                `json:"queued"`
	QueueSize       int                 `json:"queue_size"`
	Filters         domain.QueueFilters `json:"filters"`
	Muted           bool                `json:"muted"`
	VideoOff        bool                `json:"video_off"`
	HasLocalStream  bool                `json:"has_local_stream"`
	HasRemoteStream bool                `json:"has_remote_stream"`
	SignalConnected bool                `json:"signal_connected"`
}

type Machine struct {
	opts    Options
	sig     core.SignalChannel
	queue   *queue.Manager
	capture core.MediaCapturer
	peers   core.PeerEndpointFactory
	logger  zerolog.Logger

	events chan func()
	done   chan struct{}
	runCtx context.Context

	// Owned by the loop goroutine.
	sess        domain.Session
	gen         uint64
	scope       context.Context
	scopeCancel context.CancelFunc
	callMode    bool
	filters     domain.QueueFilters
	muted       bool
	videoOff    bool

	local          core.LocalStream
	remote         core.RemoteStream
	pm             *peer.Manager
	acquiring      bool
	joinAfterMedia bool

	mediaReady      *future
	peerReady       *future
	peerID          domain.PeerID
	partnerPeer     domain.PeerID
	originScheduled bool

	// liveLocal mirrors local for adapter goroutines answering calls.
	liveMu    sync.Mutex
	liveLocal core.LocalStream

	snapMu   sync.RWMutex
	snap     Snapshot
	onChange []func(Snapshot)
	onNotice []func(domain.Notice)
}

func NewMachine(
	opts Options,
	sig core.SignalChannel,
	q *queue.Manager,
	capture core.MediaCapturer,
	peers core.PeerEndpointFactory,
) *Machine {
	m := &Machine{
		opts:    opts,
		sig:     sig,
		queue:   q,
		capture: capture,
		peers:   peers,
		logger:  log.With().Str("module", "app.call").Str("user", string(opts.User)).Logger(),
		events:  make(chan func(), 64),
		done:    make(chan struct{}),
		runCtx:  context.Background(),
		filters: opts.Filters,
	}
	m.sess.Reset()
	m.bindSignals()
	return m
}

// OnChange registers a listener called on the loop after every state
// change. Listeners must not block.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnNotice registers a listener for transient user notices. Must not block.
func (m *Machine) OnNotice(fn func(domain.Notice)) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.onNotice = append(m.onNotice, fn)
}

func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Run processes events until ctx is done. On exit the session is torn down
// the same way a page unload does.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.done)
	m.logger.Info().Msg("call machine started")
	m.publish()
	for {
		select {
		case <-ctx.Done():
			m.callMode = false
			m.terminate(reasonTeardown)
			m.publish()
			m.logger.Info().Msg("call machine stopped")
			return ctx.Err()
		case fn := <-m.events:
			fn()
			m.publish()
		}
	}
}

// post queues fn on the loop. It reports false once the loop has stopped.
func (m *Machine) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// postGen queues fn only for the generation it was created in.
func (m *Machine) postGen(gen uint64, fn func()) bool {
	return m.post(func() {
		if gen != m.gen {
			return
		}
		fn()
	})
}

// do runs fn on the loop and waits for its result.
func (m *Machine) do(fn func() error) error {
	errc := make(chan error, 1)
	if !m.post(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// sessionScope returns the context of the current generation, cancelled on
// terminate.
func (m *Machine) sessionScope() context.Context {
	if m.scope == nil {
		m.scope, m.scopeCancel = context.WithCancel(m.runCtx)
	}
	return m.scope
}

func (m *Machine) setLocal(s core.LocalStream) {
	m.local = s
	m.liveMu.Lock()
	m.liveLocal = s
	m.liveMu.Unlock()
}

func (m *Machine) currentLocal() core.LocalStream {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	return m.liveLocal
}

func (m *Machine) setState(s domain.SessionState) {
	if m.sess.State == s {
		return
	}
	m.logger.Info().
		Str("from", m.sess.State.String()).
		Str("to", s.String()).
		Str("partner", string(m.sess.PartnerID)).
		Msg("state")
	m.sess.State = s
}

func (m *Machine) notify(n domain.Notice) {
	m.snapMu.RLock()
	fns := append([]func(domain.Notice){}, m.onNotice...)
	m.snapMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (m *Machine) publish() {
	s := Snapshot{
		Session:         m.sess,
		CallMode:        m.callMode,
		Queued:          m.queue.Joined(),
		QueueSize:       m.queue.QueueSize(),
		Filters:         m.filters,
		Muted:           m.muted,
		VideoOff:        m.videoOff,
		HasLocalStream:  m.local != nil,
		HasRemoteStream: m.remote != nil,
		SignalConnected: m.sig.Connected(),
	}
	m.snapMu.Lock()
	if s == m.snap {
		m.snapMu.Unlock()
		return
	}
	m.snap = s
	fns := append([]func(Snapshot){}, m.onChange...)
	m.snapMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
