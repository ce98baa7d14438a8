package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/PeerCall/internal/app/peer"
	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/google/uuid"
)

// startSearch enters Searching. With join the client queues itself once
// local media is ready; without it the server already re-queued us.
func (m *Machine) startSearch(join bool) {
	m.setState(domain.StateSearching)
	if !join {
		m.queue.MarkRequeued()
	}
	if m.local == nil {
		m.joinAfterMedia = join
		m.acquire()
		return
	}
	if join {
		m.enterQueue()
	}
}

func (m *Machine) enterQueue() {
	if err := m.queue.Join(m.filters); err != nil {
		m.logger.Warn().Err(err).Msg("queue join failed")
		m.notify(domain.NoticeFor(err))
	}
}

// acquire starts local capture for the current generation.
func (m *Machine) acquire() {
	if m.acquiring {
		return
	}
	m.acquiring = true
	gen := m.gen
	ctx := m.sessionScope()
	go func() {
		stream, err := m.capture.Acquire(ctx, m.opts.Constraints)
		posted := m.post(func() {
			if gen != m.gen {
				// Capture finished after its session was torn down.
				if stream != nil {
					stream.Stop()
				}
				return
			}
			m.mediaAcquired(stream, err)
		})
		if !posted && stream != nil {
			stream.Stop()
		}
	}()
}

func (m *Machine) mediaAcquired(stream core.LocalStream, err error) {
	m.acquiring = false
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", domain.ErrMediaAccess, err))
		return
	}
	stream.SetAudioEnabled(!m.muted)
	stream.SetVideoEnabled(!m.videoOff)
	m.setLocal(stream)
	m.logger.Info().Str("stream", stream.ID()).Bool("audio", stream.HasAudio()).Msg("local media ready")

	if m.mediaReady != nil {
		m.mediaReady.resolve()
	}
	if m.sess.State == domain.StateSearching && m.joinAfterMedia {
		m.joinAfterMedia = false
		m.enterQueue()
	}
}

func (m *Machine) handleMatch(p core.MatchFoundPayload) {
	if m.sess.State != domain.StateSearching || !m.callMode {
		m.logger.Warn().Str("state", m.sess.State.String()).Str("partner", string(p.PartnerID)).Msg("unexpected match ignored")
		return
	}
	m.queue.MarkMatched()
	m.joinAfterMedia = false
	m.sess = domain.Session{
		ID:           domain.SessionID(uuid.NewString()),
		State:        domain.StateSearching,
		PartnerID:    p.PartnerID,
		PartnerLevel: p.PartnerLevel,
		MatchedAt:    time.Now(),
		HasRated:     false,
	}
	m.setState(domain.StateMatched)

	gen := m.gen
	ctx := m.sessionScope()

	m.mediaReady = newFuture()
	m.peerReady = newFuture()
	if m.local != nil {
		m.mediaReady.resolve()
	} else {
		m.acquire()
	}

	m.pm = peer.NewManager(m.peers, m.opts.User, m.opts.PeerOpenTimeout, peer.Handlers{
		LocalStream: m.currentLocal,
		Stream: func(rs core.RemoteStream) {
			posted := m.post(func() {
				if gen != m.gen {
					rs.Stop()
					return
				}
				m.remoteArrived(rs)
			})
			if !posted {
				rs.Stop()
			}
		},
		Ended: func(err error) {
			m.postGen(gen, func() { m.fail(err) })
		},
		Incoming: func(from domain.PeerID) {
			m.postGen(gen, func() { m.callAnswered(from) })
		},
	})
	pm := m.pm

	go func() {
		id, err := pm.Init(ctx)
		m.postGen(gen, func() {
			if err != nil {
				if ctx.Err() == nil {
					m.fail(err)
				}
				return
			}
			m.peerID = id
			m.peerReady.resolve()
		})
	}()

	mediaDone, peerDone := m.mediaReady.done(), m.peerReady.done()
	go func() {
		err := awaitAll(ctx, m.opts.ReadyTimeout, mediaDone, peerDone)
		m.postGen(gen, func() {
			if err != nil {
				if ctx.Err() == nil {
					m.fail(err)
				}
				return
			}
			m.ready(gen)
		})
	}()
}

// ready runs once local media and the peer endpoint are both up: the
// address goes to the partner and the session waits for the connection.
func (m *Machine) ready(gen uint64) {
	if m.sess.State != domain.StateMatched && m.sess.State != domain.StateConnecting {
		return
	}
	err := m.sig.Emit(core.EvSendRandomCallPeerID, core.SendPeerIDPayload{PartnerID: m.sess.PartnerID, PeerID: m.peerID})
	if err != nil {
		m.fail(fmt.Errorf("send peer id: %w: %v", domain.ErrPeerConnection, err))
		return
	}
	m.logger.Info().Str("peer_id", string(m.peerID)).Str("partner", string(m.sess.PartnerID)).Msg("peer id sent")
	if m.sess.State == domain.StateMatched {
		m.setState(domain.StateConnecting)
	}

	// Connecting lasts until the first remote stream, placed call or not.
	time.AfterFunc(m.opts.ReadyTimeout, func() {
		m.postGen(gen, func() {
			if m.sess.State != domain.StateConnecting || m.remote != nil {
				return
			}
			hasCall := m.pm != nil && m.pm.HasCall()
			m.logger.Warn().Bool("call_placed", hasCall).Str("partner_peer", string(m.partnerPeer)).Msg("no remote stream in time")
			m.fail(fmt.Errorf("connect: %w", domain.ErrSignalingTimeout))
		})
	})
	m.maybeOriginate()
}

func (m *Machine) handlePartnerPeer(id domain.PeerID) {
	if !m.sess.State.Active() {
		m.logger.Warn().Str("peer_id", string(id)).Msg("partner peer id without session")
		return
	}
	m.partnerPeer = id
	m.logger.Info().Str("partner_peer", string(id)).Msg("partner peer id received")
	m.maybeOriginate()
}

// maybeOriginate calls the partner once our side is ready and the partner's
// address is known, after the settle delay.
func (m *Machine) maybeOriginate() {
	if m.sess.State != domain.StateConnecting || m.partnerPeer == "" || m.originScheduled {
		return
	}
	if m.pm == nil || m.pm.HasCall() {
		return
	}
	m.originScheduled = true
	gen := m.gen
	partner := m.partnerPeer
	time.AfterFunc(m.opts.SettleDelay, func() {
		m.postGen(gen, func() {
			if m.sess.State != domain.StateConnecting || m.pm == nil || m.pm.HasCall() || m.local == nil {
				return
			}
			if err := m.pm.Originate(partner, m.local); err != nil {
				m.fail(err)
			}
		})
	})
}

func (m *Machine) callAnswered(from domain.PeerID) {
	m.logger.Info().Str("from", string(from)).Msg("inbound call answered")
	if m.sess.State == domain.StateMatched {
		m.setState(domain.StateConnecting)
	}
}

func (m *Machine) remoteArrived(rs core.RemoteStream) {
	if m.remote != nil && m.remote != rs {
		m.remote.Stop()
	}
	m.remote = rs
	if m.local == nil {
		return
	}
	if m.sess.State == domain.StateMatched || m.sess.State == domain.StateConnecting {
		m.sess.StartedAt = time.Now()
		m.setState(domain.StateInCall)
	}
}

// fail handles every error of the taxonomy: cleanup, a notice, and a new
// search unless the error forbids automatic retry.
func (m *Machine) fail(err error) {
	m.logger.Error().Err(err).Str("state", m.sess.State.String()).Msg("session failed")
	if errors.Is(err, domain.ErrSignalingTimeout) || errors.Is(err, domain.ErrMediaAccess) {
		m.callMode = false
	}
	m.terminate(reasonError)
	m.notify(domain.NoticeFor(err))
	m.resume()
}
