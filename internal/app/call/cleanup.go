package call

import (
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
)

type reason int

const (
	reasonEnd reason = iota
	reasonSkip
	reasonPartnerSkipped
	reasonError
	reasonDisconnect
	reasonTeardown
)

func (r reason) String() string {
	switch r {
	case reasonEnd:
		return "end"
	case reasonSkip:
		return "skip"
	case reasonPartnerSkipped:
		return "partner_skipped"
	case reasonError:
		return "error"
	case reasonDisconnect:
		return "disconnect"
	case reasonTeardown:
		return "teardown"
	}
	return "unknown"
}

// terminate releases every resource of the current session. The state flips
// to Ending before any side effect, so re-entry while ending is inert, and
// the generation advances at the end so callbacks of the old session drop.
func (m *Machine) terminate(why reason) {
	if m.sess.State == domain.StateEnding {
		return
	}
	if m.sess.State == domain.StateIdle && m.idleClean() {
		return
	}
	partner := m.sess.PartnerID
	started := m.sess.StartedAt
	from := m.sess.State
	m.setState(domain.StateEnding)

	if m.scopeCancel != nil {
		m.scopeCancel()
		m.scope, m.scopeCancel = nil, nil
	}

	if partner != "" {
		var err error
		switch why {
		case reasonSkip:
			err = m.sig.Emit(core.EvNextPartner, core.NextPartnerPayload{CurrentPartnerID: partner})
		case reasonPartnerSkipped:
		default:
			err = m.sig.Emit(core.EvEndRandomCall, core.PartnerPayload{PartnerID: partner})
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("partner", string(partner)).Msg("termination not signaled")
		}
	}

	if m.queue.Joined() {
		if err := m.queue.Leave(); err != nil {
			m.logger.Warn().Err(err).Msg("queue leave not sent")
		}
	}

	if m.pm != nil {
		m.pm.Close()
	}

	if m.local != nil {
		m.local.Stop()
		m.setLocal(nil)
	}
	if m.remote != nil {
		m.remote.Stop()
		m.remote = nil
	}

	if m.pm != nil {
		m.pm.Destroy()
		m.pm = nil
	}

	m.gen++
	m.acquiring = false
	m.joinAfterMedia = false
	m.mediaReady, m.peerReady = nil, nil
	m.peerID, m.partnerPeer = "", ""
	m.originScheduled = false
	m.sess.Reset()

	ev := m.logger.Info().
		Str("reason", why.String()).
		Str("from", from.String()).
		Str("partner", string(partner))
	if !started.IsZero() {
		ev = ev.Dur("call_duration", time.Since(started).Round(time.Second))
	}
	ev.Msg("session terminated")
}

func (m *Machine) idleClean() bool {
	return m.local == nil && m.remote == nil && m.pm == nil && !m.acquiring && !m.queue.Joined()
}

// resume restarts the search when call mode is still on.
func (m *Machine) resume() {
	if m.callMode {
		m.startSearch(true)
	}
}
