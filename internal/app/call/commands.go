package call

import (
	"fmt"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
)

// ToggleCallMode enables or disables random calls and reports the new mode.
func (m *Machine) ToggleCallMode() (bool, error) {
	var on bool
	err := m.do(func() error {
		if !m.callMode {
			m.callMode = true
			m.logger.Info().Msg("call mode on")
			if m.sess.State == domain.StateIdle {
				m.startSearch(true)
			}
		} else {
			m.callMode = false
			m.logger.Info().Msg("call mode off")
			m.terminate(reasonEnd)
		}
		on = m.callMode
		return nil
	})
	return on, err
}

// EndCurrentCall ends the current pairing and restarts the search.
func (m *Machine) EndCurrentCall() error {
	return m.do(func() error {
		if !m.sess.State.Active() {
			return nil
		}
		m.terminate(reasonEnd)
		m.resume()
		return nil
	})
}

// NextPartner ends the current pairing as a skip; the server re-queues us.
func (m *Machine) NextPartner() error {
	return m.do(func() error {
		if !m.sess.State.Active() {
			return nil
		}
		m.terminate(reasonSkip)
		if m.callMode {
			m.startSearch(false)
		}
		return nil
	})
}

// ToggleMute flips the audio track and reports whether audio is muted.
func (m *Machine) ToggleMute() (bool, error) {
	var muted bool
	err := m.do(func() error {
		m.muted = !m.muted
		if m.local != nil {
			m.local.SetAudioEnabled(!m.muted)
		}
		muted = m.muted
		return nil
	})
	return muted, err
}

// ToggleVideo flips the video track and reports whether video is off.
func (m *Machine) ToggleVideo() (bool, error) {
	var off bool
	err := m.do(func() error {
		m.videoOff = !m.videoOff
		if m.local != nil {
			m.local.SetVideoEnabled(!m.videoOff)
		}
		off = m.videoOff
		return nil
	})
	return off, err
}

// RatePartner submits a rating once per session. Further attempts fail with
// domain.ErrRatingRejected without touching the network.
func (m *Machine) RatePartner(value int) error {
	return m.do(func() error {
		r := domain.Rating{PartnerID: m.sess.PartnerID, SessionID: m.sess.ID, Value: value}
		if m.sess.HasRated || !r.Valid() {
			m.logger.Debug().Int("value", value).Bool("has_rated", m.sess.HasRated).Msg("rating rejected")
			return domain.ErrRatingRejected
		}
		if err := m.sig.Emit(core.EvRatePartner, core.RatePartnerPayload{PartnerID: r.PartnerID, Rating: r.Value}); err != nil {
			return fmt.Errorf("rate: %w: %w", domain.ErrRatingNotSent, err)
		}
		m.sess.HasRated = true
		m.logger.Info().Str("partner", string(r.PartnerID)).Int("value", r.Value).Msg("rated partner")
		return nil
	})
}

// SetFilters changes the queue filters; a queued client rejoins with them.
func (m *Machine) SetFilters(f domain.QueueFilters) error {
	return m.do(func() error {
		if f == m.filters {
			return nil
		}
		m.filters = f
		if !m.queue.Joined() || m.sess.State != domain.StateSearching {
			return nil
		}
		gen := m.gen
		ctx := m.sessionScope()
		go func() {
			err := m.queue.Rejoin(ctx, f)
			m.postGen(gen, func() {
				if err != nil && ctx.Err() == nil {
					m.logger.Warn().Err(err).Msg("rejoin failed")
					m.notify(domain.NoticeFor(err))
				}
			})
		}()
		return nil
	})
}

// Teardown is the page-unload path: call mode off and full cleanup.
func (m *Machine) Teardown() error {
	return m.do(func() error {
		m.callMode = false
		m.terminate(reasonTeardown)
		return nil
	})
}
