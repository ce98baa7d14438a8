package call

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
)

// bindSignals routes inbound signaling to the loop.
func (m *Machine) bindSignals() {
	m.sig.On(core.EvMatchFound, func(data json.RawMessage) {
		var p core.MatchFoundPayload
		if err := json.Unmarshal(data, &p); err != nil || p.PartnerID == "" {
			m.logger.Error().Err(err).Msg("bad matchFound payload")
			return
		}
		m.post(func() { m.handleMatch(p) })
	})
	m.sig.On(core.EvReceiveRandomCallPeerID, func(data json.RawMessage) {
		var p core.ReceivePeerIDPayload
		if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
			m.logger.Error().Err(err).Msg("bad receiveRandomCallPeerId payload")
			return
		}
		m.post(func() { m.handlePartnerPeer(p.PeerID) })
	})
	m.sig.On(core.EvPartnerSkipped, func(json.RawMessage) {
		m.post(m.handlePartnerSkipped)
	})
	m.sig.On(core.EvRatingSubmitted, func(json.RawMessage) {
		m.post(func() {
			m.notify(domain.Notice{Kind: domain.NoticeInfo, Code: "rating_submitted", Message: "Rating submitted"})
		})
	})
	m.sig.On(core.EvPartnerRatedYou, func(data json.RawMessage) {
		var p core.PartnerRatedYouPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.logger.Error().Err(err).Msg("bad partnerRatedYou payload")
			return
		}
		m.post(func() {
			m.notify(domain.Notice{
				Kind:    domain.NoticeInfo,
				Code:    "rated_you",
				Message: fmt.Sprintf("%s rated you %d/%d", p.PartnerName, p.Rating, domain.MaxRating),
			})
		})
	})
	m.sig.OnStatus(func(connected bool) {
		m.post(func() { m.handleTransport(connected) })
	})

	m.queue.OnQueueSize(func(int) { m.post(func() {}) })
	m.queue.OnStopped(func() { m.post(m.handleSearchStopped) })
	m.queue.OnError(func(msg string) {
		m.post(func() {
			m.notify(domain.Notice{Kind: domain.NoticeWarning, Code: "server", Message: msg})
		})
	})
}

// handlePartnerSkipped has the same local effect as our own NextPartner,
// without signaling the skip back.
func (m *Machine) handlePartnerSkipped() {
	if !m.sess.State.Active() {
		return
	}
	m.logger.Info().Str("partner", string(m.sess.PartnerID)).Msg("partner skipped")
	m.terminate(reasonPartnerSkipped)
	m.notify(domain.Notice{Kind: domain.NoticeInfo, Code: "partner_skipped", Message: "Partner moved on, searching again"})
	m.resume()
}

// handleSearchStopped covers the server ending our search on its own.
// Acknowledgements of our leaves are absorbed by the queue manager.
func (m *Machine) handleSearchStopped() {
	if m.sess.State != domain.StateSearching {
		return
	}
	m.logger.Info().Msg("search stopped by server")
	m.callMode = false
	m.terminate(reasonEnd)
	m.notify(domain.Notice{Kind: domain.NoticeInfo, Code: "search_stopped", Message: "Search stopped"})
}

func (m *Machine) handleTransport(connected bool) {
	if !connected {
		switch {
		case m.sess.State.Active():
			m.logger.Warn().Msg("signal lost during call")
			m.terminate(reasonDisconnect)
			m.notify(domain.NoticeFor(fmt.Errorf("signal lost: %w", domain.ErrPeerConnection)))
			m.resume()
		case m.sess.State == domain.StateSearching:
			m.queue.Reset()
			m.notify(domain.NoticeFor(fmt.Errorf("signal lost: %w", domain.ErrQueue)))
		}
		return
	}
	if m.callMode && m.sess.State == domain.StateSearching && !m.queue.Joined() {
		if m.local == nil {
			m.joinAfterMedia = true
			m.acquire()
			return
		}
		m.logger.Info().Msg("signal back, rejoining queue")
		m.enterQueue()
	}
}
