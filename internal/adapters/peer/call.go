package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var errCallClosed = errors.New("call closed")

// mediaCall is one pion PeerConnection negotiated through the broker.
// SDP is exchanged after gathering completes; candidates the remote side
// trickles anyway are applied as they arrive.
type mediaCall struct {
	ep       *Endpoint
	peer     domain.PeerID
	cid      string
	outbound bool
	pc       *webrtc.PeerConnection
	done     chan struct{}
	logger   zerolog.Logger

	// remoteOffer is set for inbound calls before they are handed out.
	remoteOffer *webrtc.SessionDescription

	mu         sync.Mutex
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	remote     *remoteStream
	streamSent bool
	onStream   func(core.RemoteStream)
	onClose    func(error)
	closed     bool
	failErr    error
}

var _ core.MediaCall = (*mediaCall)(nil)

func newMediaCall(ep *Endpoint, peer domain.PeerID, cid string, outbound bool) (*mediaCall, error) {
	pc, err := ep.api.NewPeerConnection(ep.opts.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	c := &mediaCall{
		ep:       ep,
		peer:     peer,
		cid:      cid,
		outbound: outbound,
		pc:       pc,
		done:     make(chan struct{}),
		logger: ep.logger.With().
			Str("partner", string(peer)).
			Str("connection", cid).
			Bool("outbound", outbound).
			Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fail(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			c.fail(nil)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.addTrack(track, receiver)
	})
	return c, nil
}

func (c *mediaCall) Peer() domain.PeerID { return c.peer }

// addLocal attaches the local tracks, or receive-only transceivers when
// there is nothing to send.
func (c *mediaCall) addLocal(local core.LocalStream) error {
	var tracks []webrtc.TrackLocal
	if local != nil {
		tracks = local.Tracks()
	}
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return err
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads sender reports so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// gather sets the local description and waits for candidate gathering.
func (c *mediaCall) gather(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	complete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-complete:
	case <-c.done:
		return nil, errCallClosed
	}
	return c.pc.LocalDescription(), nil
}

func (c *mediaCall) offer(local core.LocalStream) {
	if err := c.addLocal(local); err != nil {
		c.fail(fmt.Errorf("add tracks: %w", err))
		return
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	sdp, err := c.gather(offer)
	if err != nil {
		c.fail(fmt.Errorf("local offer: %w", err))
		return
	}
	err = c.ep.send(brokerMsg{
		Type:    msgOffer,
		Dst:     c.peer,
		Payload: mustJSON(sdpPayload{SDP: *sdp, Type: connTypeMedia, ConnectionID: c.cid}),
	})
	if err != nil {
		c.fail(fmt.Errorf("send offer: %w", err))
		return
	}
	c.logger.Info().Msg("offer sent")
}

// Answer accepts an inbound offer with local media and replies once
// gathering is complete.
func (c *mediaCall) Answer(local core.LocalStream) error {
	if c.outbound || c.remoteOffer == nil {
		return errors.New("answer: not an inbound call")
	}
	if c.isClosed() {
		return errCallClosed
	}
	if err := c.addLocal(local); err != nil {
		return fmt.Errorf("add tracks: %w", err)
	}
	if err := c.setRemote(*c.remoteOffer); err != nil {
		return fmt.Errorf("remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := c.gather(answer)
	if err != nil {
		return fmt.Errorf("local answer: %w", err)
	}
	err = c.ep.send(brokerMsg{
		Type:    msgAnswer,
		Dst:     c.peer,
		Payload: mustJSON(sdpPayload{SDP: *sdp, Type: connTypeMedia, ConnectionID: c.cid}),
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.logger.Info().Msg("answer sent")
	return nil
}

func (c *mediaCall) applyAnswer(sdp webrtc.SessionDescription) {
	if !c.outbound {
		c.logger.Warn().Msg("answer for inbound call ignored")
		return
	}
	if err := c.setRemote(sdp); err != nil {
		c.fail(fmt.Errorf("remote answer: %w", err))
	}
}

// setRemote applies the remote description and flushes queued candidates.
func (c *mediaCall) setRemote(sdp webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		c.applyCandidate(cand)
	}
	return nil
}

func (c *mediaCall) addCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyCandidate(cand)
}

func (c *mediaCall) applyCandidate(cand webrtc.ICECandidateInit) {
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.logger.Warn().Err(err).Msg("remote candidate rejected")
	}
}

func (c *mediaCall) addTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	if c.remote == nil {
		c.remote = newRemoteStream(c.peer, c.ep.opts.Sink, c.logger)
	}
	rs := c.remote
	fn := c.onStream
	fire := fn != nil && !c.streamSent
	if fire {
		c.streamSent = true
	}
	c.mu.Unlock()

	rs.attach(track, receiver)
	if fire {
		fn(rs)
	}
}

func (c *mediaCall) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	rs := c.remote
	fire := rs != nil && !c.streamSent
	if fire {
		c.streamSent = true
	}
	c.mu.Unlock()
	if fire {
		fn(rs)
	}
}

// OnClose sets the close handler; a failure that happened before it was
// set is delivered right away.
func (c *mediaCall) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed && c.failErr != nil {
		err := c.failErr
		c.failErr = nil
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

func (c *mediaCall) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail tears the call down from the remote or network side and reports it.
func (c *mediaCall) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	if fn == nil {
		c.failErr = err
		if err == nil {
			c.failErr = errCallClosed
		}
	}
	rs := c.remote
	unsent := !c.streamSent
	c.mu.Unlock()

	c.release(rs, unsent)
	c.logger.Warn().Err(err).Msg("call ended")
	if fn != nil {
		fn(err)
	}
}

// Close ends the call locally without firing OnClose.
func (c *mediaCall) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rs := c.remote
	unsent := !c.streamSent
	c.mu.Unlock()

	c.release(rs, unsent)
	c.logger.Info().Msg("call closed")
}

// release closes the connection. A remote stream never handed out is
// stopped here; a delivered one belongs to the session.
func (c *mediaCall) release(rs *remoteStream, unsent bool) {
	close(c.done)
	c.ep.forget(c.cid)
	if rs != nil && unsent {
		rs.Stop()
	}
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	}
}
