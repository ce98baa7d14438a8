package peer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Sink receives inbound media packets. It runs on the track's reader
// goroutine and must not block.
type Sink func(from domain.PeerID, track *webrtc.TrackRemote, pkt *rtp.Packet)

// remoteStream groups the inbound tracks of one call and reads them until
// stopped.
type remoteStream struct {
	id     string
	peer   domain.PeerID
	sink   Sink
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	receivers []*webrtc.RTPReceiver
	stop      sync.Once

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newRemoteStream(peer domain.PeerID, sink Sink, logger zerolog.Logger) *remoteStream {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &remoteStream{
		id:     id,
		peer:   peer,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("remote_stream", id).Logger(),
	}
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	s.receivers = append(s.receivers, receiver)
	s.mu.Unlock()
	go s.drain(track)
}

// drain reads RTP packets from one track and hands them to the sink.
func (s *remoteStream) drain(track *webrtc.TrackRemote) {
	logger := s.logger.With().Str("kind", track.Kind().String()).Logger()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Debug().Err(err).Msg("remote track read stopped")
			}
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if s.sink != nil {
			s.sink(s.peer, track, pkt)
		}
	}
}

func (s *remoteStream) Stop() {
	s.stop.Do(func() {
		s.mu.Lock()
		s.cancel()
		receivers := s.receivers
		s.receivers = nil
		s.mu.Unlock()
		for _, r := range receivers {
			if err := r.Stop(); err != nil {
				s.logger.Debug().Err(err).Msg("receiver stop")
			}
		}
		s.logger.Info().
			Uint64("packets", s.packets.Load()).
			Uint64("bytes", s.bytes.Load()).
			Msg("remote stream stopped")
	})
}
