// Package capture implements core.MediaCapturer on pion/mediadevices.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/PeerCall/internal/adapters/capture/transform"
	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/dsp"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera drivers
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone drivers
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	AudioBitRate   int
	VideoBitRate   int
	GateThreshold  float64
	GateHold       int
	HighPassCutoff float64
}

// Capturer opens the default camera and microphone.
type Capturer struct {
	opts   Options
	codecs *mediadevices.CodecSelector
	logger zerolog.Logger
}

var _ core.MediaCapturer = (*Capturer)(nil)

func New(opts Options) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	if opts.AudioBitRate > 0 {
		opusParams.BitRate = opts.AudioBitRate
	}
	opusParams.Latency = opus.Latency20ms

	return &Capturer{
		opts: opts,
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: log.With().Str("module", "adapters.capture").Logger(),
	}, nil
}

// RegisterCodecs adds the capture encoders to a peer connection media engine.
func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	c.codecs.Populate(me)
	return nil
}

type captured struct {
	stream mediadevices.MediaStream
	err    error
}

// Acquire opens the devices. The device call itself cannot be cancelled; if
// ctx ends first the tracks are closed as soon as they arrive.
func (c *Capturer) Acquire(ctx context.Context, cons core.CaptureConstraints) (core.LocalStream, error) {
	res := make(chan captured, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(c.constraints(cons))
		res <- captured{stream: s, err: err}
	}()

	var r captured
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if late := <-res; late.err == nil {
				closeTracks(late.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		c.logger.Error().Err(r.err).Msg("getUserMedia failed")
		return nil, r.err
	}
	return c.wrap(r.stream, cons), nil
}

func (c *Capturer) constraints(cons core.CaptureConstraints) mediadevices.MediaStreamConstraints {
	if cons.EchoCancellation {
		c.logger.Debug().Msg("echo cancellation is left to the capture driver")
	}
	return mediadevices.MediaStreamConstraints{
		Audio: func(m *mediadevices.MediaTrackConstraints) {
			m.SampleRate = prop.Int(cons.SampleRate)
			m.ChannelCount = prop.Int(cons.ChannelCount)
			m.SampleSize = prop.Int(16)
			m.IsFloat = prop.BoolExact(false)
			m.IsInterleaved = prop.BoolExact(true)
			m.Latency = prop.Duration(20 * time.Millisecond)
		},
		Video: func(m *mediadevices.MediaTrackConstraints) {
			m.Width = prop.Int(cons.MaxWidth)
			m.Height = prop.Int(cons.MaxHeight)
			m.FrameRate = prop.Float(cons.FrameRate)
		},
		Codec: c.codecs,
	}
}

func (c *Capturer) wrap(ms mediadevices.MediaStream, cons core.CaptureConstraints) *localStream {
	ls := &localStream{id: uuid.NewString(), tracks: ms.GetTracks()}
	ls.audioOn.Store(true)
	ls.videoOn.Store(true)
	logger := c.logger.With().Str("stream", ls.id).Logger()

	for _, t := range ls.tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
			}
		})
		switch tr := t.(type) {
		case *mediadevices.AudioTrack:
			ls.hasAudio = true
			if cons.Enhance || cons.NoiseSuppression {
				c.enhance(tr, cons, logger)
			}
			tr.Transform(transform.Mute(&ls.audioOn))
		case *mediadevices.VideoTrack:
			tr.Transform(transform.Blank(&ls.videoOn))
		}
	}
	logger.Info().Int("tracks", len(ls.tracks)).Bool("audio", ls.hasAudio).Msg("local media captured")
	return ls
}

// enhance installs the dsp chain. Any failure leaves the raw track in place.
func (c *Capturer) enhance(tr *mediadevices.AudioTrack, cons core.CaptureConstraints, logger zerolog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			logger.Warn().Interface("panic", v).Msg("enhancement not installed, using raw audio")
		}
	}()
	chain, err := dsp.NewChain(dsp.Settings{
		SampleRate:     cons.SampleRate,
		HighPassCutoff: c.opts.HighPassCutoff,
		GateThreshold:  float32(c.opts.GateThreshold),
		GateHold:       c.opts.GateHold,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("enhancement not installed, using raw audio")
		return
	}
	if len(chain) == 0 {
		return
	}
	tr.Transform(transform.Enhance(chain, func(v any) {
		logger.Warn().Interface("panic", v).Msg("enhancement failed, using raw audio")
	}))
}

type localStream struct {
	id       string
	tracks   []mediadevices.Track
	hasAudio bool

	audioOn atomic.Bool
	videoOn atomic.Bool
	stop    sync.Once
}

func (s *localStream) ID() string     { return s.id }
func (s *localStream) HasAudio() bool { return s.hasAudio }

func (s *localStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *localStream) SetAudioEnabled(v bool) { s.audioOn.Store(v) }
func (s *localStream) SetVideoEnabled(v bool) { s.videoOn.Store(v) }

func (s *localStream) Stop() {
	s.stop.Do(func() {
		closeTracks(s.tracks)
		log.Info().Str("module", "adapters.capture").Str("stream", s.id).Msg("local media stopped")
	})
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Warn().Str("module", "adapters.capture").Err(err).Str("track", t.ID()).Msg("track close failed")
		}
	}
}
