package coretest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/pion/webrtc/v4"
)

// Stream is a fake core.LocalStream / core.RemoteStream counting stops.
type Stream struct {
	id    string
	audio bool

	stops        atomic.Int32
	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
}

func NewStream(id string, audio bool) *Stream {
	s := &Stream{id: id, audio: audio}
	s.audioEnabled.Store(true)
	s.videoEnabled.Store(true)
	return s
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }
func (s *Stream) HasAudio() bool              { return s.audio }
func (s *Stream) SetAudioEnabled(v bool)      { s.audioEnabled.Store(v) }
func (s *Stream) SetVideoEnabled(v bool)      { s.videoEnabled.Store(v) }
func (s *Stream) AudioEnabled() bool          { return s.audioEnabled.Load() }
func (s *Stream) VideoEnabled() bool          { return s.videoEnabled.Load() }

// Stop counts every call so tests can detect duplicate stops.
func (s *Stream) Stop()         { s.stops.Add(1) }
func (s *Stream) Stops() int32  { return s.stops.Load() }
func (s *Stream) Stopped() bool { return s.stops.Load() > 0 }

// Capturer is a fake core.MediaCapturer. Gate, when set, blocks Acquire
// until it is closed. With IgnoreCancel the wait does not observe ctx, like a
// device prompt that cannot be withdrawn.
type Capturer struct {
	Err          error
	Gate         chan struct{}
	IgnoreCancel bool

	mu      sync.Mutex
	streams []*Stream
}

var _ core.MediaCapturer = (*Capturer)(nil)

func (c *Capturer) Acquire(ctx context.Context, _ core.CaptureConstraints) (core.LocalStream, error) {
	if c.Gate != nil && c.IgnoreCancel {
		<-c.Gate
	} else if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := NewStream("local", true)
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *Capturer) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream{}, c.streams...)
}
