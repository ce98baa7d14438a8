package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// CaptureConstraints describe the requested local capture.
type CaptureConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	ChannelCount     int
	MaxWidth         int
	MaxHeight        int
	FrameRate        float64
	// Enhance routes the audio track through the enhancement pipeline.
	Enhance bool
}

// MediaCapturer acquires local audio/video.
type MediaCapturer interface {
	Acquire(ctx context.Context, c CaptureConstraints) (LocalStream, error)
}

// LocalStream is the capture owned by the active session.
type LocalStream interface {
	ID() string
	// Tracks are attached to outgoing peer connections.
	Tracks() []webrtc.TrackLocal
	HasAudio() bool
	// SetAudioEnabled and SetVideoEnabled gate the tracks without renegotiation.
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	// Stop stops every track. Safe to call more than once.
	Stop()
}

// RemoteStream is the inbound media of one peer call.
type RemoteStream interface {
	ID() string
	// Stop releases every inbound track. Safe to call more than once.
	Stop()
}
