// Package dsp holds the audio enhancement stages applied to captured
// microphone audio before it is encoded.
//
// Samples are float32 in [-1, 1], channel interleaved.
package dsp

import (
	"errors"
	"math"
)

var ErrBadParams = errors.New("dsp: invalid parameters")

// Processor transforms one interleaved block in place.
type Processor interface {
	Process(samples []float32, channels int)
}

// Chain runs processors in order.
type Chain []Processor

func (c Chain) Process(samples []float32, channels int) {
	for _, p := range c {
		p.Process(samples, channels)
	}
}

// HighPass is a first-order high-pass filter, one state per channel.
type HighPass struct {
	alpha   float32
	prevIn  []float32
	prevOut []float32
}

func NewHighPass(cutoffHz float64, sampleRate int) (*HighPass, error) {
	if cutoffHz <= 0 || sampleRate <= 0 || cutoffHz >= float64(sampleRate)/2 {
		return nil, ErrBadParams
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / float64(sampleRate)
	return &HighPass{alpha: float32(rc / (rc + dt))}, nil
}

func (h *HighPass) Process(samples []float32, channels int) {
	if channels <= 0 {
		return
	}
	if len(h.prevIn) != channels {
		h.prevIn = make([]float32, channels)
		h.prevOut = make([]float32, channels)
	}
	for i, x := range samples {
		ch := i % channels
		y := h.alpha * (h.prevOut[ch] + x - h.prevIn[ch])
		h.prevIn[ch] = x
		h.prevOut[ch] = y
		samples[i] = y
	}
}

// NoiseGate silences blocks whose RMS stays under Threshold. Once open it
// stays open for Hold blocks so word endings are not clipped.
type NoiseGate struct {
	Threshold float32
	Hold      int

	held int
}

func NewNoiseGate(threshold float32, hold int) (*NoiseGate, error) {
	if threshold < 0 || threshold >= 1 || hold < 0 {
		return nil, ErrBadParams
	}
	return &NoiseGate{Threshold: threshold, Hold: hold}, nil
}

func (g *NoiseGate) Process(samples []float32, _ int) {
	if RMS(samples) >= g.Threshold {
		g.held = g.Hold
		return
	}
	if g.held > 0 {
		g.held--
		return
	}
	clear(samples)
}

// RMS is the root mean square level of samples.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// Settings configures NewChain. A zero cutoff or threshold skips the stage.
type Settings struct {
	SampleRate     int
	HighPassCutoff float64
	GateThreshold  float32
	GateHold       int
}

// NewChain builds the enhancement pipeline: high-pass first, gate last.
func NewChain(s Settings) (Chain, error) {
	var c Chain
	if s.HighPassCutoff > 0 {
		hp, err := NewHighPass(s.HighPassCutoff, s.SampleRate)
		if err != nil {
			return nil, err
		}
		c = append(c, hp)
	}
	if s.GateThreshold > 0 {
		g, err := NewNoiseGate(s.GateThreshold, s.GateHold)
		if err != nil {
			return nil, err
		}
		c = append(c, g)
	}
	return c, nil
}

// ProcessInt16 runs p over 16-bit PCM in place. buf is scratch space and is
// returned, possibly grown, for reuse.
func ProcessInt16(p Processor, data []int16, channels int, buf []float32) []float32 {
	if cap(buf) < len(data) {
		buf = make([]float32, len(data))
	}
	buf = buf[:len(data)]
	for i, v := range data {
		buf[i] = float32(v) / math.MaxInt16
	}
	p.Process(buf, channels)
	for i, v := range buf {
		data[i] = toInt16(v)
	}
	return buf
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}
