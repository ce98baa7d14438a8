package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestHighPassRemovesDC(t *testing.T) {
	hp, err := NewHighPass(80, 48000)
	require.NoError(t, err)

	block := make([]float32, 48000)
	for i := range block {
		block[i] = 0.5
	}
	hp.Process(block, 1)
	assert.InDelta(t, 0, block[len(block)-1], 0.001)
}

func TestHighPassKeepsVoiceBand(t *testing.T) {
	hp, err := NewHighPass(80, 48000)
	require.NoError(t, err)

	block := sine(1000, 48000, 4800, 0.5)
	in := RMS(block)
	hp.Process(block, 1)
	assert.InDelta(t, in, RMS(block[480:]), 0.02)
}

func TestHighPassChannelsIndependent(t *testing.T) {
	hp, err := NewHighPass(80, 48000)
	require.NoError(t, err)

	// Left is constant, right is silent: right must stay silent.
	block := make([]float32, 200)
	for i := 0; i < len(block); i += 2 {
		block[i] = 0.8
	}
	hp.Process(block, 2)
	for i := 1; i < len(block); i += 2 {
		assert.Zero(t, block[i])
	}
}

func TestHighPassRejectsBadParams(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cutoff float64
		rate   int
	}{
		{"zero cutoff", 0, 48000},
		{"zero rate", 80, 0},
		{"above nyquist", 30000, 48000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewHighPass(tc.cutoff, tc.rate)
			assert.ErrorIs(t, err, ErrBadParams)
		})
	}
}

func TestNoiseGate(t *testing.T) {
	g, err := NewNoiseGate(0.05, 1)
	require.NoError(t, err)

	loud := sine(440, 48000, 480, 0.5)
	g.Process(loud, 1)
	assert.Greater(t, RMS(loud), float32(0.3))

	// One quiet block passes on hold, the next is silenced.
	quiet := sine(440, 48000, 480, 0.01)
	g.Process(quiet, 1)
	assert.Greater(t, RMS(quiet), float32(0))

	quiet = sine(440, 48000, 480, 0.01)
	g.Process(quiet, 1)
	assert.Zero(t, RMS(quiet))
}

func TestNewChain(t *testing.T) {
	c, err := NewChain(Settings{SampleRate: 48000, HighPassCutoff: 80, GateThreshold: 0.01})
	require.NoError(t, err)
	assert.Len(t, c, 2)

	c, err = NewChain(Settings{SampleRate: 48000})
	require.NoError(t, err)
	assert.Empty(t, c)

	_, err = NewChain(Settings{SampleRate: 48000, GateThreshold: 2})
	assert.ErrorIs(t, err, ErrBadParams)
}

func TestProcessInt16(t *testing.T) {
	g, err := NewNoiseGate(0.1, 0)
	require.NoError(t, err)

	data := []int16{100, -100, 50, -50}
	buf := ProcessInt16(g, data, 1, nil)
	assert.Equal(t, []int16{0, 0, 0, 0}, data)
	assert.Len(t, buf, 4)

	data = []int16{math.MaxInt16, math.MinInt16}
	ProcessInt16(Chain{}, data, 1, buf)
	assert.Equal(t, []int16{math.MaxInt16, -math.MaxInt16}, data)
}
