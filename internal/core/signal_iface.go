package core

import (
	"encoding/json"
	"errors"
)

// Frame is a raw encoded signaling message.
type Frame []byte

var (
	ErrNotConnected = errors.New("signal transport not connected")
	ErrBackpressure = errors.New("backpressure")
)

// SignalChannel is the client side of the matching server connection.
// Owned by the adapter; handlers are invoked from the adapter's read loop
// and must not block.
type SignalChannel interface {
	// Emit encodes payload and queues it. Fails with ErrNotConnected when
	// the transport is down.
	Emit(event string, payload any) error
	// On registers a handler for an inbound event.
	On(event string, fn func(data json.RawMessage))
	// OnStatus registers a handler for transport up/down changes.
	OnStatus(fn func(connected bool))
	Connected() bool
}
