// Package coretest provides in-memory fakes of the core interfaces for tests.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/PeerCall/internal/core"
)

type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Signal is an in-memory core.SignalChannel. Deliver plays the server side.
type Signal struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]func(json.RawMessage)
	status    []func(bool)
	emitted   []Emitted
	failing   map[string]error
}

var _ core.SignalChannel = (*Signal)(nil)

func NewSignal() *Signal {
	return &Signal{connected: true, handlers: make(map[string][]func(json.RawMessage))}
}

func (s *Signal) Emit(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return core.ErrNotConnected
	}
	if err := s.failing[event]; err != nil {
		return err
	}
	s.emitted = append(s.emitted, Emitted{Event: event, Payload: b})
	return nil
}

func (s *Signal) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *Signal) OnStatus(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, fn)
}

func (s *Signal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected flips the transport state and notifies status handlers.
func (s *Signal) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	fns := append([]func(bool){}, s.status...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// FailEmit makes every Emit of event fail with err; nil clears it.
func (s *Signal) FailEmit(event string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing == nil {
		s.failing = make(map[string]error)
	}
	s.failing[event] = err
}

// Deliver simulates an inbound server message.
func (s *Signal) Deliver(event string, payload any) {
	b, _ := json.Marshal(payload)
	s.mu.Lock()
	fns := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (s *Signal) Emitted() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted{}, s.emitted...)
}

// Count returns how many times event was emitted.
func (s *Signal) Count(event string) int {
	n := 0
	for _, e := range s.Emitted() {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Last decodes the payload of the most recent emission of event into v.
func (s *Signal) Last(event string, v any) bool {
	all := s.Emitted()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Event == event {
			return json.Unmarshal(all[i].Payload, v) == nil
		}
	}
	return false
}
