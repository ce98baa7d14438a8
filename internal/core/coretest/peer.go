package coretest

import (
	"errors"
	"sync"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
)

// Endpoint is a fake core.PeerEndpoint driven by the test.
type Endpoint struct {
	id domain.PeerID
	// AutoOpen reports open right inside Start.
	AutoOpen bool

	mu        sync.Mutex
	onOpen    func()
	onError   func(error)
	onCall    func(core.MediaCall)
	onDisc    func()
	calls     []*Call
	started   bool
	destroyed int
}

var _ core.PeerEndpoint = (*Endpoint)(nil)

func (e *Endpoint) ID() domain.PeerID { return e.id }

func (e *Endpoint) Start() error {
	e.mu.Lock()
	e.started = true
	auto := e.AutoOpen
	e.mu.Unlock()
	if auto {
		e.Open()
	}
	return nil
}

func (e *Endpoint) OnOpen(fn func())               { e.mu.Lock(); e.onOpen = fn; e.mu.Unlock() }
func (e *Endpoint) OnError(fn func(error))         { e.mu.Lock(); e.onError = fn; e.mu.Unlock() }
func (e *Endpoint) OnCall(fn func(core.MediaCall)) { e.mu.Lock(); e.onCall = fn; e.mu.Unlock() }
func (e *Endpoint) OnDisconnected(fn func())       { e.mu.Lock(); e.onDisc = fn; e.mu.Unlock() }

func (e *Endpoint) Call(partner domain.PeerID, local core.LocalStream) (core.MediaCall, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed > 0 {
		return nil, errors.New("endpoint destroyed")
	}
	c := NewCall(partner)
	c.Local = local
	c.Outbound = true
	e.calls = append(e.calls, c)
	return c, nil
}

func (e *Endpoint) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed++
}

// Open simulates the broker confirming registration.
func (e *Endpoint) Open() {
	e.mu.Lock()
	fn := e.onOpen
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Endpoint) Fail(err error) {
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	fn := e.onDisc
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Incoming simulates a remote party calling this endpoint.
func (e *Endpoint) Incoming(from domain.PeerID) *Call {
	c := NewCall(from)
	e.mu.Lock()
	fn := e.onCall
	e.calls = append(e.calls, c)
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return c
}

func (e *Endpoint) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Call{}, e.calls...)
}

func (e *Endpoint) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Endpoint) Destroyed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// EndpointFactory hands out fake endpoints and remembers them.
type EndpointFactory struct {
	AutoOpen bool
	Err      error

	mu        sync.Mutex
	endpoints []*Endpoint
}

var _ core.PeerEndpointFactory = (*EndpointFactory)(nil)

func (f *EndpointFactory) NewEndpoint(id domain.PeerID) (core.PeerEndpoint, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &Endpoint{id: id, AutoOpen: f.AutoOpen}
	f.endpoints = append(f.endpoints, e)
	return e, nil
}

func (f *EndpointFactory) Endpoints() []*Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Endpoint{}, f.endpoints...)
}

// Last returns the most recently created endpoint or nil.
func (f *EndpointFactory) Last() *Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.endpoints) == 0 {
		return nil
	}
	return f.endpoints[len(f.endpoints)-1]
}

// Call is a fake core.MediaCall.
type Call struct {
	peer     domain.PeerID
	Local    core.LocalStream
	Outbound bool
	// AnswerErr is returned from Answer when set.
	AnswerErr error

	mu       sync.Mutex
	onStream func(core.RemoteStream)
	onClose  func(error)
	answered bool
	closed   int
}

var _ core.MediaCall = (*Call)(nil)

func NewCall(peer domain.PeerID) *Call { return &Call{peer: peer} }

func (c *Call) Peer() domain.PeerID { return c.peer }

func (c *Call) Answer(local core.LocalStream) error {
	if c.AnswerErr != nil {
		return c.AnswerErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	c.Local = local
	return nil
}

func (c *Call) OnStream(fn func(core.RemoteStream)) { c.mu.Lock(); c.onStream = fn; c.mu.Unlock() }
func (c *Call) OnClose(fn func(error))              { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }

func (c *Call) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

// Stream simulates inbound media arriving.
func (c *Call) Stream(rs core.RemoteStream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
}

// Drop simulates the remote side closing or the connection failing.
func (c *Call) Drop(err error) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

func (c *Call) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
