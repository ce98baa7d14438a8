package core

import "github.com/dkeye/PeerCall/internal/domain"

// PeerEndpoint is one registration of this client at the peer broker.
// Callbacks must be set before Start.
type PeerEndpoint interface {
	ID() domain.PeerID
	// Start begins registering. Open or error is reported through callbacks.
	Start() error
	OnOpen(func())
	OnError(func(error))
	// OnCall is invoked for every inbound call offer.
	OnCall(func(MediaCall))
	// OnDisconnected reports broker transport loss; calls in flight may survive it.
	OnDisconnected(func())
	// Call originates an outbound media call.
	Call(partner domain.PeerID, local LocalStream) (MediaCall, error)
	// Destroy closes all calls and unregisters. Safe to call more than once.
	Destroy()
}

// PeerEndpointFactory creates endpoints, one per peer manager instance.
type PeerEndpointFactory interface {
	NewEndpoint(id domain.PeerID) (PeerEndpoint, error)
}

// MediaCall is one peer-to-peer media connection.
type MediaCall interface {
	Peer() domain.PeerID
	// Answer accepts an inbound call with the local stream.
	Answer(local LocalStream) error
	// OnStream fires once, when inbound media first arrives.
	OnStream(func(RemoteStream))
	// OnClose fires once, on close or on error (err is nil for a plain close).
	OnClose(func(err error))
	// Close is idempotent and does not fire OnClose.
	Close()
}
