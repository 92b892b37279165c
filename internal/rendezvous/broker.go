// Package rendezvous abstracts the connection broker: the external
// service that assigns peer identifiers and relays connection setup so
// two nodes can open a direct link. The session layer depends only on
// these interfaces, never on a concrete transport.
package rendezvous

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/oselabs/peerchat/internal/domain"
)

var (
	// ErrBrokerUnavailable: the broker itself could not be reached while
	// opening our own identity.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrPeerUnreachable: the target identifier does not resolve to a
	// live peer on the broker.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransportUnsupported: the transport cannot run in this
	// environment at all.
	ErrTransportUnsupported = errors.New("transport unsupported")
)

// Broker is one node's identity on the rendezvous substrate.
// Open must complete before Connect or Call; Close destroys the
// identity and every link opened through it.
type Broker interface {
	// Open registers with the broker and returns the assigned peer id.
	Open(ctx context.Context) (domain.PeerID, error)

	// Connect opens an outbound direct link to the given peer. The
	// returned link is not usable until its open callback has fired.
	Connect(ctx context.Context, peer domain.PeerID) (Link, error)

	// Call places an outbound media call to the given peer, carrying the
	// local track.
	Call(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) (Call, error)

	// OnConnection registers the handler for inbound links.
	OnConnection(fn func(Link))

	// OnCall registers the handler for inbound media calls.
	OnCall(fn func(Call))

	// OnError registers the handler for broker-level failures.
	OnError(fn func(error))

	// OnDisconnected fires when the signaling connection to the broker
	// drops. Existing direct links stay up.
	OnDisconnected(fn func())

	Close() error
}

// Link is one bidirectional data link to a single peer. Delivery is
// reliable and ordered per link; there is no cross-link ordering.
// Owned by whoever stores it in the connection table; they must Close it.
type Link interface {
	Peer() domain.PeerID

	// Ready reports whether the link is currently open for sending.
	Ready() bool

	Send(payload []byte) error

	// OnOpen fires once when the link becomes usable.
	OnOpen(fn func())
	OnData(fn func(payload []byte))
	OnClose(fn func())
	OnError(fn func(error))

	Close() error
}

// Call is one media call to a single peer, independent of any data link.
type Call interface {
	Peer() domain.PeerID

	// Answer accepts an inbound call. A nil track answers receive-only.
	Answer(track webrtc.TrackLocal) error

	// OnTrack fires when the remote side's audio arrives.
	OnTrack(fn func(track *webrtc.TrackRemote))

	OnClose(fn func())

	Close() error
}
