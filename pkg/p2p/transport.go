package p2p

import (
	"errors"

	"github.com/uhyunpark/hypermarket/pkg/wire"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("transport closed")
	ErrQueueFull   = errors.New("outbound queue full")
)

// Handlers are invoked from transport goroutines. Implementations are
// expected to hand the work to their own event loop and return quickly.
type Handlers struct {
	OnMessage func(from wire.PeerID, msg wire.Message)
	// OnPeer fires when a connection to peer is established.
	OnPeer func(peer wire.PeerID)
}

// Transport moves messages between peers. Send is best effort: a nil error
// only means the message was queued.
type Transport interface {
	Self() wire.PeerID
	Send(to wire.PeerID, msg wire.Message) error
	SetHandlers(h Handlers)
	Close() error
}

// Announcer broadcasts to every reachable peer.
type Announcer interface {
	Announce(msg wire.Message) error
}
