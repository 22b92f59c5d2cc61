package p2p

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// BlockProtocol is the libp2p stream protocol carrying wire frames.
const BlockProtocol = protocol.ID("/klingnet-relay/block/1.0.0")

// Rendezvous returns the discovery namespace for a network.
func Rendezvous(network string) string {
	return "klingnet-relay/" + network
}

// Connection errors.
var (
	ErrHandshake    = errors.New("handshake failed")
	ErrPeerClosed   = errors.New("peer closed")
	ErrNotReady     = errors.New("peer not ready")
	ErrSlowPeer     = errors.New("outbound queue full")
	ErrIdleTimeout  = errors.New("peer idle")
	ErrAlreadyStart = errors.New("peer already started")
)

// ProtocolError closes a connection whose peer broke the protocol. Err
// wraps wire.ErrMalformedFrame or ErrHandshake.
type ProtocolError struct {
	Peer   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %s: %v", e.Peer, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
