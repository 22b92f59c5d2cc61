package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier records the addresses of peers we dial in the address book
// and logs libp2p connection churn.
type connNotifier struct {
	host *Host
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	cn.host.logger.Debug().
		Str("peer", shortID(remote.String())).
		Str("dir", conn.Stat().Direction.String()).
		Msg("libp2p connection opened")

	if cn.host.book == nil || conn.Stat().Direction != network.DirOutbound {
		return
	}
	info := peer.AddrInfo{ID: remote, Addrs: []multiaddr.Multiaddr{conn.RemoteMultiaddr()}}
	if err := cn.host.book.Remember(info); err != nil {
		cn.host.logger.Debug().Err(err).Msg("Remember peer address failed")
	}
}

// Disconnected is called when a connection is closed.
func (cn *connNotifier) Disconnected(_ network.Network, conn network.Conn) {
	cn.host.logger.Debug().
		Str("peer", shortID(conn.RemotePeer().String())).
		Msg("libp2p connection closed")
}

// Listen is called when the host starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the host stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
