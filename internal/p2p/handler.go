package p2p

import "github.com/Klingon-tech/klingnet-relay/internal/wire"

// Handler receives the block-relay messages of Ready peers. Calls for one
// peer arrive in order from that peer's read goroutine.
type Handler interface {
	OnHandshake(p *Peer, v *wire.Version)
	OnInventory(p *Peer, inv *wire.Inventory)
	OnGetData(p *Peer, req *wire.GetData)
	OnBlock(p *Peer, b *wire.Block)
}

// Observer is told about every message a peer reads or writes.
type Observer interface {
	MessageReceived(tag string)
	MessageSent(tag string)
}

type nopObserver struct{}

func (nopObserver) MessageReceived(string) {}
func (nopObserver) MessageSent(string)     {}
