package node

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
	"github.com/Klingon-tech/klingnet-relay/internal/wire"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Probe is a passive test peer. It completes the handshake, requests
// every announced block and counts what it receives. It never relays.
type Probe struct {
	sup     *Supervisor
	genesis types.Hash

	mu       sync.Mutex
	messages map[string]int
	blocks   map[types.Hash]int
	changed  chan struct{}
}

// NewProbe creates a probe for the network with the given genesis hash.
func NewProbe(genesis types.Hash, cfg p2p.PeerConfig) *Probe {
	pr := &Probe{
		genesis:  genesis,
		messages: make(map[string]int),
		blocks:   make(map[types.Hash]int),
		changed:  make(chan struct{}),
	}
	cfg.Genesis = genesis
	if cfg.Nonce == 0 {
		cfg.Nonce = rand.Uint64()
	}
	cfg.Observer = pr
	pr.sup = NewSupervisor(SupervisorOptions{Chain: pr, Peer: cfg})
	pr.sup.SetHandler(pr)
	return pr
}

// Connect dials a node and waits for the handshake.
func (pr *Probe) Connect(ctx context.Context, addr string) (string, error) {
	return pr.sup.Connect(ctx, addr)
}

// Supervisor returns the probe's connection owner.
func (pr *Probe) Supervisor() *Supervisor { return pr.sup }

// Close drops every connection.
func (pr *Probe) Close() { pr.sup.Close() }

// BestTip reports the genesis block; a probe holds no chain.
func (pr *Probe) BestTip() chain.Tip {
	return chain.Tip{Hash: pr.genesis}
}

// MessageCount returns how many messages with tag arrived.
func (pr *Probe) MessageCount(tag wire.Tag) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.messages[tag.String()]
}

// BlockCount returns how many times the block arrived.
func (pr *Probe) BlockCount(hash types.Hash) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.blocks[hash]
}

// WaitForBlock blocks until the block has arrived at least once.
func (pr *Probe) WaitForBlock(ctx context.Context, hash types.Hash, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		pr.mu.Lock()
		n := pr.blocks[hash]
		changed := pr.changed
		pr.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MessageReceived implements p2p.Observer.
func (pr *Probe) MessageReceived(tag string) {
	pr.mu.Lock()
	pr.messages[tag]++
	pr.mu.Unlock()
}

// MessageSent implements p2p.Observer.
func (pr *Probe) MessageSent(string) {}

func (pr *Probe) OnHandshake(*p2p.Peer, *wire.Version) {}

func (pr *Probe) OnInventory(p *p2p.Peer, inv *wire.Inventory) {
	var items []wire.InvItem
	for _, it := range inv.Items {
		if it.Type == wire.InvTypeBlock {
			items = append(items, it)
		}
	}
	if len(items) > 0 {
		_ = p.Send(&wire.GetData{Items: items})
	}
}

func (pr *Probe) OnGetData(*p2p.Peer, *wire.GetData) {}

func (pr *Probe) OnBlock(_ *p2p.Peer, m *wire.Block) {
	if m.Block == nil {
		return
	}
	pr.mu.Lock()
	pr.blocks[m.Block.Hash()]++
	close(pr.changed)
	pr.changed = make(chan struct{})
	pr.mu.Unlock()
}

func (pr *Probe) OnTip(*p2p.Peer, *wire.Tip) {}

func (pr *Probe) PeerDisconnected(string) {}
