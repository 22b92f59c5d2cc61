// Package relay implements the inventory, getdata and block exchange that
// keeps peers on the same best chain.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/internal/event"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
	"github.com/Klingon-tech/klingnet-relay/internal/wire"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// ErrRequestTimeout is carried by RelayFailure events for blocks no peer
// delivered in time.
var ErrRequestTimeout = errors.New("block request timed out")

// Chain is the block store the engine applies to.
type Chain interface {
	TryApply(blk *block.Block) chain.Outcome
	HasBlock(hash types.Hash) bool
	IsOrphan(hash types.Hash) bool
	GetBlock(hash types.Hash) (*block.Block, error)
	BestTip() chain.Tip
	Halted() error
}

// PeerSet lists the connections the engine talks to.
type PeerSet interface {
	ReadyPeers() []*p2p.Peer
}

// Defaults.
const (
	DefaultRequestTimeout = 20 * time.Second
	DefaultMaxRetries     = 3
	minSweepInterval      = 50 * time.Millisecond
)

// Options tunes an engine.
type Options struct {
	RequestTimeout time.Duration
	MaxRetries     int // Re-requests after the first; negative means none.
	Trust          *p2p.Trust
	Events         *event.Bus
	Now            func() time.Time
	Logger         *zerolog.Logger

	// OnApplied, when set, runs for every batch of blocks a peer's block
	// applied, before the batch is relayed. It runs under the engine lock.
	OnApplied func(blocks []*block.Block)
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Trust == nil {
		o.Trust = p2p.NewTrust(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := klog.Relay
		o.Logger = &l
	}
}

// Engine decides which blocks to request, applies delivered blocks and
// re-announces what the chain accepted. It is the production p2p.Handler.
type Engine struct {
	mu       sync.Mutex // Serialises every handler method.
	chain    Chain
	peers    PeerSet
	opts     Options
	inflight *tracker
	logger   zerolog.Logger
}

var _ p2p.Handler = (*Engine)(nil)

// New creates an engine over c, talking to peers.
func New(c Chain, peers PeerSet, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		chain:    c,
		peers:    peers,
		opts:     opts,
		inflight: newTracker(),
		logger:   *opts.Logger,
	}
}

// InFlight returns the number of outstanding block requests.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight.len()
}

// OnHandshake asks a peer that claims a higher chain for its tip, and
// announces our tip to a peer that is behind. The peer's height is the one
// it had when it sent Version, so blocks applied since then reach it here.
func (e *Engine) OnHandshake(p *p2p.Peer, v *wire.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()

	local := e.chain.BestTip()
	switch {
	case v.BestHeight > local.Height:
		e.logger.Debug().
			Str("peer", p.ID()).
			Uint64("peer_height", v.BestHeight).
			Uint64("height", local.Height).
			Msg("Peer ahead, asking for tip")
		if err := p.Send(&wire.GetTip{}); err != nil {
			e.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Send gettip failed")
		}
	case v.BestHeight < local.Height && !p.KnowsInventory(local.Hash):
		e.logger.Debug().
			Str("peer", p.ID()).
			Uint64("peer_height", v.BestHeight).
			Uint64("height", local.Height).
			Msg("Peer behind, announcing tip")
		p.AddKnownInventory(local.Hash)
		if err := p.Send(&wire.Inventory{Items: []wire.InvItem{wire.BlockItem(local.Hash)}}); err != nil {
			e.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Send inventory failed")
		}
	}
}

// OnTip requests a reported tip block we do not have. Its ancestors are
// then fetched one by one as orphan parents.
func (e *Engine) OnTip(p *p2p.Peer, tip *wire.Tip) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p.AddKnownInventory(tip.Hash)
	if tip.Height <= e.chain.BestTip().Height {
		return
	}
	e.request(p, []types.Hash{tip.Hash})
}

// OnInventory requests every announced block that is neither known nor
// already in flight.
func (e *Engine) OnInventory(p *p2p.Peer, inv *wire.Inventory) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var want []types.Hash
	for _, it := range inv.Items {
		if it.Type != wire.InvTypeBlock {
			continue
		}
		p.AddKnownInventory(it.Hash)
		want = append(want, it.Hash)
	}
	e.request(p, want)
}

// request sends one GetData to p for the hashes that still need fetching
// and tracks them. Hashes in flight elsewhere are left to the tracker: p
// knows them now and becomes a retry candidate.
func (e *Engine) request(p *p2p.Peer, hashes []types.Hash) {
	deadline := e.opts.Now().Add(e.opts.RequestTimeout)
	var items []wire.InvItem
	for _, h := range hashes {
		if e.chain.HasBlock(h) || e.chain.IsOrphan(h) || e.inflight.has(h) {
			continue
		}
		e.inflight.add(h, p.ID(), deadline)
		items = append(items, wire.BlockItem(h))
	}
	if len(items) == 0 {
		return
	}
	if err := p.Send(&wire.GetData{Items: items}); err != nil {
		// The disconnect callback moves these requests to other peers.
		e.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Send getdata failed")
		return
	}
	e.logger.Debug().Str("peer", p.ID()).Int("items", len(items)).Msg("Requested blocks")
}

// OnGetData serves every requested block we have. Unknown items are
// ignored, and so is everything while the chain is halted.
func (e *Engine) OnGetData(p *p2p.Peer, req *wire.GetData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.chain.Halted() != nil {
		return
	}
	for _, it := range req.Items {
		if it.Type != wire.InvTypeBlock {
			continue
		}
		blk, err := e.chain.GetBlock(it.Hash)
		if err != nil {
			continue
		}
		p.AddKnownInventory(it.Hash)
		if err := p.Send(&wire.Block{Block: blk}); err != nil {
			e.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Send block failed")
			return
		}
	}
}

// OnBlock applies a delivered block, solicited or not.
func (e *Engine) OnBlock(p *p2p.Peer, m *wire.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.Block == nil || m.Block.Header == nil {
		return
	}
	blk := m.Block
	hash := blk.Hash()
	e.inflight.remove(hash)
	p.AddKnownInventory(hash)

	out := e.chain.TryApply(blk)
	if errors.Is(out.Err, chain.ErrHalted) {
		e.logger.Error().Err(out.Err).Str("hash", hash.Short()).Msg("Chain halted, relay stopped")
		e.publish(event.Event{Kind: event.Fatal, Peer: p.ID(), Hash: hash, Err: out.Err})
		return
	}

	switch out.Result {
	case chain.Applied:
		if e.opts.OnApplied != nil {
			e.opts.OnApplied(out.Applied)
		}
		for _, b := range out.Applied {
			e.publish(event.Event{Kind: event.BlockApplied, Peer: p.ID(), Hash: b.Hash(), Height: b.Header.Height})
		}
		e.relay(out.Applied, p)

	case chain.Orphan:
		e.publish(event.Event{Kind: event.BlockOrphaned, Peer: p.ID(), Hash: hash, Height: blk.Header.Height})
		e.request(p, []types.Hash{out.Missing})

	case chain.Duplicate:

	case chain.Invalid:
		e.opts.Trust.RecordOffense(p.Identity(), p2p.PenaltyInvalidBlock, out.Err.Error())
		e.logger.Warn().
			Err(out.Err).
			Str("peer", p.ID()).
			Str("hash", hash.Short()).
			Msg("Invalid block")
		e.publish(event.Event{Kind: event.BlockInvalid, Peer: p.ID(), Hash: hash, Height: blk.Header.Height, Err: out.Err})
	}
}

// Announce sends locally produced blocks to every Ready peer.
func (e *Engine) Announce(blocks []*block.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relay(blocks, nil)
}

// relay announces blocks to every Ready peer except from that does not
// know them yet, one Inventory per peer.
func (e *Engine) relay(blocks []*block.Block, from *p2p.Peer) {
	for _, peer := range e.peers.ReadyPeers() {
		if peer == from {
			continue
		}
		var items []wire.InvItem
		for _, b := range blocks {
			h := b.Hash()
			if peer.KnowsInventory(h) {
				continue
			}
			peer.AddKnownInventory(h)
			items = append(items, wire.BlockItem(h))
		}
		if len(items) == 0 {
			continue
		}
		if err := peer.Send(&wire.Inventory{Items: items}); err != nil {
			e.logger.Debug().Err(err).Str("peer", peer.ID()).Msg("Send inventory failed")
		}
	}
}

// PeerDisconnected moves a closed peer's requests to other peers at once.
func (e *Engine) PeerDisconnected(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.inflight.byPeer(id) {
		e.retry(r, e.opts.Now())
	}
}

// Run sweeps expired requests until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.opts.RequestTimeout / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep retries or drops every expired request.
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now()
	for _, r := range e.inflight.expired(now) {
		e.retry(r, now)
	}
}

// retry re-sends r to a Ready peer that knows the hash and was not asked
// yet, or drops it once the retries are used up.
func (e *Engine) retry(r *request, now time.Time) {
	if r.attempts <= e.opts.MaxRetries {
		for _, peer := range e.peers.ReadyPeers() {
			if _, done := r.tried[peer.ID()]; done || !peer.KnowsInventory(r.hash) {
				continue
			}
			if err := peer.Send(&wire.GetData{Items: []wire.InvItem{wire.BlockItem(r.hash)}}); err != nil {
				continue
			}
			prev := r.peer
			r.peer = peer.ID()
			r.tried[peer.ID()] = struct{}{}
			r.attempts++
			r.deadline = now.Add(e.opts.RequestTimeout)
			e.logger.Debug().
				Str("hash", r.hash.Short()).
				Str("from", prev).
				Str("to", peer.ID()).
				Int("attempt", r.attempts).
				Msg("Retrying block request")
			e.publish(event.Event{Kind: event.RelayRetry, Peer: peer.ID(), Hash: r.hash})
			return
		}
	}

	e.inflight.remove(r.hash)
	e.logger.Warn().
		Str("hash", r.hash.Short()).
		Str("peer", r.peer).
		Int("attempts", r.attempts).
		Msg("Block request failed")
	e.publish(event.Event{Kind: event.RelayFailure, Peer: r.peer, Hash: r.hash, Err: ErrRequestTimeout})
}

func (e *Engine) publish(ev event.Event) {
	ev.Time = e.opts.Now()
	e.opts.Events.Publish(ev)
}
