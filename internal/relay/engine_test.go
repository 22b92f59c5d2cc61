package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/internal/event"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
	"github.com/Klingon-tech/klingnet-relay/internal/storage"
	"github.com/Klingon-tech/klingnet-relay/internal/wire"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

func leakCheck(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// peerSet is a fixed list of peers.
type peerSet struct {
	mu    sync.Mutex
	peers []*p2p.Peer
}

func (s *peerSet) add(p *p2p.Peer) {
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
}

func (s *peerSet) ReadyPeers() []*p2p.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*p2p.Peer
	for _, p := range s.peers {
		if p.Ready() {
			out = append(out, p)
		}
	}
	return out
}

// remote is the far side of a Ready peer. Everything the engine sends
// through the peer shows up on msgs.
type remote struct {
	peer *p2p.Peer
	conn net.Conn
	msgs chan wire.Message
}

func newRemote(t *testing.T, id string, genesis types.Hash, bestHeight uint64) *remote {
	t.Helper()
	ca, cb := net.Pipe()
	p := p2p.NewPeer(p2p.PeerInfo{ID: id, Identity: "ident-" + id, Addr: "pipe"}, ca, p2p.PeerConfig{
		Genesis:          genesis,
		Nonce:            1,
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Hour,
		IdleTimeout:      time.Hour,
	}, p2p.PeerEvents{})
	if err := p.Start(); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	r := &remote{peer: p, conn: cb, msgs: make(chan wire.Message, 64)}

	dec := wire.NewDecoder()
	read := func() wire.Message {
		_ = cb.SetReadDeadline(time.Now().Add(3 * time.Second))
		msg, err := wire.ReadMessage(cb, dec)
		if err != nil {
			t.Fatalf("%s handshake read: %v", id, err)
		}
		return msg
	}
	write := func(msg wire.Message) {
		_ = cb.SetWriteDeadline(time.Now().Add(3 * time.Second))
		if _, err := cb.Write(wire.Encode(msg)); err != nil {
			t.Fatalf("%s handshake write: %v", id, err)
		}
	}
	if _, ok := read().(*wire.Version); !ok {
		t.Fatalf("%s: expected Version", id)
	}
	write(&wire.Version{ProtocolVersion: config.ProtocolVersion, Genesis: genesis, BestHeight: bestHeight, Nonce: 2})
	write(&wire.Verack{})
	if _, ok := read().(*wire.Verack); !ok {
		t.Fatalf("%s: expected Verack", id)
	}
	_ = cb.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := wire.ReadMessage(cb, dec)
			if err != nil {
				return
			}
			r.msgs <- msg
		}
	}()
	t.Cleanup(func() {
		p.Close(nil)
		<-p.Done()
		cb.Close()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for !p.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("%s stuck in %s", id, p.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r
}

func (r *remote) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case msg := <-r.msgs:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: no message", r.peer.ID())
		return nil
	}
}

func (r *remote) getData(t *testing.T) []types.Hash {
	t.Helper()
	msg, ok := r.next(t).(*wire.GetData)
	if !ok {
		t.Fatalf("%s: got %T, want GetData", r.peer.ID(), msg)
	}
	return itemHashes(msg.Items)
}

func (r *remote) inventory(t *testing.T) []types.Hash {
	t.Helper()
	msg, ok := r.next(t).(*wire.Inventory)
	if !ok {
		t.Fatalf("%s: got %T, want Inventory", r.peer.ID(), msg)
	}
	return itemHashes(msg.Items)
}

func (r *remote) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.msgs:
		t.Fatalf("%s: unexpected %T", r.peer.ID(), msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func itemHashes(items []wire.InvItem) []types.Hash {
	out := make([]types.Hash, len(items))
	for i, it := range items {
		out[i] = it.Hash
	}
	return out
}

func inv(hashes ...types.Hash) *wire.Inventory {
	m := &wire.Inventory{}
	for _, h := range hashes {
		m.Items = append(m.Items, wire.BlockItem(h))
	}
	return m
}

func child(parent *block.Block, tag string) *block.Block {
	h := parent.Header.Height + 1
	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash(),
		Timestamp: parent.Header.Timestamp + 1,
		Height:    h,
	}, [][]byte{[]byte(fmt.Sprintf("relay %d %s", h, tag))})
	blk.Header.MerkleRoot = blk.ComputeMerkleRoot()
	return blk
}

type harness struct {
	chain  *chain.Chain
	gen    *block.Block
	peers  *peerSet
	clock  *fakeClock
	trust  *p2p.Trust
	events <-chan event.Event
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gen, err := chain.GenesisBlock(config.RegtestGenesis())
	if err != nil {
		t.Fatalf("GenesisBlock: %v", err)
	}
	c, err := chain.New(storage.NewMemory(), gen, chain.Options{})
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(128)
	t.Cleanup(cancel)

	h := &harness{chain: c, gen: gen, peers: &peerSet{}, clock: newClock(), trust: p2p.NewTrust(nil), events: ch}
	h.engine = New(c, h.peers, Options{
		RequestTimeout: 10 * time.Second,
		MaxRetries:     2,
		Trust:          h.trust,
		Events:         bus,
		Now:            h.clock.Now,
	})
	return h
}

func (h *harness) remote(t *testing.T, id string) *remote {
	t.Helper()
	r := newRemote(t, id, h.gen.Hash(), 0)
	h.peers.add(r.peer)
	return r
}

// waitEvent returns the next event of kind, skipping others.
func (h *harness) waitEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return event.Event{}
		}
	}
}

// --- Inventory ---

func TestOnInventory_RequestsUnknown(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	b1 := child(h.gen, "x")
	h.engine.OnInventory(a.peer, inv(h.gen.Hash(), b1.Hash()))

	got := a.getData(t)
	if len(got) != 1 || got[0] != b1.Hash() {
		t.Fatalf("requested %v, want only %s", got, b1.Hash().Short())
	}
	if !a.peer.KnowsInventory(b1.Hash()) {
		t.Error("announcing peer should know the block")
	}
	if n := h.engine.InFlight(); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}

	// A second announcement while in flight asks nobody.
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.quiet(t)
}

func TestOnInventory_InFlightElsewhere(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	b1 := child(h.gen, "x")
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.getData(t)

	h.engine.OnInventory(b.peer, inv(b1.Hash()))
	b.quiet(t)
	if !b.peer.KnowsInventory(b1.Hash()) {
		t.Error("second announcer should be a retry candidate")
	}
}

func TestOnInventory_IgnoresOtherTypes(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	h.engine.OnInventory(a.peer, &wire.Inventory{Items: []wire.InvItem{{Type: 7, Hash: types.Hash{9}}}})
	a.quiet(t)
}

// --- Retry ---

func TestSweep_RetriesOtherPeer(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	b1 := child(h.gen, "x")
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.getData(t)
	h.engine.OnInventory(b.peer, inv(b1.Hash()))

	h.engine.Sweep()
	b.quiet(t)

	h.clock.Add(10 * time.Second)
	h.engine.Sweep()
	if got := b.getData(t); len(got) != 1 || got[0] != b1.Hash() {
		t.Fatalf("retry requested %v", got)
	}
	if ev := h.waitEvent(t, event.RelayRetry); ev.Peer != "b" || ev.Hash != b1.Hash() {
		t.Errorf("retry event = %+v", ev)
	}
	if n := h.engine.InFlight(); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}
}

func TestSweep_GivesUp(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	b1 := child(h.gen, "x")
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.getData(t)

	// Nobody else knows the block.
	h.clock.Add(11 * time.Second)
	h.engine.Sweep()

	ev := h.waitEvent(t, event.RelayFailure)
	if !errors.Is(ev.Err, ErrRequestTimeout) || ev.Hash != b1.Hash() {
		t.Errorf("failure event = %+v", ev)
	}
	if n := h.engine.InFlight(); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
	a.quiet(t)
}

func TestSweep_RetryLimit(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	rs := []*remote{h.remote(t, "a"), h.remote(t, "b"), h.remote(t, "c"), h.remote(t, "d")}

	b1 := child(h.gen, "x")
	h.engine.OnInventory(rs[0].peer, inv(b1.Hash()))
	rs[0].getData(t)
	for _, r := range rs[1:] {
		h.engine.OnInventory(r.peer, inv(b1.Hash()))
	}

	// MaxRetries is 2: b and c are asked, d never is.
	for range 2 {
		h.clock.Add(10 * time.Second)
		h.engine.Sweep()
		h.waitEvent(t, event.RelayRetry)
	}
	h.clock.Add(10 * time.Second)
	h.engine.Sweep()
	h.waitEvent(t, event.RelayFailure)

	rs[1].getData(t)
	rs[2].getData(t)
	rs[3].quiet(t)
}

func TestPeerDisconnected_Reassigns(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	b1 := child(h.gen, "x")
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.getData(t)
	h.engine.OnInventory(b.peer, inv(b1.Hash()))

	a.peer.Close(nil)
	<-a.peer.Done()
	h.engine.PeerDisconnected("a")

	if got := b.getData(t); len(got) != 1 || got[0] != b1.Hash() {
		t.Fatalf("reassigned request = %v", got)
	}
}

// --- Blocks ---

func TestOnBlock_AppliedRelays(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")
	c := h.remote(t, "c")

	b1 := child(h.gen, "x")
	c.peer.AddKnownInventory(b1.Hash())
	h.engine.OnInventory(a.peer, inv(b1.Hash()))
	a.getData(t)

	h.engine.OnBlock(a.peer, &wire.Block{Block: b1})

	if tip := h.chain.BestTip(); tip.Hash != b1.Hash() {
		t.Fatalf("tip = %s", tip)
	}
	if got := b.inventory(t); len(got) != 1 || got[0] != b1.Hash() {
		t.Errorf("relayed %v", got)
	}
	a.quiet(t)
	c.quiet(t)
	if ev := h.waitEvent(t, event.BlockApplied); ev.Height != 1 || ev.Peer != "a" {
		t.Errorf("applied event = %+v", ev)
	}
	if n := h.engine.InFlight(); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestOnBlock_OnAppliedSeesPromotedRun(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	var applied [][]types.Hash
	e := New(h.chain, h.peers, Options{
		Now: h.clock.Now,
		OnApplied: func(blocks []*block.Block) {
			var hashes []types.Hash
			for _, b := range blocks {
				hashes = append(hashes, b.Hash())
			}
			applied = append(applied, hashes)
		},
	})
	a := h.remote(t, "a")

	b1 := child(h.gen, "x")
	b2 := child(b1, "x")
	e.OnBlock(a.peer, &wire.Block{Block: b2})
	if len(applied) != 0 {
		t.Fatalf("orphan reported as applied: %v", applied)
	}
	a.getData(t)

	e.OnBlock(a.peer, &wire.Block{Block: b1})
	if len(applied) != 1 || len(applied[0]) != 2 || applied[0][0] != b1.Hash() || applied[0][1] != b2.Hash() {
		t.Fatalf("OnApplied got %v, want [b1 b2]", applied)
	}

	// Duplicates do not reach the hook.
	e.OnBlock(a.peer, &wire.Block{Block: b1})
	if len(applied) != 1 {
		t.Errorf("duplicate reported as applied")
	}
}

func TestOnBlock_OrphanRequestsParent(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	b1 := child(h.gen, "x")
	b2 := child(b1, "x")
	b3 := child(b2, "x")

	h.engine.OnBlock(a.peer, &wire.Block{Block: b3})
	h.waitEvent(t, event.BlockOrphaned)
	if got := a.getData(t); len(got) != 1 || got[0] != b2.Hash() {
		t.Fatalf("requested %v, want parent", got)
	}

	h.engine.OnBlock(a.peer, &wire.Block{Block: b2})
	if got := a.getData(t); len(got) != 1 || got[0] != b1.Hash() {
		t.Fatalf("requested %v, want grandparent", got)
	}

	h.engine.OnBlock(a.peer, &wire.Block{Block: b1})
	if tip := h.chain.BestTip(); tip.Hash != b3.Hash() {
		t.Fatalf("tip = %s, want %s", tip, b3.Hash().Short())
	}
	// The whole promoted run goes out in one Inventory.
	if got := b.inventory(t); len(got) != 3 || got[0] != b1.Hash() || got[2] != b3.Hash() {
		t.Errorf("relayed %v", got)
	}
}

func TestOnBlock_Unsolicited(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	b1 := child(h.gen, "x")
	other := child(h.gen, "y")
	h.engine.OnInventory(a.peer, inv(other.Hash()))
	a.getData(t)

	h.engine.OnBlock(a.peer, &wire.Block{Block: b1})
	if !h.chain.HasBlock(b1.Hash()) {
		t.Fatal("unsolicited block not applied")
	}
	if n := h.engine.InFlight(); n != 1 {
		t.Errorf("InFlight = %d, want original request kept", n)
	}
}

func TestOnBlock_Invalid(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	bad := child(h.gen, "x")
	bad.Header.MerkleRoot = types.Hash{0xde, 0xad}

	h.engine.OnBlock(a.peer, &wire.Block{Block: bad})

	ev := h.waitEvent(t, event.BlockInvalid)
	if !errors.Is(ev.Err, chain.ErrInvalidBlock) || !errors.Is(ev.Err, block.ErrBadMerkleRoot) {
		t.Errorf("invalid event err = %v", ev.Err)
	}
	if s := h.trust.Score("ident-a"); s != p2p.PenaltyInvalidBlock {
		t.Errorf("trust score = %d, want %d", s, p2p.PenaltyInvalidBlock)
	}
	b.quiet(t)
}

func TestOnBlock_Duplicate(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	h.engine.OnBlock(a.peer, &wire.Block{Block: h.gen})
	b.quiet(t)
	if s := h.trust.Score("ident-a"); s != 0 {
		t.Errorf("duplicate should not cost trust, score %d", s)
	}
}

// haltedChain reports an internal failure on every apply.
type haltedChain struct {
	*chain.Chain
	err error
}

func (c *haltedChain) TryApply(*block.Block) chain.Outcome {
	return chain.Outcome{Result: chain.Invalid, Err: c.err}
}

func (c *haltedChain) Halted() error { return c.err }

func TestOnBlock_Halted(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	bus := event.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	halted := &haltedChain{Chain: h.chain, err: fmt.Errorf("%w: tip mismatch", chain.ErrHalted)}
	e := New(halted, h.peers, Options{Trust: h.trust, Events: bus})

	e.OnBlock(a.peer, &wire.Block{Block: child(h.gen, "x")})
	select {
	case ev := <-ch:
		if ev.Kind != event.Fatal || !errors.Is(ev.Err, chain.ErrHalted) {
			t.Errorf("event = %+v, want fatal", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal event")
	}
	if s := h.trust.Score("ident-a"); s != 0 {
		t.Errorf("halt should not blame the peer, score %d", s)
	}
	b.quiet(t)

	// GetData is ignored while halted.
	e.OnGetData(a.peer, &wire.GetData{Items: []wire.InvItem{wire.BlockItem(h.gen.Hash())}})
	a.quiet(t)
}

// --- GetData ---

func TestOnGetData(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	b1 := child(h.gen, "x")
	if out := h.chain.TryApply(b1); out.Result != chain.Applied {
		t.Fatalf("apply: %s %v", out.Result, out.Err)
	}

	h.engine.OnGetData(a.peer, &wire.GetData{Items: []wire.InvItem{
		wire.BlockItem(types.Hash{0x42}),
		wire.BlockItem(b1.Hash()),
	}})
	msg, ok := a.next(t).(*wire.Block)
	if !ok || msg.Block.Hash() != b1.Hash() {
		t.Fatalf("served %+v", msg)
	}
	a.quiet(t)
	if !a.peer.KnowsInventory(b1.Hash()) {
		t.Error("served peer should know the block")
	}
}

// --- Announce and catch-up ---

func TestAnnounce(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")
	b := h.remote(t, "b")

	b1 := child(h.gen, "x")
	b2 := child(b1, "x")
	b.peer.AddKnownInventory(b1.Hash())

	h.engine.Announce([]*block.Block{b1, b2})
	if got := a.inventory(t); len(got) != 2 {
		t.Errorf("a got %v", got)
	}
	if got := b.inventory(t); len(got) != 1 || got[0] != b2.Hash() {
		t.Errorf("b got %v", got)
	}

	h.engine.Announce([]*block.Block{b1, b2})
	a.quiet(t)
	b.quiet(t)
}

func TestOnHandshake_AskTip(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	h.engine.OnHandshake(a.peer, &wire.Version{BestHeight: 0})
	a.quiet(t)

	h.engine.OnHandshake(a.peer, &wire.Version{BestHeight: 5})
	if _, ok := a.next(t).(*wire.GetTip); !ok {
		t.Fatal("expected GetTip")
	}

	tip := types.Hash{0x55}
	h.engine.OnTip(a.peer, &wire.Tip{Hash: tip, Height: 5})
	if got := a.getData(t); len(got) != 1 || got[0] != tip {
		t.Fatalf("requested %v", got)
	}

	// A tip no higher than ours is ignored.
	h.engine.OnTip(a.peer, &wire.Tip{Hash: types.Hash{0x66}, Height: 0})
	a.quiet(t)
}

func TestOnHandshake_AnnouncesTipToLaggingPeer(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)
	a := h.remote(t, "a")

	// Blocks applied after a sent its Version at height 0.
	b1 := child(h.gen, "x")
	b2 := child(b1, "x")
	for _, b := range []*block.Block{b1, b2} {
		if out := h.chain.TryApply(b); out.Result != chain.Applied {
			t.Fatalf("apply: %s %v", out.Result, out.Err)
		}
	}

	h.engine.OnHandshake(a.peer, &wire.Version{BestHeight: 0})
	if got := a.inventory(t); len(got) != 1 || got[0] != b2.Hash() {
		t.Fatalf("announced %v, want tip %s", got, b2.Hash().Short())
	}
	if !a.peer.KnowsInventory(b2.Hash()) {
		t.Error("announced tip should be marked known")
	}

	// Same height or already known: nothing to say.
	h.engine.OnHandshake(a.peer, &wire.Version{BestHeight: 0})
	h.engine.OnHandshake(a.peer, &wire.Version{BestHeight: 2})
	a.quiet(t)
}

func TestRun_StopsOnCancel(t *testing.T) {
	leakCheck(t)
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
