package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/internal/event"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/metrics"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
	"github.com/Klingon-tech/klingnet-relay/internal/wire"
)

// Supervisor errors.
var (
	ErrTooManyPeers       = errors.New("too many peers")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrSupervisorClosed   = errors.New("supervisor closed")
	ErrConvergenceTimeout = errors.New("tips did not converge")
	ErrNoHost             = errors.New("libp2p transport not running")
)

// convergencePoll is how often AwaitConvergence samples tips.
const convergencePoll = 50 * time.Millisecond

// Handler is the protocol logic behind a supervisor.
type Handler interface {
	p2p.Handler
	OnTip(p *p2p.Peer, tip *wire.Tip)
	PeerDisconnected(id string)
}

// LocalChain is the part of the chain the supervisor reports to peers.
type LocalChain interface {
	BestTip() chain.Tip
}

// SupervisorOptions configures a supervisor.
type SupervisorOptions struct {
	Chain    LocalChain
	Peer     p2p.PeerConfig // Template for every connection.
	MaxPeers int            // 0 = unlimited
	Trust    *p2p.Trust
	Events   *event.Bus
	Metrics  *metrics.Node
	Host     *p2p.Host // Needed to dial multiaddrs.
	Logger   *zerolog.Logger
}

type entry struct {
	peer    *p2p.Peer
	seq     uint64
	ready   chan struct{}
	waiters []chan chain.Tip
}

// Supervisor owns every peer connection of a node and routes their
// messages to the handler.
type Supervisor struct {
	opts    SupervisorOptions
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*entry
	seq    uint64
	closed bool
}

// NewSupervisor creates a supervisor. Call SetHandler before the first
// connection.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Trust == nil {
		opts.Trust = p2p.NewTrust(nil)
	}
	if opts.Logger == nil {
		l := klog.Node
		opts.Logger = &l
	}
	if opts.Peer.BestHeight == nil && opts.Chain != nil {
		opts.Peer.BestHeight = func() uint64 { return opts.Chain.BestTip().Height }
	}
	if opts.Peer.Observer == nil && opts.Metrics != nil {
		opts.Peer.Observer = opts.Metrics
	}
	return &Supervisor{
		opts:   opts,
		logger: *opts.Logger,
		peers:  make(map[string]*entry),
	}
}

// SetHandler installs the message handler.
func (s *Supervisor) SetHandler(h Handler) {
	s.handler = h
}

// AcceptConnection wraps t in a peer, registers it and starts the handshake.
func (s *Supervisor) AcceptConnection(t p2p.Transport, inbound bool, addr string) (string, error) {
	identity, ok := p2p.StreamIdentity(t)
	if !ok {
		identity = p2p.RemoteIdentity(addr)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return "", ErrSupervisorClosed
	}
	if s.opts.MaxPeers > 0 && len(s.peers) >= s.opts.MaxPeers {
		s.mu.Unlock()
		t.Close()
		s.logger.Debug().Str("addr", addr).Bool("inbound", inbound).Msg("Rejected connection, peer limit reached")
		return "", ErrTooManyPeers
	}
	s.seq++
	id := fmt.Sprintf("peer-%d", s.seq)
	e := &entry{seq: s.seq, ready: make(chan struct{})}
	e.peer = p2p.NewPeer(p2p.PeerInfo{ID: id, Identity: identity, Addr: addr, Inbound: inbound}, t, s.opts.Peer, p2p.PeerEvents{
		OnReady:   s.onReady,
		OnMessage: s.onMessage,
		OnClose:   s.onClose,
	})
	s.peers[id] = e
	s.mu.Unlock()

	s.opts.Events.Publish(event.Event{Kind: event.PeerConnected, Peer: id})
	if err := e.peer.Start(); err != nil {
		e.peer.Close(err)
		return "", fmt.Errorf("start peer %s: %w", id, err)
	}

	ev := s.logger.Debug().Str("peer", id).Bool("inbound", inbound)
	if s.opts.Peer.LogIPs {
		ev = ev.Str("addr", addr)
	}
	ev.Msg("Connection accepted")
	return id, nil
}

// Connect dials addr, a host:port or a libp2p multiaddr, and waits until
// the handshake completes.
func (s *Supervisor) Connect(ctx context.Context, addr string) (string, error) {
	var (
		t   p2p.Transport
		err error
	)
	if p2p.IsMultiaddr(addr) {
		if s.opts.Host == nil {
			return "", ErrNoHost
		}
		t, err = s.opts.Host.Dial(ctx, addr)
	} else {
		var conn net.Conn
		conn, err = p2p.DialTCP(ctx, addr)
		t = conn
	}
	if err != nil {
		return "", err
	}

	id, err := s.AcceptConnection(t, false, addr)
	if err != nil {
		return "", err
	}
	if err := s.WaitReady(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// WaitReady blocks until peer id completes the handshake, closes, or ctx
// ends. The handshake timer bounds the wait for a silent peer.
func (s *Supervisor) WaitReady(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.peers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	select {
	case <-e.ready:
		return nil
	case <-e.peer.Done():
		return fmt.Errorf("peer %s: %w", id, e.peer.Reason())
	case <-ctx.Done():
		e.peer.Close(ctx.Err())
		return ctx.Err()
	}
}

// Broadcast queues msg to every Ready peer not in exclude and returns how
// many peers took it.
func (s *Supervisor) Broadcast(msg wire.Message, exclude map[string]struct{}) int {
	n := 0
	for _, p := range s.ReadyPeers() {
		if _, skip := exclude[p.ID()]; skip {
			continue
		}
		if err := p.Send(msg); err == nil {
			n++
		}
	}
	return n
}

// Peer returns the connection with the given id, or nil.
func (s *Supervisor) Peer(id string) *p2p.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[id]; ok {
		return e.peer
	}
	return nil
}

// ReadyPeers returns every peer past the handshake in connection order.
func (s *Supervisor) ReadyPeers() []*p2p.Peer {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.peers))
	for _, e := range s.peers {
		if e.peer.Ready() {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*p2p.Peer, len(entries))
	for i, e := range entries {
		out[i] = e.peer
	}
	return out
}

// PeerCount returns the number of registered connections, Ready or not.
func (s *Supervisor) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Disconnect closes peer id.
func (s *Supervisor) Disconnect(id string) error {
	p := s.Peer(id)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p.Close(nil)
	return nil
}

// Close disconnects every peer and refuses new connections.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*p2p.Peer, 0, len(s.peers))
	for _, e := range s.peers {
		peers = append(peers, e.peer)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close(nil)
	}
	for _, p := range peers {
		<-p.Done()
	}
}

// GetBestTip asks peer id for its best tip.
func (s *Supervisor) GetBestTip(ctx context.Context, id string) (chain.Tip, error) {
	ch := make(chan chain.Tip, 1)

	s.mu.Lock()
	e, ok := s.peers[id]
	if ok {
		e.waiters = append(e.waiters, ch)
	}
	s.mu.Unlock()
	if !ok {
		return chain.Tip{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	defer s.dropWaiter(e, ch)

	if err := e.peer.Send(&wire.GetTip{}); err != nil {
		return chain.Tip{}, fmt.Errorf("ask tip of %s: %w", id, err)
	}
	select {
	case tip := <-ch:
		return tip, nil
	case <-e.peer.Done():
		return chain.Tip{}, fmt.Errorf("peer %s: %w", id, e.peer.Reason())
	case <-ctx.Done():
		return chain.Tip{}, ctx.Err()
	}
}

func (s *Supervisor) dropWaiter(e *entry, ch chan chain.Tip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// AwaitConvergence waits until the local tip and the tips of every named
// peer are equal, and returns that tip.
func (s *Supervisor) AwaitConvergence(ctx context.Context, ids []string, timeout time.Duration) (chain.Tip, error) {
	sources := make([]TipSource, 0, 1+len(ids))
	sources = append(sources, TipFunc(func(context.Context) (chain.Tip, error) {
		return s.opts.Chain.BestTip(), nil
	}))
	for _, id := range ids {
		sources = append(sources, TipFunc(func(ctx context.Context) (chain.Tip, error) {
			return s.GetBestTip(ctx, id)
		}))
	}
	return AwaitConvergence(ctx, sources, timeout)
}

// WaitForTip is AwaitConvergence under its operator name.
func (s *Supervisor) WaitForTip(ctx context.Context, ids []string, timeout time.Duration) (chain.Tip, error) {
	return s.AwaitConvergence(ctx, ids, timeout)
}

// --- Peer callbacks ---

func (s *Supervisor) onReady(p *p2p.Peer) {
	s.mu.Lock()
	e, ok := s.peers[p.ID()]
	s.mu.Unlock()
	if !ok {
		return
	}
	close(e.ready)

	v := p.RemoteVersion()
	s.logger.Info().
		Str("peer", p.ID()).
		Bool("inbound", p.Inbound()).
		Str("agent", v.UserAgent).
		Uint64("height", v.BestHeight).
		Msg("Peer ready")
	s.opts.Events.Publish(event.Event{Kind: event.PeerReady, Peer: p.ID(), Height: v.BestHeight})
	s.updatePeerGauge()

	if s.handler != nil {
		s.handler.OnHandshake(p, v)
	}
}

func (s *Supervisor) onMessage(p *p2p.Peer, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.GetTip:
		tip := s.opts.Chain.BestTip()
		if err := p.Send(&wire.Tip{Hash: tip.Hash, Height: tip.Height}); err != nil {
			s.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Send tip failed")
		}
	case *wire.Tip:
		s.deliverTip(p.ID(), chain.Tip{Hash: m.Hash, Height: m.Height})
		if s.handler != nil {
			s.handler.OnTip(p, m)
		}
	case *wire.Inventory:
		if s.handler != nil {
			s.handler.OnInventory(p, m)
		}
	case *wire.GetData:
		if s.handler != nil {
			s.handler.OnGetData(p, m)
		}
	case *wire.Block:
		if s.handler != nil {
			s.handler.OnBlock(p, m)
		}
	case *wire.Pong:
	default:
		s.logger.Debug().Str("peer", p.ID()).Str("tag", msg.Tag().String()).Msg("Unhandled message")
	}
}

func (s *Supervisor) deliverTip(id string, tip chain.Tip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[id]
	if !ok {
		return
	}
	for _, w := range e.waiters {
		select {
		case w <- tip:
		default:
		}
	}
	e.waiters = nil
}

func (s *Supervisor) onClose(p *p2p.Peer, reason error) {
	s.mu.Lock()
	delete(s.peers, p.ID())
	s.mu.Unlock()

	var perr *p2p.ProtocolError
	if errors.As(reason, &perr) {
		s.opts.Trust.RecordOffense(p.Identity(), p2p.PenaltyProtocolError, perr.Reason)
		s.opts.Events.Publish(event.Event{Kind: event.ProtocolError, Peer: p.ID(), Err: reason})
	}
	s.opts.Events.Publish(event.Event{Kind: event.PeerDisconnected, Peer: p.ID(), Err: reason})
	s.updatePeerGauge()

	if s.handler != nil {
		s.handler.PeerDisconnected(p.ID())
	}
}

func (s *Supervisor) updatePeerGauge() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetPeers(len(s.ReadyPeers()))
	}
}
