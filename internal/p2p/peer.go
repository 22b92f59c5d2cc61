package p2p

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/klingnet-relay/config"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/wire"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// State is a peer's connection phase.
type State int32

// Connection phases, in order. A peer never moves backwards.
const (
	StateConnecting State = iota
	StateHandshakeSent
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the byte stream under a peer: a TCP connection, a libp2p
// stream, or one end of a net.Pipe in tests.
type Transport = io.ReadWriteCloser

// Peer connection defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultIdleTimeout      = 90 * time.Second
	DefaultQueueSize        = 1024
	DefaultKnownInventory   = 4096
)

// PeerConfig holds the local side of the handshake and connection limits.
type PeerConfig struct {
	Genesis    types.Hash    // Peers on another genesis are rejected.
	Nonce      uint64        // Local node nonce; a peer echoing it is ourselves.
	UserAgent  string        // Defaults to config.UserAgent.
	BestHeight func() uint64 // Announced in Version; nil announces 0.

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	QueueSize        int // Outbound queue bound.
	MaxMsgRate       int // Inbound messages per second, 0 = unlimited.
	KnownInventory   int // Known-inventory set size.

	LogIPs   bool
	Observer Observer
	Logger   *zerolog.Logger // Defaults to the p2p component logger.
}

func (c *PeerConfig) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = config.UserAgent
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.KnownInventory <= 0 {
		c.KnownInventory = DefaultKnownInventory
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Logger == nil {
		l := klog.P2P
		c.Logger = &l
	}
}

// PeerInfo identifies a connection.
type PeerInfo struct {
	ID       string // Unique per connection within one supervisor.
	Identity string // Stable across reconnects: libp2p peer ID or remote IP.
	Addr     string
	Inbound  bool
}

// PeerEvents are the callbacks a peer makes. Any may be nil. OnReady and
// OnMessage run on the peer's read goroutine.
type PeerEvents struct {
	OnReady   func(p *Peer)
	OnMessage func(p *Peer, msg wire.Message)
	OnClose   func(p *Peer, reason error)
}

// Peer is one connection running the handshake, liveness checks and an
// ordered outbound queue.
type Peer struct {
	info    PeerInfo
	conn    Transport
	cfg     PeerConfig
	events  PeerEvents
	logger  zerolog.Logger
	limiter ratelimit.Limiter
	known   *lru.Cache[types.Hash, struct{}]
	out     chan wire.Message

	mu      sync.Mutex // Serialises Start and Close.
	state   atomic.Int32
	started bool
	reason  error

	remote      atomic.Pointer[wire.Version]
	lastRecv    atomic.Int64 // Unix nanoseconds.
	connectedAt time.Time

	closing chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPeer wraps conn. Nothing is sent until Start.
func NewPeer(info PeerInfo, conn Transport, cfg PeerConfig, events PeerEvents) *Peer {
	cfg.setDefaults()

	limiter := ratelimit.NewUnlimited()
	if cfg.MaxMsgRate > 0 {
		limiter = ratelimit.New(cfg.MaxMsgRate)
	}
	known, _ := lru.New[types.Hash, struct{}](cfg.KnownInventory)

	lc := cfg.Logger.With().Str("peer", info.ID)
	if cfg.LogIPs && info.Addr != "" {
		lc = lc.Str("addr", info.Addr)
	}

	return &Peer{
		info:        info,
		conn:        conn,
		cfg:         cfg,
		events:      events,
		logger:      lc.Logger(),
		limiter:     limiter,
		known:       known,
		out:         make(chan wire.Message, cfg.QueueSize),
		connectedAt: time.Now(),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the connection id.
func (p *Peer) ID() string { return p.info.ID }

// Identity returns the identity trust scores are kept under.
func (p *Peer) Identity() string { return p.info.Identity }

// Addr returns the remote address.
func (p *Peer) Addr() string { return p.info.Addr }

// Inbound reports whether the remote side dialed us.
func (p *Peer) Inbound() bool { return p.info.Inbound }

// ConnectedAt returns when the connection was created.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// State returns the current connection phase.
func (p *Peer) State() State { return State(p.state.Load()) }

// Ready reports whether the handshake has completed and the peer is open.
func (p *Peer) Ready() bool { return p.State() == StateReady }

// RemoteVersion returns the peer's Version, nil before it arrives.
func (p *Peer) RemoteVersion() *wire.Version { return p.remote.Load() }

// Done is closed once the peer is Closed and OnClose has returned.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Reason returns why the peer closed, nil while open.
func (p *Peer) Reason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Peer) String() string {
	return p.info.ID
}

// KnowsInventory reports whether the peer is known to have hash.
func (p *Peer) KnowsInventory(hash types.Hash) bool {
	return p.known.Contains(hash)
}

// AddKnownInventory records that the peer has hash.
func (p *Peer) AddKnownInventory(hash types.Hash) {
	p.known.Add(hash, struct{}{})
}

// Start sends Version and launches the read and write goroutines.
func (p *Peer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.State() != StateConnecting {
		return ErrAlreadyStart
	}
	p.started = true
	p.lastRecv.Store(time.Now().UnixNano())

	var height uint64
	if p.cfg.BestHeight != nil {
		height = p.cfg.BestHeight()
	}
	p.out <- &wire.Version{
		ProtocolVersion: config.ProtocolVersion,
		Genesis:         p.cfg.Genesis,
		BestHeight:      height,
		Nonce:           p.cfg.Nonce,
		UserAgent:       p.cfg.UserAgent,
	}
	p.state.Store(int32(StateHandshakeSent))

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	go p.reap()
	return nil
}

// Send queues msg for delivery. Messages are written in the order they
// were queued. A full queue closes the peer.
func (p *Peer) Send(msg wire.Message) error {
	switch p.State() {
	case StateReady:
	case StateClosing, StateClosed:
		return ErrPeerClosed
	default:
		return ErrNotReady
	}
	return p.enqueue(msg)
}

func (p *Peer) enqueue(msg wire.Message) error {
	select {
	case <-p.closing:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
		p.Close(ErrSlowPeer)
		return ErrSlowPeer
	}
}

// Close shuts the connection down. Only the first reason is kept.
func (p *Peer) Close(reason error) {
	p.mu.Lock()
	if p.State() >= StateClosing {
		p.mu.Unlock()
		return
	}
	if reason == nil {
		reason = ErrPeerClosed
	}
	p.state.Store(int32(StateClosing))
	p.reason = reason
	started := p.started
	close(p.closing)
	p.mu.Unlock()

	_ = p.conn.Close()
	if !started {
		p.finish()
	}
}

// reap finishes the peer once both goroutines have exited.
func (p *Peer) reap() {
	p.wg.Wait()
	p.finish()
}

func (p *Peer) finish() {
	dropped := 0
drain:
	for {
		select {
		case <-p.out:
			dropped++
		default:
			break drain
		}
	}
	p.state.Store(int32(StateClosed))

	reason := p.Reason()
	ev := p.logger.Debug()
	var perr *ProtocolError
	if errors.As(reason, &perr) {
		ev = p.logger.Info()
	}
	ev.Err(reason).Int("dropped", dropped).Msg("Peer closed")

	if p.events.OnClose != nil {
		p.events.OnClose(p, reason)
	}
	close(p.done)
}

func (p *Peer) protocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Peer: p.info.ID, Reason: reason, Err: err}
}

func (p *Peer) readLoop() {
	defer p.wg.Done()

	dec := wire.NewDecoder()
	for {
		msg, err := wire.ReadMessage(p.conn, dec)
		if err != nil {
			p.Close(p.readError(err))
			return
		}
		p.lastRecv.Store(time.Now().UnixNano())
		p.cfg.Observer.MessageReceived(msg.Tag().String())

		p.limiter.Take()
		if err := p.handle(msg); err != nil {
			p.Close(err)
			return
		}
	}
}

func (p *Peer) readError(err error) error {
	var mfe *wire.MalformedFrameError
	if errors.As(err, &mfe) {
		return p.protocolError(mfe.Reason, err)
	}
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	return fmt.Errorf("read: %w", err)
}

func (p *Peer) handle(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Version:
		if p.remote.Load() != nil {
			return p.protocolError("duplicate version", ErrHandshake)
		}
		if err := p.checkVersion(m); err != nil {
			return err
		}
		p.remote.Store(m)
		return p.enqueue(&wire.Verack{})

	case *wire.Verack:
		if p.remote.Load() == nil {
			return p.protocolError("verack before version", ErrHandshake)
		}
		if !p.state.CompareAndSwap(int32(StateHandshakeSent), int32(StateReady)) {
			if p.State() == StateReady {
				return p.protocolError("duplicate verack", ErrHandshake)
			}
			return nil // Closing.
		}
		v := p.remote.Load()
		p.logger.Debug().
			Uint64("height", v.BestHeight).
			Str("agent", v.UserAgent).
			Bool("inbound", p.info.Inbound).
			Msg("Peer ready")
		if p.events.OnReady != nil {
			p.events.OnReady(p)
		}
		return nil
	}

	if p.State() != StateReady {
		return p.protocolError(msg.Tag().String()+" before handshake", ErrHandshake)
	}

	switch m := msg.(type) {
	case *wire.Ping:
		return p.enqueue(&wire.Pong{Nonce: m.Nonce})
	case *wire.Pong:
		return nil
	}

	if p.events.OnMessage != nil {
		p.events.OnMessage(p, msg)
	}
	return nil
}

func (p *Peer) checkVersion(v *wire.Version) error {
	if v.Genesis != p.cfg.Genesis {
		return p.protocolError("genesis mismatch", fmt.Errorf("%w: peer=%s local=%s",
			ErrHandshake, v.Genesis.Short(), p.cfg.Genesis.Short()))
	}
	if v.ProtocolVersion < config.MinProtocolVersion {
		return p.protocolError("protocol version too low", fmt.Errorf("%w: peer=%d min=%d",
			ErrHandshake, v.ProtocolVersion, config.MinProtocolVersion))
	}
	if v.Nonce == p.cfg.Nonce {
		return p.protocolError("self connection", ErrHandshake)
	}
	return nil
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()

	handshake := time.NewTimer(p.cfg.HandshakeTimeout)
	defer handshake.Stop()
	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()
	idle := time.NewTicker(idleCheckInterval(p.cfg.IdleTimeout))
	defer idle.Stop()

	for {
		select {
		case <-p.closing:
			return

		case msg := <-p.out:
			select {
			case <-p.closing:
				return
			default:
			}
			if err := p.write(msg); err != nil {
				p.Close(fmt.Errorf("write %s: %w", msg.Tag(), err))
				return
			}

		case <-handshake.C:
			if p.State() == StateHandshakeSent {
				p.Close(p.protocolError("handshake timeout", ErrHandshake))
				return
			}

		case <-ping.C:
			if p.State() != StateReady {
				continue
			}
			if err := p.write(&wire.Ping{Nonce: rand.Uint64()}); err != nil {
				p.Close(fmt.Errorf("write ping: %w", err))
				return
			}

		case <-idle.C:
			last := time.Unix(0, p.lastRecv.Load())
			if time.Since(last) > p.cfg.IdleTimeout {
				p.Close(ErrIdleTimeout)
				return
			}
		}
	}
}

func (p *Peer) write(msg wire.Message) error {
	if _, err := p.conn.Write(wire.Encode(msg)); err != nil {
		return err
	}
	p.cfg.Observer.MessageSent(msg.Tag().String())
	return nil
}

func idleCheckInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
