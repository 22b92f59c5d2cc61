// Package node provides a reusable relay node that can be embedded in a
// daemon or run several times in one process.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/internal/event"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/mempool"
	"github.com/Klingon-tech/klingnet-relay/internal/metrics"
	"github.com/Klingon-tech/klingnet-relay/internal/miner"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
	"github.com/Klingon-tech/klingnet-relay/internal/relay"
	"github.com/Klingon-tech/klingnet-relay/internal/storage"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// connectTimeout bounds dialing one seed.
const connectTimeout = 15 * time.Second

// Options are per-process settings that do not belong in the config file.
type Options struct {
	Name string // Tells nodes apart in logs and metrics.
}

// Node is a fully wired relay node.
type Node struct {
	cfg     *config.Config
	name    string
	logger  zerolog.Logger
	genesis *config.Genesis

	// Core
	db      storage.DB
	ch      *chain.Chain
	trust   *p2p.Trust
	engine  *relay.Engine
	sup     *Supervisor
	pool    *mempool.Pool
	miner   *miner.Miner
	events  *event.Bus
	metrics *metrics.Node

	// Transports
	listener *p2p.Listener
	host     *p2p.Host

	// Mining
	mineMu sync.Mutex

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates and initializes a node: genesis, storage, chain, trust,
// relay engine and supervisor. It opens no sockets; call Start for that.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := klog.WithNode(klog.Node, opts.Name)

	// ── 1. Genesis ──────────────────────────────────────────────────
	genesis, err := resolveGenesis(cfg)
	if err != nil {
		return nil, err
	}
	genBlock, err := chain.GenesisBlock(genesis)
	if err != nil {
		return nil, fmt.Errorf("build genesis block: %w", err)
	}

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("genesis", genBlock.Hash().Short()).
		Str("storage", cfg.Storage.Backend).
		Str("transport", cfg.P2P.Transport).
		Msg("Starting Klingnet relay node")

	// ── 2. Open storage ─────────────────────────────────────────────
	dir := expandHome(cfg.BlocksDir())
	if cfg.Storage.Backend != config.BackendMemory {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.Open(cfg.Storage.Backend, dir)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", dir, err)
	}

	// ── 3. Chain ────────────────────────────────────────────────────
	chainLog := klog.WithNode(klog.Chain, opts.Name)
	ch, err := chain.New(storage.NewPrefixDB(db, []byte("chain/")), genBlock, chain.Options{
		MaxOrphans: cfg.Relay.MaxOrphans,
		OrphanTTL:  cfg.Relay.OrphanTTL,
		Logger:     &chainLog,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	tip := ch.BestTip()
	logger.Info().Str("tip", tip.String()).Msg("Chain ready")

	// ── 4. Trust ────────────────────────────────────────────────────
	trust := p2p.NewTrust(storage.NewPrefixDB(db, []byte("p2p/")))
	if err := trust.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load trust scores")
	}

	// ── 5. Relay ────────────────────────────────────────────────────
	nonce, err := newNonce()
	if err != nil {
		db.Close()
		return nil, err
	}
	bus := event.NewBus()
	m := metrics.NewNode(opts.Name)
	p2pLog := klog.WithNode(klog.P2P, opts.Name)
	relayLog := klog.WithNode(klog.Relay, opts.Name)

	// Zero retries in the config file means none; the engine reads zero as its default.
	maxRetries := cfg.Relay.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	sup := NewSupervisor(SupervisorOptions{
		Chain: ch,
		Peer: p2p.PeerConfig{
			Genesis:          genBlock.Hash(),
			Nonce:            nonce,
			HandshakeTimeout: cfg.P2P.HandshakeTimeout,
			PingInterval:     cfg.P2P.PingInterval,
			IdleTimeout:      cfg.P2P.IdleTimeout,
			QueueSize:        cfg.P2P.OutboundQueue,
			MaxMsgRate:       cfg.P2P.MaxMsgRate,
			LogIPs:           cfg.P2P.LogIPs,
			Logger:           &p2pLog,
		},
		MaxPeers: cfg.P2P.MaxPeers,
		Trust:    trust,
		Events:   bus,
		Metrics:  m,
		Logger:   &logger,
	})
	pool := mempool.New(nil, 0)
	engine := relay.New(ch, sup, relay.Options{
		RequestTimeout: cfg.Relay.RequestTimeout,
		MaxRetries:     maxRetries,
		Trust:          trust,
		Events:         bus,
		Logger:         &relayLog,
		OnApplied: func(blocks []*block.Block) {
			for _, b := range blocks {
				pool.RemoveConfirmed(b)
			}
		},
	})
	sup.SetHandler(engine)

	return &Node{
		cfg:     cfg,
		name:    opts.Name,
		logger:  logger,
		genesis: genesis,
		db:      db,
		ch:      ch,
		trust:   trust,
		engine:  engine,
		sup:     sup,
		pool:    pool,
		miner:   miner.New(ch, pool, miningTag(cfg, opts.Name)),
		events:  bus,
		metrics: m,
	}, nil
}

func miningTag(cfg *config.Config, name string) string {
	if cfg.Mining.Tag != "" {
		return cfg.Mining.Tag
	}
	return name
}

// Start opens the transport, dials seeds and launches the background
// loops: request sweeping, metrics, and mining when enabled.
func (n *Node) Start() error {
	if n.started {
		return errors.New("node already started")
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.startTransport(); err != nil {
		n.cancel()
		return err
	}
	n.started = true

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.engine.Run(n.ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.runMetrics()
	}()

	if n.cfg.Metrics.Addr != "" {
		metrics.Serve(n.ctx, n.cfg.Metrics.Addr)
	}

	for _, seed := range n.cfg.P2P.Seeds {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
			defer cancel()
			if _, err := n.sup.Connect(ctx, seed); err != nil {
				n.logger.Warn().Err(err).Str("seed", seed).Msg("Failed to connect to seed")
			}
		}()
	}

	if n.cfg.Mining.Enabled {
		n.logger.Info().Dur("interval", n.cfg.Mining.Interval).Msg("Block production enabled")
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner(n.cfg.Mining.Interval)
		}()
	}

	n.logger.Info().
		Str("tip", n.ch.BestTip().String()).
		Str("listen", n.ListenAddr()).
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")
	return nil
}

func (n *Node) startTransport() error {
	switch n.cfg.P2P.Transport {
	case config.TransportLibp2p:
		hostLog := klog.WithNode(klog.P2P, n.name)
		n.host = p2p.NewHost(p2p.HostConfig{
			ListenAddr: n.cfg.P2P.ListenAddr,
			Port:       n.cfg.P2P.Port,
			DataDir:    n.p2pDataDir(),
			Network:    string(n.cfg.Network),
			NoDiscover: n.cfg.P2P.NoDiscover,
			DHTServer:  n.cfg.P2P.DHTServer,
			MaxPeers:   n.cfg.P2P.MaxPeers,
			DB:         storage.NewPrefixDB(n.db, []byte("p2p/")),
			Logger:     &hostLog,
		})
		n.sup.opts.Host = n.host
		err := n.host.Start(n.ctx, func(s network.Stream, inbound bool) {
			if _, err := n.sup.AcceptConnection(s, inbound, s.Conn().RemoteMultiaddr().String()); err != nil {
				n.logger.Debug().Err(err).Msg("Stream rejected")
			}
		})
		if err != nil {
			return fmt.Errorf("start libp2p host: %w", err)
		}
	default:
		addr := net.JoinHostPort(n.cfg.P2P.ListenAddr, fmt.Sprint(n.cfg.P2P.Port))
		l, err := p2p.ListenTCP(addr, func(conn net.Conn) {
			if _, err := n.sup.AcceptConnection(conn, true, conn.RemoteAddr().String()); err != nil {
				n.logger.Debug().Err(err).Msg("Connection rejected")
			}
		})
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		n.listener = l
	}
	return nil
}

func (n *Node) p2pDataDir() string {
	if n.cfg.Storage.Backend == config.BackendMemory {
		return ""
	}
	return expandHome(n.cfg.ChainDataDir())
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	if n.started {
		n.cancel()
		if n.listener != nil {
			n.listener.Close()
		}
		if n.host != nil {
			if err := n.host.Stop(); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to stop libp2p host")
			}
		}
		n.sup.Close()
		n.wg.Wait()
		n.started = false
	} else {
		n.sup.Close()
	}
	n.events.Close()
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to close database")
	}
	n.logger.Info().Msg("Goodbye!")
}

// ListenAddr returns the address peers reach this node on: host:port for
// TCP, the first multiaddr for libp2p. Empty before Start.
func (n *Node) ListenAddr() string {
	if n.listener != nil {
		return n.listener.Addr()
	}
	if n.host != nil {
		if addrs := n.host.Addrs(); len(addrs) > 0 {
			return addrs[0]
		}
	}
	return ""
}

// Connect dials another node and waits for the handshake.
func (n *Node) Connect(ctx context.Context, addr string) (string, error) {
	return n.sup.Connect(ctx, addr)
}

// Generate produces n blocks on the local tip, applies and announces them.
func (n *Node) Generate(ctx context.Context, count int) ([]*block.Block, error) {
	out := make([]*block.Block, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		blk, err := n.mineOne()
		if err != nil {
			return out, err
		}
		out = append(out, blk)
	}
	return out, nil
}

func (n *Node) mineOne() (*block.Block, error) {
	n.mineMu.Lock()
	defer n.mineMu.Unlock()

	blk, err := n.miner.ProduceBlock()
	if err != nil {
		return nil, fmt.Errorf("produce block: %w", err)
	}
	out := n.ch.TryApply(blk)
	if out.Result != chain.Applied {
		return nil, fmt.Errorf("apply own block %s: %s: %w", blk.Hash().Short(), out.Result, out.Err)
	}
	for _, b := range out.Applied {
		n.pool.RemoveConfirmed(b)
		n.events.Publish(event.Event{Kind: event.BlockApplied, Hash: b.Hash(), Height: b.Header.Height})
	}
	n.engine.Announce(out.Applied)

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().Short()).
		Int("txs", len(blk.Transactions)).
		Msg("Block produced")
	return blk, nil
}

func (n *Node) runMiner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			if _, err := n.mineOne(); err != nil {
				n.logger.Error().Err(err).Msg("Failed to produce block")
			}
		}
	}
}

// runMetrics mirrors node events into Prometheus until the node stops.
func (n *Node) runMetrics() {
	evs, cancel := n.events.Subscribe(event.DefaultBuffer)
	defer cancel()

	n.metrics.SetTipHeight(n.ch.BestTip().Height)
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			n.metrics.Observe(ev)
			switch ev.Kind {
			case event.BlockApplied:
				n.metrics.SetTipHeight(n.ch.BestTip().Height)
			case event.Fatal:
				n.logger.Error().Err(ev.Err).Msg("Chain halted, node needs attention")
			}
			n.metrics.SetEventsDropped(n.events.Dropped())
		}
	}
}

// SubmitPayload queues a transaction payload for the next produced block.
func (n *Node) SubmitPayload(payload []byte) (types.Hash, error) {
	return n.pool.Add(payload)
}

// Mempool returns the node's pending payload pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// BestTip returns the local best tip.
func (n *Node) BestTip() chain.Tip { return n.ch.BestTip() }

// Tip implements TipSource.
func (n *Node) Tip(context.Context) (chain.Tip, error) { return n.ch.BestTip(), nil }

// Events returns the node's event bus.
func (n *Node) Events() *event.Bus { return n.events }

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Supervisor returns the node's connection owner.
func (n *Node) Supervisor() *Supervisor { return n.sup }

// Trust returns the node's peer trust scores.
func (n *Node) Trust() *p2p.Trust { return n.trust }

// Name returns the name given in Options.
func (n *Node) Name() string { return n.name }

// GenesisHash returns the hash identifying the node's network.
func (n *Node) GenesisHash() types.Hash { return n.ch.GenesisHash() }
