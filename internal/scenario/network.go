// Package scenario boots in-process relay networks and runs propagation
// checks against them.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/node"
	"github.com/Klingon-tech/klingnet-relay/internal/p2p"
)

// Defaults.
const (
	DefaultSyncTimeout    = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Override adjusts one node's config before it starts, like extra
// command-line arguments would.
type Override func(cfg *config.Config)

// Options describes a network.
type Options struct {
	Nodes       int
	Transport   string           // tcp (default) or libp2p
	Storage     string           // memory (default), badger or leveldb
	DataDir     string           // Required for persistent storage.
	Overrides   map[int]Override // Per-node config changes by index.
	SyncTimeout time.Duration
}

// Network is a set of nodes in one process. Nodes are not connected
// until Connect or Link is called.
type Network struct {
	Nodes []*node.Node
	opts  Options
}

// New builds and starts opts.Nodes nodes on loopback ports.
func New(opts Options) (*Network, error) {
	if opts.Nodes < 1 {
		return nil, errors.New("scenario needs at least one node")
	}
	if opts.Transport == "" {
		opts.Transport = config.TransportTCP
	}
	if opts.Storage == "" {
		opts.Storage = config.BackendMemory
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.Storage != config.BackendMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("storage %q needs a data dir", opts.Storage)
	}

	net := &Network{opts: opts}
	for i := 0; i < opts.Nodes; i++ {
		n, err := startNode(opts, i)
		if err != nil {
			net.Close()
			return nil, err
		}
		net.Nodes = append(net.Nodes, n)
	}
	klog.Node.Info().Int("nodes", len(net.Nodes)).Str("transport", opts.Transport).Msg("Scenario network up")
	return net, nil
}

func startNode(opts Options, i int) (*node.Node, error) {
	name := fmt.Sprintf("node%d", i)
	cfg := config.DefaultRegtest()
	cfg.P2P.Port = 0
	cfg.P2P.Transport = opts.Transport
	cfg.P2P.NoDiscover = true
	cfg.Storage.Backend = opts.Storage
	if opts.DataDir != "" {
		cfg.DataDir = filepath.Join(opts.DataDir, name)
	}
	if o, ok := opts.Overrides[i]; ok {
		o(cfg)
	}

	n, err := node.New(cfg, node.Options{Name: name})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return n, nil
}

// Close stops every node.
func (net *Network) Close() {
	for _, n := range net.Nodes {
		n.Stop()
	}
}

// Connect dials node j from node i and waits for the handshake.
func (net *Network) Connect(ctx context.Context, i, j int) error {
	if i < 0 || j < 0 || i >= len(net.Nodes) || j >= len(net.Nodes) || i == j {
		return fmt.Errorf("bad link %d -> %d", i, j)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	if _, err := net.Nodes[i].Connect(ctx, net.Nodes[j].ListenAddr()); err != nil {
		return fmt.Errorf("connect %s -> %s: %w", net.Nodes[i].Name(), net.Nodes[j].Name(), err)
	}
	return nil
}

// Link connects each node to the next one, forming a line.
func (net *Network) Link(ctx context.Context) error {
	for i := 0; i+1 < len(net.Nodes); i++ {
		if err := net.Connect(ctx, i, i+1); err != nil {
			return err
		}
	}
	return nil
}

// AddProbe attaches a passive probe peer to node i.
func (net *Network) AddProbe(ctx context.Context, i int) (*node.Probe, error) {
	n := net.Nodes[i]
	pr := node.NewProbe(n.GenesisHash(), p2p.PeerConfig{})
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	if _, err := pr.Connect(ctx, n.ListenAddr()); err != nil {
		pr.Close()
		return nil, fmt.Errorf("probe -> %s: %w", n.Name(), err)
	}
	return pr, nil
}

// SyncBlocks waits until the given nodes, or all nodes when none are
// named, share one best tip.
func (net *Network) SyncBlocks(ctx context.Context, indexes ...int) (chain.Tip, error) {
	if len(indexes) == 0 {
		for i := range net.Nodes {
			indexes = append(indexes, i)
		}
	}
	sources := make([]node.TipSource, len(indexes))
	for k, i := range indexes {
		sources[k] = net.Nodes[i]
	}
	return node.AwaitConvergence(ctx, sources, net.opts.SyncTimeout)
}

// Generate mines count blocks on node i.
func (net *Network) Generate(ctx context.Context, i, count int) (chain.Tip, error) {
	n := net.Nodes[i]
	if _, err := n.Generate(ctx, count); err != nil {
		return chain.Tip{}, err
	}
	return n.BestTip(), nil
}
