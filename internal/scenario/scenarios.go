package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// ErrDiverged reports nodes whose tips differ after a scenario settled.
var ErrDiverged = errors.New("nodes diverged")

// Func is one scenario. It gets a fresh, unconnected network.
type Func func(ctx context.Context, net *Network) error

// Scenario pairs a name with its function and the network size it needs.
type Scenario struct {
	Name  string
	Nodes int
	Run   Func
}

// All lists the built-in scenarios.
var All = []Scenario{
	{Name: "propagate", Nodes: 3, Run: PropagateToAll},
	{Name: "fanout", Nodes: 3, Run: FanOut},
	{Name: "example", Nodes: 3, Run: Example},
}

// Lookup finds a built-in scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range All {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// PropagateToAll connects node 0 to every other node, mines one block on
// node 0 and expects everyone on node 0's tip.
func PropagateToAll(ctx context.Context, net *Network) error {
	for j := 1; j < len(net.Nodes); j++ {
		if err := net.Connect(ctx, 0, j); err != nil {
			return err
		}
	}
	want, err := net.Generate(ctx, 0, 1)
	if err != nil {
		return err
	}
	return expectTip(ctx, net, want)
}

// FanOut links the nodes in a line with node 0 at one end and mines on
// node 0. Nodes past the first hop only see the block if each hop
// re-announces it.
func FanOut(ctx context.Context, net *Network) error {
	if len(net.Nodes) < 3 {
		return fmt.Errorf("fanout needs 3 nodes, have %d", len(net.Nodes))
	}
	// Link the far side first so the block cannot arrive during the handshake.
	for i := len(net.Nodes) - 2; i >= 0; i-- {
		if err := net.Connect(ctx, i, i+1); err != nil {
			return err
		}
	}
	want, err := net.Generate(ctx, 0, 1)
	if err != nil {
		return err
	}
	return expectTip(ctx, net, want)
}

// Example attaches a probe to node 0, mines on node 1 and checks node 2
// ends on node 1's best block, with the probe having seen it once.
func Example(ctx context.Context, net *Network) error {
	if len(net.Nodes) < 3 {
		return fmt.Errorf("example needs 3 nodes, have %d", len(net.Nodes))
	}
	if err := net.Link(ctx); err != nil {
		return err
	}
	probe, err := net.AddProbe(ctx, 0)
	if err != nil {
		return err
	}
	defer probe.Close()

	klog.Node.Info().Msg("Starting test!")
	want, err := net.Generate(ctx, 1, 1)
	if err != nil {
		return err
	}
	if err := expectTip(ctx, net, want); err != nil {
		return err
	}
	if a, b := net.Nodes[1].BestTip().Hash, net.Nodes[2].BestTip().Hash; a != b {
		return fmt.Errorf("%w: node1 %s, node2 %s", ErrDiverged, a.Short(), b.Short())
	}
	if err := probe.WaitForBlock(ctx, want.Hash, net.opts.SyncTimeout); err != nil {
		return fmt.Errorf("probe never saw %s: %w", want.Hash.Short(), err)
	}
	if n := probe.BlockCount(want.Hash); n != 1 {
		return fmt.Errorf("probe saw %s %d times", want.Hash.Short(), n)
	}
	return nil
}

func expectTip(ctx context.Context, net *Network, want chain.Tip) error {
	got, err := net.SyncBlocks(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	if got != want {
		return fmt.Errorf("%w: converged on %s, want %s", ErrDiverged, got, want)
	}
	return nil
}

// BestHashes returns every node's best block hash in index order.
func (net *Network) BestHashes() []types.Hash {
	out := make([]types.Hash, len(net.Nodes))
	for i, n := range net.Nodes {
		out[i] = n.BestTip().Hash
	}
	return out
}
