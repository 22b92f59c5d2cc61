package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-relay/config"
)

func newNetwork(t *testing.T, opts Options) *Network {
	t.Helper()
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = 15 * time.Second
	}
	net, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(net.Close)
	return net
}

func TestScenarios(t *testing.T) {
	for _, sc := range All {
		t.Run(sc.Name, func(t *testing.T) {
			net := newNetwork(t, Options{Nodes: sc.Nodes})
			require.NoError(t, sc.Run(context.Background(), net))

			hashes := net.BestHashes()
			for i := 1; i < len(hashes); i++ {
				assert.Equal(t, hashes[0], hashes[i], "node%d best hash", i)
			}
		})
	}
}

func TestFanOut_LongLine(t *testing.T) {
	net := newNetwork(t, Options{Nodes: 5})
	require.NoError(t, FanOut(context.Background(), net))
	assert.Equal(t, 1, net.Nodes[0].Supervisor().PeerCount())
	assert.Equal(t, 1, net.Nodes[4].Supervisor().PeerCount())
}

func TestSyncBlocks_ManyBlocks(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t, Options{Nodes: 3})
	require.NoError(t, net.Link(ctx))

	want, err := net.Generate(ctx, 2, 20)
	require.NoError(t, err)
	got, err := net.SyncBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(20), got.Height)
}

func TestSyncBlocks_MineRightAfterLink(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		net := newNetwork(t, Options{Nodes: 3, SyncTimeout: 5 * time.Second})
		require.NoError(t, net.Link(ctx))

		want, err := net.Generate(ctx, 2, 20)
		require.NoError(t, err)
		got, err := net.SyncBlocks(ctx)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, want, got)
	}
}

func TestSyncBlocks_Subset(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t, Options{Nodes: 3, SyncTimeout: 500 * time.Millisecond})
	require.NoError(t, net.Connect(ctx, 0, 1))

	_, err := net.Generate(ctx, 0, 2)
	require.NoError(t, err)
	_, err = net.SyncBlocks(ctx, 0, 1)
	require.NoError(t, err)

	// Node 2 is isolated and stays on genesis.
	_, err = net.SyncBlocks(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(0), net.Nodes[2].BestTip().Height)
}

func TestOverrides(t *testing.T) {
	net := newNetwork(t, Options{
		Nodes: 3,
		Overrides: map[int]Override{
			1: func(cfg *config.Config) { cfg.P2P.LogIPs = true },
			2: func(cfg *config.Config) { cfg.Mining.Tag = "custom" },
		},
	})
	require.NoError(t, Example(context.Background(), net))
}

func TestPersistentStorage(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t, Options{Nodes: 2, Storage: config.BackendLevelDB, DataDir: t.TempDir()})
	require.NoError(t, net.Connect(ctx, 0, 1))
	_, err := net.Generate(ctx, 1, 3)
	require.NoError(t, err)
	_, err = net.SyncBlocks(ctx)
	require.NoError(t, err)
}

func TestLibp2pTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("libp2p hosts are slow to start")
	}
	net := newNetwork(t, Options{Nodes: 3, Transport: config.TransportLibp2p})
	require.NoError(t, PropagateToAll(context.Background(), net))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Nodes: 0})
	assert.Error(t, err)

	_, err = New(Options{Nodes: 1, Storage: config.BackendBadger})
	assert.Error(t, err, "persistent storage without a data dir")
}

func TestConnect_BadIndex(t *testing.T) {
	net := newNetwork(t, Options{Nodes: 2})
	assert.Error(t, net.Connect(context.Background(), 0, 0))
	assert.Error(t, net.Connect(context.Background(), 0, 5))
}

func TestLookup(t *testing.T) {
	sc, ok := Lookup("fanout")
	require.True(t, ok)
	assert.Equal(t, 3, sc.Nodes)

	_, ok = Lookup("nope")
	assert.False(t, ok)
}
