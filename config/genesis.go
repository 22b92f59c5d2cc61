package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// =============================================================================
// Protocol Rules
// These MUST match across all nodes or peers cannot relay to each other.
// =============================================================================

// Wire protocol versions.
const (
	ProtocolVersion    = 1 // Version announced in the handshake.
	MinProtocolVersion = 1 // Oldest peer version accepted.
)

// UserAgent is announced in the handshake.
const UserAgent = "/klingnet-relay:" + Version + "/"

// Block limits.
const (
	MaxBlockSize = 1 << 20 // 1 MiB encoded block
	MaxBlockTxs  = 5000    // Max transactions per block (including coinbase)
)

// MaxFutureBlockTime is how far ahead of local time a block timestamp may be.
const MaxFutureBlockTime = 2 * time.Minute

// MaxInvItems caps the number of items in one inventory or getdata message.
const MaxInvItems = 50_000

// Genesis describes the genesis block of a network. The block itself is
// built by the chain package; its hash identifies the network in handshakes.
type Genesis struct {
	Network   NetworkType `json:"network"`
	Timestamp uint64      `json:"timestamp"`
	ExtraData string      `json:"extra_data"` // Sole transaction payload of the genesis block
	Nonce     uint64      `json:"nonce,omitempty"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		Network:   Mainnet,
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Relay Genesis",
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.Network = Testnet
	g.ExtraData = "Klingnet Relay Testnet Genesis"
	return g
}

// RegtestGenesis returns the regtest genesis configuration.
func RegtestGenesis() *Genesis {
	g := MainnetGenesis()
	g.Network = Regtest
	g.Timestamp = 1296688602
	g.ExtraData = "Klingnet Relay Regtest Genesis"
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	case Regtest:
		return RegtestGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is usable.
func (g *Genesis) Validate() error {
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp is required")
	}
	if g.ExtraData == "" {
		return fmt.Errorf("extra_data is required")
	}
	if len(g.ExtraData) > MaxBlockSize/2 {
		return fmt.Errorf("extra_data too large: %d bytes", len(g.ExtraData))
	}
	return nil
}
