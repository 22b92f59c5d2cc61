// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: genesis and wire limits, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies the network a node joins.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest" // Local networks for scenarios and tests.
)

// Transport names accepted by p2p.transport.
const (
	TransportTCP    = "tcp"
	TransportLibp2p = "libp2p"
)

// Storage backends accepted by storage.backend.
const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Overrides the built-in genesis for Network (not persisted in config file).
	GenesisFile string

	P2P     P2PConfig
	Relay   RelayConfig
	Storage StorageConfig
	Mining  MiningConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Transport  string   `conf:"p2p.transport"` // tcp or libp2p
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds)
	LogIPs     bool     `conf:"p2p.logips"`    // Include remote addresses in peer logs

	HandshakeTimeout time.Duration `conf:"p2p.handshake_timeout"`
	PingInterval     time.Duration `conf:"p2p.ping_interval"`
	IdleTimeout      time.Duration `conf:"p2p.idle_timeout"`
	OutboundQueue    int           `conf:"p2p.outbound_queue"`
	MaxMsgRate       int           `conf:"p2p.max_msg_rate"` // Inbound messages/second per peer, 0 = unlimited
}

// RelayConfig holds block relay settings.
type RelayConfig struct {
	RequestTimeout time.Duration `conf:"relay.request_timeout"`
	MaxRetries     int           `conf:"relay.max_retries"`
	MaxOrphans     int           `conf:"relay.max_orphans"`
	OrphanTTL      time.Duration `conf:"relay.orphan_ttl"`
}

// StorageConfig selects the block database.
type StorageConfig struct {
	Backend string `conf:"storage.backend"`
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled  bool          `conf:"mining.enabled"`
	Interval time.Duration `conf:"mining.interval"`
	Tag      string        `conf:"mining.tag"` // Written into every coinbase payload
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `conf:"metrics.addr"` // Empty disables the endpoint
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-relay
//	macOS:   ~/Library/Application Support/KlingnetRelay
//	Windows: %APPDATA%\KlingnetRelay
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-relay"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetRelay")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetRelay")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetRelay")
	default:
		return filepath.Join(home, ".klingnet-relay")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "relay.conf")
}
