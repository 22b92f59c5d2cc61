package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Version is the node software version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	Genesis string

	// P2P
	Listen           string
	P2PPort          int
	Transport        string
	Seeds            string
	MaxPeers         int
	NoDiscover       bool
	DHTServer        bool
	LogIPs           bool
	HandshakeTimeout time.Duration
	MaxMsgRate       int

	// Relay
	RequestTimeout time.Duration
	MaxRetries     int

	// Storage
	Backend string

	// Mining
	Mine         bool
	MineInterval time.Duration
	MineTag      string

	// Metrics
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero-value overrides).
	SetNoDiscover bool
	SetMine       bool
	SetLogJSON    bool
	SetMaxRetries bool
	SetMaxMsgRate bool
}

// ParseFlags parses os.Args, exiting on error.
func ParseFlags() *Flags {
	f, err := ParseArgs(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

// ParseArgs parses the given command-line arguments.
func ParseArgs(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet, testnet or regtest)")
	fs.BoolFunc("testnet", "Use testnet (shorthand for --network=testnet)", func(string) error {
		f.Network = string(Testnet)
		return nil
	})
	fs.BoolFunc("regtest", "Use regtest (shorthand for --network=regtest)", func(string) error {
		f.Network = string(Regtest)
		return nil
	})
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis JSON file (overrides the built-in genesis)")

	// P2P
	fs.StringVar(&f.Listen, "listen", "", "P2P listen address")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Transport, "transport", "", "P2P transport (tcp or libp2p)")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated host:port or libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode (for seeds)")
	fs.BoolVar(&f.LogIPs, "logips", false, "Include remote addresses in peer logs")
	fs.DurationVar(&f.HandshakeTimeout, "handshake-timeout", 0, "Handshake timeout")
	fs.IntVar(&f.MaxMsgRate, "max-msg-rate", 0, "Inbound messages per second per peer (0 = unlimited)")

	// Relay
	fs.DurationVar(&f.RequestTimeout, "request-timeout", 0, "Block request timeout")
	fs.IntVar(&f.MaxRetries, "max-retries", 0, "Block request retries before giving up")

	// Storage
	fs.StringVar(&f.Backend, "storage", "", "Storage backend (badger, leveldb or memory)")

	// Mining
	fs.BoolVar(&f.Mine, "mine", false, "Enable block production")
	fs.DurationVar(&f.MineInterval, "mine-interval", 0, "Time between produced blocks")
	fs.StringVar(&f.MineTag, "mine-tag", "", "Tag written into every coinbase payload")

	// Metrics
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Prometheus listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetMaxRetries = isFlagSet(fs, "max-retries")
	f.SetMaxMsgRate = isFlagSet(fs, "max-msg-rate")

	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// would be silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Genesis != "" {
		cfg.GenesisFile = f.Genesis
	}

	// P2P
	if f.Listen != "" {
		cfg.P2P.ListenAddr = f.Listen
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Transport != "" {
		cfg.P2P.Transport = strings.ToLower(f.Transport)
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.P2P.DHTServer = true
	}
	if f.LogIPs {
		cfg.P2P.LogIPs = true
	}
	if f.HandshakeTimeout != 0 {
		cfg.P2P.HandshakeTimeout = f.HandshakeTimeout
	}
	if f.SetMaxMsgRate {
		cfg.P2P.MaxMsgRate = f.MaxMsgRate
	}

	// Relay
	if f.RequestTimeout != 0 {
		cfg.Relay.RequestTimeout = f.RequestTimeout
	}
	if f.SetMaxRetries {
		cfg.Relay.MaxRetries = f.MaxRetries
	}

	// Storage
	if f.Backend != "" {
		cfg.Storage.Backend = strings.ToLower(f.Backend)
	}

	// Mining
	if f.SetMine {
		cfg.Mining.Enabled = f.Mine
	}
	if f.MineInterval != 0 {
		cfg.Mining.Interval = f.MineInterval
	}
	if f.MineTag != "" {
		cfg.Mining.Tag = f.MineTag
	}

	// Metrics
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingnet Relay - peer-to-peer block relay node

Usage:
  relayd [options]
  relayd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default), testnet or regtest
  --testnet       Shorthand for --network=testnet
  --regtest       Shorthand for --network=regtest
  --datadir       Data directory (default: ~/.klingnet-relay)
  --config, -c    Config file path (default: <datadir>/relay.conf)
  --genesis       Genesis JSON file (default: built-in for the network)

P2P Options:
  --listen             P2P listen address (default: 0.0.0.0)
  --p2p-port           P2P listen port (mainnet: 30403, testnet: 30404, regtest: 30405)
  --transport          tcp (default) or libp2p
  --seeds              Seed nodes, comma-separated host:port or libp2p multiaddrs
  --maxpeers           Maximum number of peers (default: 50)
  --nodiscover         Disable mDNS/DHT discovery
  --dht-server         Run DHT in server mode (for seed nodes)
  --logips             Include remote addresses in peer logs
  --handshake-timeout  Handshake timeout (default: 10s)
  --max-msg-rate       Inbound messages per second per peer (default: unlimited)

Relay Options:
  --request-timeout    Block request timeout (default: 20s)
  --max-retries        Block request retries (default: 3)

Storage Options:
  --storage       badger (default), leveldb or memory

Mining Options:
  --mine            Enable block production
  --mine-interval   Time between produced blocks (default: 10s)
  --mine-tag        Tag written into every coinbase payload

Metrics Options:
  --metrics-addr  Prometheus listen address (default: disabled)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start a regtest node that produces a block every 5 seconds
  relayd --regtest --mine --mine-interval=5s

  # Join a seed over TCP
  relayd --seeds=203.0.113.1:30403
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("relayd version " + Version)
		os.Exit(0)
	}

	cfg, err := LoadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWithFlags runs the Load precedence chain for already-parsed flags.
func LoadWithFlags(flags *Flags) (*Config, error) {
	network := Mainnet
	switch NetworkType(strings.ToLower(flags.Network)) {
	case Testnet:
		network = Testnet
	case Regtest:
		network = Regtest
	}

	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
