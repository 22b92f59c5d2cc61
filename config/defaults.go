package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0",
			Port:       30403,
			Transport:  TransportTCP,
			MaxPeers:   50,
			// Seeds are either host:port (tcp) or full libp2p multiaddrs:
			//   "/ip4/203.0.113.1/tcp/30403/p2p/12D3KooW..."
			Seeds: []string{},

			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			IdleTimeout:      90 * time.Second,
			OutboundQueue:    1024,
			MaxMsgRate:       0,
		},
		Relay: RelayConfig{
			RequestTimeout: 20 * time.Second,
			MaxRetries:     3,
			MaxOrphans:     100,
			OrphanTTL:      10 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendBadger,
		},
		Mining: MiningConfig{
			Enabled:  false,
			Interval: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30404
	return cfg
}

// DefaultRegtest returns the default node configuration for local networks.
// Discovery is off and timeouts are short so scenarios settle quickly.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 30405
	cfg.P2P.NoDiscover = true
	cfg.P2P.HandshakeTimeout = 5 * time.Second
	cfg.Relay.RequestTimeout = 2 * time.Second
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}

func defaultPort(network NetworkType) string {
	switch network {
	case Testnet:
		return "30404"
	case Regtest:
		return "30405"
	default:
		return "30403"
	}
}
