package config

import (
	"fmt"
	"time"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Regtest:
	default:
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Regtest)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	switch cfg.P2P.Transport {
	case TransportTCP, TransportLibp2p:
	default:
		return fmt.Errorf("p2p.transport must be %q or %q", TransportTCP, TransportLibp2p)
	}
	if cfg.P2P.MaxPeers < 1 {
		return fmt.Errorf("p2p.maxpeers must be at least 1")
	}
	if cfg.P2P.OutboundQueue < 1 {
		return fmt.Errorf("p2p.outbound_queue must be at least 1")
	}
	if cfg.P2P.MaxMsgRate < 0 {
		return fmt.Errorf("p2p.max_msg_rate must not be negative")
	}
	if err := positive("p2p.handshake_timeout", cfg.P2P.HandshakeTimeout); err != nil {
		return err
	}
	if err := positive("p2p.ping_interval", cfg.P2P.PingInterval); err != nil {
		return err
	}
	if cfg.P2P.IdleTimeout <= cfg.P2P.PingInterval {
		return fmt.Errorf("p2p.idle_timeout must exceed p2p.ping_interval")
	}

	if err := positive("relay.request_timeout", cfg.Relay.RequestTimeout); err != nil {
		return err
	}
	if cfg.Relay.MaxRetries < 0 {
		return fmt.Errorf("relay.max_retries must not be negative")
	}
	if cfg.Relay.MaxOrphans < 1 {
		return fmt.Errorf("relay.max_orphans must be at least 1")
	}
	if err := positive("relay.orphan_ttl", cfg.Relay.OrphanTTL); err != nil {
		return err
	}

	switch cfg.Storage.Backend {
	case BackendBadger, BackendLevelDB, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %q, %q or %q", BackendBadger, BackendLevelDB, BackendMemory)
	}

	if cfg.Mining.Enabled {
		if err := positive("mining.interval", cfg.Mining.Interval); err != nil {
			return err
		}
	}

	return nil
}

func positive(key string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}
