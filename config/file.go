package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.transport":
		cfg.P2P.Transport = strings.ToLower(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)
	case "p2p.logips":
		cfg.P2P.LogIPs = parseBool(value)
	case "p2p.handshake_timeout":
		cfg.P2P.HandshakeTimeout, err = time.ParseDuration(value)
	case "p2p.ping_interval":
		cfg.P2P.PingInterval, err = time.ParseDuration(value)
	case "p2p.idle_timeout":
		cfg.P2P.IdleTimeout, err = time.ParseDuration(value)
	case "p2p.outbound_queue":
		cfg.P2P.OutboundQueue, err = strconv.Atoi(value)
	case "p2p.max_msg_rate":
		cfg.P2P.MaxMsgRate, err = strconv.Atoi(value)

	// Relay
	case "relay.request_timeout":
		cfg.Relay.RequestTimeout, err = time.ParseDuration(value)
	case "relay.max_retries":
		cfg.Relay.MaxRetries, err = strconv.Atoi(value)
	case "relay.max_orphans":
		cfg.Relay.MaxOrphans, err = strconv.Atoi(value)
	case "relay.orphan_ttl":
		cfg.Relay.OrphanTTL, err = time.ParseDuration(value)

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = strings.ToLower(value)

	// Mining
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.interval":
		cfg.Mining.Interval, err = time.ParseDuration(value)
	case "mining.tag":
		cfg.Mining.Tag = value

	// Metrics
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Relay Node Configuration

# Network: mainnet, testnet or regtest
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-relay)
# datadir = ~/.klingnet-relay

# ============================================================================
# P2P Network
# ============================================================================

p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `
p2p.maxpeers = 50

# Transport: tcp or libp2p
p2p.transport = tcp

# Seed nodes (comma-separated host:port or libp2p multiaddrs)
# p2p.seeds = node1.example.com:30403,/ip4/203.0.113.1/tcp/30403/p2p/12D3KooW...

# Disable mDNS/DHT discovery (libp2p only)
# p2p.nodiscover = false
# p2p.dhtserver = false

# Include remote addresses in peer log lines
# p2p.logips = false

# p2p.handshake_timeout = 10s
# p2p.ping_interval = 30s
# p2p.idle_timeout = 90s
# p2p.outbound_queue = 1024
# p2p.max_msg_rate = 0

# ============================================================================
# Block Relay
# ============================================================================

# relay.request_timeout = 20s
# relay.max_retries = 3
# relay.max_orphans = 100
# relay.orphan_ttl = 10m

# ============================================================================
# Storage: badger, leveldb or memory
# ============================================================================

storage.backend = badger

# ============================================================================
# Block Production
# ============================================================================

mining.enabled = false
# mining.interval = 10s
# mining.tag =

# ============================================================================
# Metrics (Prometheus, empty = disabled)
# ============================================================================

# metrics.addr = 127.0.0.1:9403

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
