package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet, Regtest} {
		if err := Validate(Default(n)); err != nil {
			t.Errorf("Default(%q) should validate: %v", n, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil network", func(c *Config) { c.Network = "devnet" }},
		{"bad port", func(c *Config) { c.P2P.Port = 70000 }},
		{"bad transport", func(c *Config) { c.P2P.Transport = "udp" }},
		{"zero maxpeers", func(c *Config) { c.P2P.MaxPeers = 0 }},
		{"zero queue", func(c *Config) { c.P2P.OutboundQueue = 0 }},
		{"idle below ping", func(c *Config) { c.P2P.IdleTimeout = c.P2P.PingInterval }},
		{"zero request timeout", func(c *Config) { c.Relay.RequestTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Relay.MaxRetries = -1 }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"mining without interval", func(c *Config) {
			c.Mining.Enabled = true
			c.Mining.Interval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRegtest()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := Validate(nil); err == nil {
		t.Error("nil config should be rejected")
	}
}

func TestLoadFile_Parse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.conf")
	content := `# comment
network = regtest
p2p.port = 4000
p2p.seeds = "a:1, b:2"
p2p.handshake_timeout = 3s
relay.max_orphans = 7
storage.backend = LevelDB
log.json = yes
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Regtest {
		t.Errorf("network = %q", cfg.Network)
	}
	if cfg.P2P.Port != 4000 {
		t.Errorf("port = %d", cfg.P2P.Port)
	}
	if len(cfg.P2P.Seeds) != 2 || cfg.P2P.Seeds[1] != "b:2" {
		t.Errorf("seeds = %v", cfg.P2P.Seeds)
	}
	if cfg.P2P.HandshakeTimeout != 3*time.Second {
		t.Errorf("handshake timeout = %v", cfg.P2P.HandshakeTimeout)
	}
	if cfg.Relay.MaxOrphans != 7 {
		t.Errorf("max orphans = %d", cfg.Relay.MaxOrphans)
	}
	if cfg.Storage.Backend != BackendLevelDB {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if !cfg.Log.JSON {
		t.Error("log.json should be true")
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	values, err := LoadFile(filepath.Join(dir, "missing.conf"))
	if err != nil || len(values) != 0 {
		t.Errorf("missing file should yield empty values, got %v, %v", values, err)
	}

	bad := filepath.Join(dir, "bad.conf")
	os.WriteFile(bad, []byte("not a pair\n"), 0644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("line without '=' should error")
	}

	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, map[string]string{"p2p.port": "abc"}); err == nil {
		t.Error("non-numeric port should error")
	}
	if err := ApplyFileConfig(cfg, map[string]string{"relay.orphan_ttl": "forever"}); err == nil {
		t.Error("bad duration should error")
	}
}

func TestParseArgs(t *testing.T) {
	f, err := ParseArgs([]string{"--regtest", "--mine", "--max-retries=0", "--seeds=x:1,y:2", "--logips"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	cfg := DefaultRegtest()
	cfg.Relay.MaxRetries = 5
	ApplyFlags(cfg, f)

	if cfg.Network != Regtest {
		t.Errorf("network = %q", cfg.Network)
	}
	if !cfg.Mining.Enabled {
		t.Error("mining should be enabled")
	}
	if cfg.Relay.MaxRetries != 0 {
		t.Errorf("explicit --max-retries=0 should apply, got %d", cfg.Relay.MaxRetries)
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("seeds = %v", cfg.P2P.Seeds)
	}
	if !cfg.P2P.LogIPs {
		t.Error("logips should be set")
	}

	if _, err := ParseArgs([]string{"positional", "--mine"}); err == nil {
		t.Error("flag after positional argument should error")
	}
}

func TestLoadWithFlags_Precedence(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "custom.conf")
	os.WriteFile(confPath, []byte("p2p.port = 5000\np2p.maxpeers = 9\n"), 0644)

	f, err := ParseArgs([]string{"--regtest", "--datadir=" + dir, "--config=" + confPath, "--p2p-port=6000"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	cfg, err := LoadWithFlags(f)
	if err != nil {
		t.Fatalf("LoadWithFlags: %v", err)
	}
	if cfg.P2P.Port != 6000 {
		t.Errorf("flag should win over file: port = %d", cfg.P2P.Port)
	}
	if cfg.P2P.MaxPeers != 9 {
		t.Errorf("file should win over defaults: maxpeers = %d", cfg.P2P.MaxPeers)
	}
	if _, err := os.Stat(filepath.Join(dir, "relay.conf")); err != nil {
		t.Errorf("default config file should be created: %v", err)
	}
	if _, err := os.Stat(cfg.BlocksDir()); err != nil {
		t.Errorf("blocks dir should be created: %v", err)
	}
}
