// Command relaynet boots in-process relay networks and checks that blocks
// reach every node.
//
// Usage:
//
//	relaynet                          Run every scenario
//	relaynet --scenario=fanout -n 5   Run one scenario on five nodes
//	relaynet --logips-node=1          Log peer addresses on node 1
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/Klingon-tech/klingnet-relay/config"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/scenario"
)

type options struct {
	Scenario   []string      `long:"scenario" short:"s" description:"scenario to run, repeatable (default: all)"`
	Nodes      int           `long:"nodes" short:"n" description:"network size, 0 uses the scenario's own" default:"0"`
	Transport  string        `long:"transport" description:"peer transport" choice:"tcp" choice:"libp2p" default:"tcp"`
	Storage    string        `long:"storage" description:"block database" choice:"memory" choice:"leveldb" choice:"badger" default:"memory"`
	DataDir    string        `long:"datadir" description:"data directory for persistent storage"`
	Timeout    time.Duration `long:"timeout" description:"how long nodes get to converge" default:"30s"`
	LogLevel   string        `long:"log-level" env:"RELAYNET_LOG_LEVEL" description:"log level" default:"info"`
	LogIPsNode []int         `long:"logips-node" description:"node index that logs peer addresses, repeatable"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if err := klog.Init(opts.LogLevel, false, ""); err != nil {
		os.Exit(2)
	}
	logger := klog.WithComponent("relaynet")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scenarios, err := selectScenarios(opts.Scenario)
	if err != nil {
		logger.Fatal().Err(err).Msg("Bad scenario")
	}

	failed := 0
	for _, sc := range scenarios {
		start := time.Now()
		if err := run(ctx, sc, opts); err != nil {
			failed++
			logger.Error().Err(err).Str("scenario", sc.Name).Msg("Scenario failed")
			continue
		}
		logger.Info().Str("scenario", sc.Name).Dur("took", time.Since(start)).Msg("Scenario passed")
	}

	if failed > 0 {
		logger.Error().Int("failed", failed).Int("total", len(scenarios)).Msg("Some scenarios failed")
		os.Exit(1)
	}
	logger.Info().Int("total", len(scenarios)).Msg("All scenarios passed")
}

func selectScenarios(names []string) ([]scenario.Scenario, error) {
	if len(names) == 0 {
		return scenario.All, nil
	}
	out := make([]scenario.Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := scenario.Lookup(name)
		if !ok {
			return nil, errors.New("unknown scenario " + name)
		}
		out = append(out, sc)
	}
	return out, nil
}

func run(ctx context.Context, sc scenario.Scenario, opts options) error {
	nodes := sc.Nodes
	if opts.Nodes > 0 {
		nodes = opts.Nodes
	}
	overrides := make(map[int]scenario.Override)
	for _, i := range opts.LogIPsNode {
		overrides[i] = func(cfg *config.Config) { cfg.P2P.LogIPs = true }
	}
	dataDir := opts.DataDir
	if dataDir != "" {
		dataDir = filepath.Join(dataDir, sc.Name)
	}

	net, err := scenario.New(scenario.Options{
		Nodes:       nodes,
		Transport:   opts.Transport,
		Storage:     opts.Storage,
		DataDir:     dataDir,
		Overrides:   overrides,
		SyncTimeout: opts.Timeout,
	})
	if err != nil {
		return err
	}
	defer net.Close()
	return sc.Run(ctx, net)
}
