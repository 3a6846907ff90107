// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/node"
	"github.com/monadic-testbed/snops-core/internal/reconcile"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/config"
	"github.com/monadic-testbed/snops-core/lib/process"
	"github.com/monadic-testbed/snops-core/lib/secret"
	"github.com/monadic-testbed/snops-core/lib/version"
)

// probeCapability reports a free-form compute-capability hint: CPU
// count and free disk/memory on the agent's data directory filesystem.
// The control plane's compute-stage resolver uses FreeDiskMB to break
// ties among otherwise-equally-eligible agents; a failed statfs or
// sysinfo call just leaves FreeDiskMB or FreeMemMB at zero rather than
// failing startup over a diagnostic hint.
func probeCapability(dataDir string) schema.ResourceHint {
	hint := schema.ResourceHint{CPUCount: runtime.NumCPU()}

	var stat unix.Statfs_t
	if err := unix.Statfs(dataDir, &stat); err == nil {
		const mb = 1024 * 1024
		hint.FreeDiskMB = int64(stat.Bavail) * int64(stat.Bsize) / mb
	}

	var sysinfo unix.Sysinfo_t
	if err := unix.Sysinfo(&sysinfo); err == nil {
		const mb = 1024 * 1024
		hint.FreeMemMB = int64(sysinfo.Freeram) * int64(sysinfo.Unit) / mb
	}

	return hint
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		dataDir     string
		binaryDir   string
		keyDir      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $SNOPS_CONFIG)")
	flag.StringVar(&dataDir, "data-dir", "", "node working directory (config, keys, ledger)")
	flag.StringVar(&binaryDir, "binary-dir", "", "local digest-keyed node binary store")
	flag.StringVar(&keyDir, "key-dir", "", "local digest-keyed private key store")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("snops-agent %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing config paths: %w", err)
	}
	if cfg.Agent.ID == "" {
		return fmt.Errorf("agent.id is required in config")
	}

	if dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}
	if binaryDir == "" {
		return fmt.Errorf("--binary-dir is required")
	}
	if keyDir == "" {
		return fmt.Errorf("--key-dir is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	agentID, err := schema.NewAgentID(cfg.Agent.ID)
	if err != nil {
		return fmt.Errorf("invalid agent.id %q: %w", cfg.Agent.ID, err)
	}

	tokenBuf, err := secret.ReadFromPath(cfg.Agent.BearerTokenPath)
	if err != nil {
		return fmt.Errorf("reading bearer token: %w", err)
	}
	defer tokenBuf.Close()
	token := append([]byte(nil), tokenBuf.Bytes()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger := &node.FakeLedger{}
	rest := node.NewFakeREST()
	prover := &node.FakeProver{}

	runner, err := newProcessRunner(processRunnerConfig{
		DataDir:   dataDir,
		BinaryDir: binaryDir,
		KeyDir:    keyDir,
		Ledger:    ledger,
		REST:      rest,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("starting process runner: %w", err)
	}

	var client *bus.Client

	logLevel := new(slog.LevelVar)
	handler := &commandHandler{
		runner:   runner,
		rest:     rest,
		prover:   prover,
		logLevel: logLevel,
		log:      logger,
	}

	reconciler := reconcile.New(reconcile.Config{
		Runner: runner,
		Logger: logger,
		OnEvent: func(kind schema.EventKind, payload map[string]any) {
			if client == nil {
				return
			}
			if err := client.SendEvent(bus.AgentEvent{
				Kind:    bus.AgentEventLog,
				LogLine: fmt.Sprintf("%s %v", kind, payload),
			}); err != nil {
				logger.Warn("agent: failed to forward reconciler event", "kind", kind, "err", err)
			}
		},
	})

	client = bus.NewClient(bus.ClientConfig{
		Transport:        bus.TCPTransport{},
		Address:          cfg.Agent.ControlEndpoint,
		AgentID:          agentID,
		Token:            token,
		Version:          version.Short(),
		ModeFlags:        schema.ModeFlags{Validator: true, Prover: true, Client: true},
		Capability:       probeCapability(dataDir),
		Handler:          handler,
		Logger:           logger,
		HeartbeatTimeout: cfg.Bus.HeartbeatInterval,
		Backoff: bus.Backoff{
			Base:   cfg.Bus.ReconnectBackoffBase,
			Cap:    cfg.Bus.ReconnectBackoffCap,
			Jitter: true,
		},
	})
	client.OnTargetState(reconciler.SetTarget)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- client.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errs <- reconciler.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != context.Canceled {
			logger.Warn("agent: component exited with error", "err", err)
		}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
