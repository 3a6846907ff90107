// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/cannonset"
	"github.com/monadic-testbed/snops-core/internal/delegate"
	"github.com/monadic-testbed/snops-core/internal/event"
	"github.com/monadic-testbed/snops-core/internal/httpapi"
	"github.com/monadic-testbed/snops-core/internal/registry"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/config"
	"github.com/monadic-testbed/snops-core/lib/process"
	"github.com/monadic-testbed/snops-core/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $SNOPS_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("snops-control %s\n", version.Info())
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

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	generation, err := st.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping state store: %w", err)
	}

	rootKey, err := ensureRootKey(cfg.Bus.RootKeyPath)
	if err != nil {
		return fmt.Errorf("loading bus root key: %w", err)
	}
	tokens, err := bus.NewTokenAuthority(rootKey)
	if err != nil {
		return fmt.Errorf("constructing token authority: %w", err)
	}

	events := event.New(st, generation, event.Config{})
	defer events.Stop()

	reg := registry.New(registry.Config{
		Store:  st,
		Tokens: tokens,
		Events: events,
		Logger: logger,
	})

	busServer := bus.NewServer(bus.ServerConfig{
		Transport:        bus.TCPTransport{},
		ListenAddress:    cfg.Bus.ListenAddr,
		Handshaker:       reg,
		Sink:             reg,
		Logger:           logger,
		HeartbeatTimeout: cfg.Bus.HeartbeatInterval,
	})

	deleg := delegate.New(st, logger)

	cannons := cannonset.New(cannonset.Config{
		Store:       st,
		Dispatcher:  busServer,
		ConnChecker: busServer,
		Logger:      logger,
		OnEvent: func(kind schema.EventKind, payload map[string]any) {
			if _, err := events.Publish(ctx, kind, schema.EnvID{}, schema.AgentID{}, schema.NodeKey{}, payload); err != nil {
				logger.Warn("control: publishing cannon event", "kind", kind, "err", err)
			}
		},
	})

	apiServer := httpapi.New(httpapi.Config{
		Store:    st,
		Bus:      busServer,
		Delegate: deleg,
		Cannons:  cannons,
		Events:   events,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAPI.ListenAddr,
		Handler: apiServer.Handler(),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- busServer.Serve(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	logger.Info("control plane running",
		"bus_addr", cfg.Bus.ListenAddr,
		"http_addr", cfg.HTTPAPI.ListenAddr,
		"generation", generation,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "err", err)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("control: component exited with error", "err", err)
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

// ensureRootKey reads the bus root key from path, generating and
// persisting a fresh 32-byte key on first run. Every agent's bearer
// token is HKDF-derived from this key (internal/bus.TokenAuthority),
// so losing it invalidates every previously issued token.
func ensureRootKey(path string) ([]byte, error) {
	existing, err := os.ReadFile(path)
	if err == nil {
		return existing, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}
	return key, nil
}
