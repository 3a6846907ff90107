// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monadic-testbed/snops-core/internal/node"
	"github.com/monadic-testbed/snops-core/internal/reconcile"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/binhash"
)

// stopGracePeriod is how long StopNode waits after SIGTERM before
// escalating to SIGKILL.
const stopGracePeriod = 5 * time.Second

// nodeConfig is the on-disk shape WriteConfig produces. The embedded
// node binary reads it at startup; shape is illustrative, matching
// whatever flag the local binary under test expects via --config.
type nodeConfig struct {
	Peers      []string          `yaml:"peers"`
	Validators []string          `yaml:"validators"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// processRunner is a generic os/exec-based reconcile.NodeRunner: it
// supervises a single child process per agent, installs binaries from
// a local digest-keyed store, and materializes config/key files to
// fixed paths under dataDir. It is deliberately thin — a faithful
// wrapper around a specific node binary's CLI and IPC surface is out
// of scope, same as internal/node's own interfaces.
type processRunner struct {
	dataDir   string // node working directory: config.yaml, validator.key, ledger/
	binaryDir string // local binary store, files named by hex SHA256 digest
	keyDir    string // local key store, files named by hex SHA256 digest

	ledger node.Ledger
	rest   node.REST

	log *slog.Logger

	mu         sync.Mutex
	binaryPath string
	cmd        *exec.Cmd
	exited     chan struct{}
}

// processRunnerConfig configures newProcessRunner.
type processRunnerConfig struct {
	DataDir   string
	BinaryDir string
	KeyDir    string
	Ledger    node.Ledger
	REST      node.REST
	Logger    *slog.Logger
}

func newProcessRunner(cfg processRunnerConfig) (*processRunner, error) {
	for _, dir := range []string{cfg.DataDir, cfg.BinaryDir, cfg.KeyDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("runner: creating %s: %w", dir, err)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &processRunner{
		dataDir:   cfg.DataDir,
		binaryDir: cfg.BinaryDir,
		keyDir:    cfg.KeyDir,
		ledger:    cfg.Ledger,
		rest:      cfg.REST,
		log:       log,
	}, nil
}

func (r *processRunner) configPath() string { return filepath.Join(r.dataDir, "config.yaml") }
func (r *processRunner) keyPath() string    { return filepath.Join(r.dataDir, "validator.key") }

// StartNode execs the currently installed binary against the
// already-materialized config file, per cfg.NodeType and cfg.Env
// merged over whatever WriteConfig last wrote.
func (r *processRunner) StartNode(ctx context.Context, cfg reconcile.StartConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.binaryPath == "" {
		return fmt.Errorf("runner: no binary installed, SwapBinary must run before StartNode")
	}
	if r.cmd != nil {
		return fmt.Errorf("runner: a node process is already running (pid %d)", r.cmd.Process.Pid)
	}

	args := []string{"--type", string(cfg.NodeType), "--config", r.configPath()}
	cmd := exec.Command(r.binaryPath, args...)
	cmd.Dir = r.dataDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), envSlice(cfg.Env)...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runner: starting node process: %w", err)
	}

	r.cmd = cmd
	r.exited = make(chan struct{})
	exited := r.exited
	go func() {
		cmd.Wait()
		close(exited)
	}()
	return nil
}

// StopNode sends SIGTERM and escalates to SIGKILL after
// stopGracePeriod if the process has not exited, the same pattern the
// daemon's relay cleanup uses.
func (r *processRunner) StopNode(ctx context.Context) error {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.exited
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	r.mu.Lock()
	r.cmd = nil
	r.exited = nil
	r.mu.Unlock()
	return nil
}

// SwapBinary installs the binary named by digest from the local
// binary store as the one StartNode execs next. The digest not
// existing in the store is a structural failure: no retry recovers a
// binary the agent was never handed.
func (r *processRunner) SwapBinary(ctx context.Context, digest string) error {
	candidate := filepath.Join(r.binaryDir, digest)
	info, err := os.Stat(candidate)
	if err != nil {
		return fmt.Errorf("runner: binary digest %s not present in local store: %w", digest, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("runner: binary at %s is not executable", candidate)
	}

	got, err := binhash.HashFile(candidate)
	if err != nil {
		return fmt.Errorf("runner: hashing candidate binary: %w", err)
	}
	if binhash.FormatDigest(got) != digest {
		return fmt.Errorf("runner: binary store file %s has digest %s, expected %s", candidate, binhash.FormatDigest(got), digest)
	}

	r.mu.Lock()
	r.binaryPath = candidate
	r.mu.Unlock()
	return nil
}

// SetLedgerHeight delegates straight to internal/node's height
// resolution rules against the injected Ledger — this is the seam
// that wires that package into the reconciler's actual call path.
func (r *processRunner) SetLedgerHeight(ctx context.Context, height schema.HeightSpec) error {
	return node.ResolveHeight(ctx, r.ledger, height)
}

// WritePrivateKey copies the key file named by keyHash out of the
// local key store into the node's expected key path. A hash with no
// matching file is structural: the agent was never given that key
// material, and the reconciler should not retry.
func (r *processRunner) WritePrivateKey(ctx context.Context, keyHash string) error {
	source := filepath.Join(r.keyDir, keyHash)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("runner: private key %s not present in local store: %w", keyHash, err)
	}
	return copyFile(source, r.keyPath(), 0600)
}

// WriteConfig materializes peers/validators/env to the node's config
// file as YAML, atomically via temp-file-then-rename.
func (r *processRunner) WriteConfig(ctx context.Context, peers, validators []string, env map[string]string) error {
	data, err := yaml.Marshal(nodeConfig{Peers: peers, Validators: validators, Env: env})
	if err != nil {
		return fmt.Errorf("runner: marshaling node config: %w", err)
	}
	return writeFileAtomic(r.configPath(), data, 0640)
}

// Observe reports the node's liveness and, once the process is
// running, its REST-observed height; a dead or not-yet-started
// process reports NodeRunning=false with zeroed chain fields.
func (r *processRunner) Observe(ctx context.Context) (schema.ObservedState, error) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	observed := schema.ObservedState{ReportedAt: time.Now()}
	if cmd == nil {
		return observed, nil
	}

	select {
	case <-r.exited:
		return observed, nil
	default:
	}

	observed.NodeRunning = true
	observed.ChildPID = cmd.Process.Pid

	if r.rest != nil {
		if height, err := r.rest.Height(ctx); err == nil {
			observed.CurrentHeight = height
		}
	}
	return observed, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("runner: opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("runner: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("runner: copying %s to %s: %w", src, tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runner: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runner: renaming %s into place: %w", tmp, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("runner: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runner: renaming %s into place: %w", tmp, err)
	}
	return nil
}
