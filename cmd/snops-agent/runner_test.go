// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/monadic-testbed/snops-core/internal/node"
	"github.com/monadic-testbed/snops-core/internal/reconcile"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/binhash"
)

// installFakeBinary writes a shell script into binaryDir named by its
// own SHA256 digest, as a real SwapBinary call would require, and
// returns that digest.
func installFakeBinary(t *testing.T, binaryDir, script string) string {
	t.Helper()
	tmp := filepath.Join(binaryDir, "candidate")
	if err := os.WriteFile(tmp, []byte(script), 0700); err != nil {
		t.Fatalf("writing candidate binary: %v", err)
	}
	digest, err := binhash.HashFile(tmp)
	if err != nil {
		t.Fatalf("hashing candidate binary: %v", err)
	}
	name := binhash.FormatDigest(digest)
	if err := os.Rename(tmp, filepath.Join(binaryDir, name)); err != nil {
		t.Fatalf("renaming candidate into digest store: %v", err)
	}
	return name
}

func newTestRunner(t *testing.T) *processRunner {
	t.Helper()
	r, err := newProcessRunner(processRunnerConfig{
		DataDir:   t.TempDir(),
		BinaryDir: t.TempDir(),
		KeyDir:    t.TempDir(),
		Ledger:    &node.FakeLedger{},
		REST:      node.NewFakeREST(),
	})
	if err != nil {
		t.Fatalf("newProcessRunner: %v", err)
	}
	return r
}

func TestSwapBinaryInstallsAndValidatesDigest(t *testing.T) {
	r := newTestRunner(t)
	digest := installFakeBinary(t, r.binaryDir, "#!/bin/sh\nexit 0\n")

	if err := r.SwapBinary(context.Background(), digest); err != nil {
		t.Fatalf("SwapBinary: %v", err)
	}
	if r.binaryPath == "" {
		t.Fatal("expected binaryPath to be set after SwapBinary")
	}
}

func TestSwapBinaryMissingDigestIsError(t *testing.T) {
	r := newTestRunner(t)
	if err := r.SwapBinary(context.Background(), "0000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected an error for a digest absent from the local store")
	}
}

func TestWriteConfigThenStartAndStopNode(t *testing.T) {
	r := newTestRunner(t)
	digest := installFakeBinary(t, r.binaryDir, "#!/bin/sh\nsleep 60\n")
	ctx := context.Background()

	if err := r.SwapBinary(ctx, digest); err != nil {
		t.Fatalf("SwapBinary: %v", err)
	}
	if err := r.WriteConfig(ctx, []string{"10.0.0.1:4130"}, []string{"10.0.0.2:4130"}, map[string]string{"NETWORK": "1"}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if _, err := os.Stat(r.configPath()); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	if err := r.StartNode(ctx, reconcile.StartConfig{NodeType: schema.NodeTypeValidator}); err != nil {
		t.Fatalf("StartNode: %v", err)
	}

	observed, err := r.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !observed.NodeRunning {
		t.Fatal("expected NodeRunning=true after StartNode")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.StopNode(stopCtx); err != nil {
		t.Fatalf("StopNode: %v", err)
	}

	observed, err = r.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe after stop: %v", err)
	}
	if observed.NodeRunning {
		t.Fatal("expected NodeRunning=false after StopNode")
	}
}

func TestStartNodeWithoutBinaryFails(t *testing.T) {
	r := newTestRunner(t)
	err := r.StartNode(context.Background(), reconcile.StartConfig{NodeType: schema.NodeTypeValidator})
	if err == nil {
		t.Fatal("expected an error starting a node with no binary installed")
	}
}

func TestWritePrivateKeyMissingIsError(t *testing.T) {
	r := newTestRunner(t)
	if err := r.WritePrivateKey(context.Background(), "deadbeef"); err == nil {
		t.Fatal("expected an error for a key hash absent from the local store")
	}
}

func TestWritePrivateKeyCopiesIntoPlace(t *testing.T) {
	r := newTestRunner(t)
	keyHash := "validator-key-1"
	if err := os.WriteFile(filepath.Join(r.keyDir, keyHash), []byte("fake-private-key-bytes"), 0600); err != nil {
		t.Fatalf("seeding key store: %v", err)
	}

	if err := r.WritePrivateKey(context.Background(), keyHash); err != nil {
		t.Fatalf("WritePrivateKey: %v", err)
	}

	got, err := os.ReadFile(r.keyPath())
	if err != nil {
		t.Fatalf("reading materialized key: %v", err)
	}
	if string(got) != "fake-private-key-bytes" {
		t.Fatalf("key contents = %q, want %q", got, "fake-private-key-bytes")
	}
}

func TestSetLedgerHeightDelegatesToNodeResolveHeight(t *testing.T) {
	r := newTestRunner(t)
	fakeLedger := r.ledger.(*node.FakeLedger)
	fakeLedger.Seed()

	if err := r.SetLedgerHeight(context.Background(), schema.HeightSpec{Kind: schema.HeightGenesis}); err != nil {
		t.Fatalf("SetLedgerHeight: %v", err)
	}
	height, ok, err := fakeLedger.Height(context.Background())
	if err != nil || !ok || height != 0 {
		t.Fatalf("Height() = (%d, %v, %v), want (0, true, nil)", height, ok, err)
	}
}
