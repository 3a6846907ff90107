// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

func TestResolveHeightGenesis(t *testing.T) {
	ledger := &FakeLedger{}
	ledger.Seed()

	if err := ResolveHeight(context.Background(), ledger, schema.HeightGenesisSpec()); err != nil {
		t.Fatalf("ResolveHeight(genesis): %v", err)
	}
	h, ok, err := ledger.Height(context.Background())
	if err != nil || !ok || h != 0 {
		t.Fatalf("height = (%d, %v, %v), want (0, true, nil)", h, ok, err)
	}
}

func TestResolveHeightGenesisWithoutStoredGenesisFails(t *testing.T) {
	ledger := &FakeLedger{}
	if err := ResolveHeight(context.Background(), ledger, schema.HeightGenesisSpec()); err == nil {
		t.Fatal("expected error resolving genesis with no stored genesis block")
	}
}

func TestResolveHeightTopNoopWhenLedgerExists(t *testing.T) {
	ledger := &FakeLedger{}
	ledger.Seed()
	if err := ledger.RewindTo(context.Background(), 42); err != nil {
		t.Fatalf("RewindTo: %v", err)
	}

	if err := ResolveHeight(context.Background(), ledger, schema.HeightTopSpec()); err != nil {
		t.Fatalf("ResolveHeight(top): %v", err)
	}
	h, ok, _ := ledger.Height(context.Background())
	if !ok || h != 42 {
		t.Fatalf("height = (%d, %v), want (42, true) — top must not touch an existing ledger", h, ok)
	}
}

func TestResolveHeightTopInitializesEmptyLedger(t *testing.T) {
	ledger := &FakeLedger{}
	ledger.Seed()

	if err := ResolveHeight(context.Background(), ledger, schema.HeightTopSpec()); err != nil {
		t.Fatalf("ResolveHeight(top): %v", err)
	}
	_, ok, _ := ledger.Height(context.Background())
	if !ok {
		t.Fatal("expected ledger to exist after top resolution on an empty ledger")
	}
}

func TestResolveHeightAbsolute(t *testing.T) {
	ledger := &FakeLedger{}
	if err := ResolveHeight(context.Background(), ledger, schema.HeightAbsoluteSpec(100)); err != nil {
		t.Fatalf("ResolveHeight(absolute): %v", err)
	}
	h, ok, _ := ledger.Height(context.Background())
	if !ok || h != 100 {
		t.Fatalf("height = (%d, %v), want (100, true)", h, ok)
	}
}

func TestResolveHeightCheckpointSelectsMatchingSpan(t *testing.T) {
	ledger := &FakeLedger{}
	ledger.AddCheckpoint(Checkpoint{Height: 10, Span: "1h"})
	ledger.AddCheckpoint(Checkpoint{Height: 500, Span: "24h"})

	if err := ResolveHeight(context.Background(), ledger, schema.HeightCheckpointSpec("24h")); err != nil {
		t.Fatalf("ResolveHeight(checkpoint): %v", err)
	}
	h, ok, _ := ledger.Height(context.Background())
	if !ok || h != 500 {
		t.Fatalf("height = (%d, %v), want (500, true)", h, ok)
	}
}

func TestResolveHeightCheckpointNoMatchFails(t *testing.T) {
	ledger := &FakeLedger{}
	ledger.AddCheckpoint(Checkpoint{Height: 10, Span: "1h"})

	if err := ResolveHeight(context.Background(), ledger, schema.HeightCheckpointSpec("7d")); err == nil {
		t.Fatal("expected error when no checkpoint matches the requested span")
	}
}
