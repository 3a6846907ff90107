// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestFakeRESTBroadcastRecordsBody(t *testing.T) {
	rest := NewFakeREST()
	if err := rest.Broadcast(context.Background(), "/transaction/broadcast", []byte("tx1")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	got := rest.Broadcasts()
	if len(got) != 1 || string(got[0]) != "tx1" {
		t.Fatalf("Broadcasts() = %v, want [tx1]", got)
	}
}

func TestFakeRESTBroadcastDuplicateWithinSameHeight(t *testing.T) {
	rest := NewFakeREST()
	ctx := context.Background()
	if err := rest.Broadcast(ctx, "/transaction/broadcast", []byte("tx1")); err != nil {
		t.Fatalf("first Broadcast: %v", err)
	}
	if err := rest.Broadcast(ctx, "/transaction/broadcast", []byte("tx1")); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("second Broadcast at same height = %v, want ErrDuplicateTransaction", err)
	}
	if got := rest.Broadcasts(); len(got) != 1 {
		t.Fatalf("Broadcasts() recorded %d entries, want 1 (duplicate not re-recorded)", len(got))
	}
}

func TestFakeRESTBroadcastSameTxAllowedAtNewHeight(t *testing.T) {
	rest := NewFakeREST()
	ctx := context.Background()
	if err := rest.Broadcast(ctx, "/transaction/broadcast", []byte("tx1")); err != nil {
		t.Fatalf("first Broadcast: %v", err)
	}
	rest.SetHeight(1)
	if err := rest.Broadcast(ctx, "/transaction/broadcast", []byte("tx1")); err != nil {
		t.Fatalf("Broadcast after height advanced = %v, want nil", err)
	}
	if got := rest.Broadcasts(); len(got) != 2 {
		t.Fatalf("Broadcasts() recorded %d entries, want 2", len(got))
	}
}

func TestFakeRESTReadPaths(t *testing.T) {
	rest := NewFakeREST()
	rest.SetHeight(7)
	rest.SetBlock(7, json.RawMessage(`{"height":7}`))
	rest.SetBalance("aleo1abc", 1000)
	rest.SetMapping("credits.aleo", "account", "aleo1abc", json.RawMessage(`"1000u64"`))
	rest.SetProgram("credits.aleo", json.RawMessage(`"program credits.aleo;"`))

	ctx := context.Background()
	if h, err := rest.Height(ctx); err != nil || h != 7 {
		t.Fatalf("Height() = (%d, %v), want (7, nil)", h, err)
	}
	if _, err := rest.Block(ctx, 7); err != nil {
		t.Fatalf("Block(7): %v", err)
	}
	if _, err := rest.Block(ctx, 8); err == nil {
		t.Fatal("expected error for missing block")
	}
	if bal, err := rest.Balance(ctx, "aleo1abc"); err != nil || bal != 1000 {
		t.Fatalf("Balance() = (%d, %v), want (1000, nil)", bal, err)
	}
	if _, err := rest.Mapping(ctx, "credits.aleo", "account", "aleo1abc"); err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if _, err := rest.Program(ctx, "credits.aleo"); err != nil {
		t.Fatalf("Program: %v", err)
	}
}

func TestFakeProverAuthorizeThenExecute(t *testing.T) {
	prover := &FakeProver{}
	ctx := context.Background()

	auth, err := prover.Authorize(ctx, "credits.aleo", "transfer_public", []string{"aleo1abc", "1000u64"}, "validator-0", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if len(auth) == 0 {
		t.Fatal("expected non-empty authorization bytes")
	}

	tx, err := prover.Execute(ctx, auth, "http://localhost:3030")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tx) == 0 {
		t.Fatal("expected non-empty transaction bytes")
	}
	if prover.Calls() != 2 {
		t.Fatalf("Calls() = %d, want 2", prover.Calls())
	}
}

func TestFakeProverFailNext(t *testing.T) {
	prover := &FakeProver{}
	prover.FailNext(errors.New("proving key unavailable"))
	if _, err := prover.Authorize(context.Background(), "credits.aleo", "mint", nil, "validator-0", nil); err == nil {
		t.Fatal("expected error after FailNext")
	}
}
