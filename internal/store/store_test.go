// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "agent/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found = false for missing key")
	}
}

func TestBatchPutThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, []store.Op{
		store.Put("agent/a1", []byte("one")),
		store.Put("agent/a2", []byte("two")),
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	value, found, err := s.Get(ctx, "agent/a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(value) != "one" {
		t.Errorf("Get(agent/a1) = (%q, %v), want (\"one\", true)", value, found)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Batch(ctx, []store.Op{store.Put("agent/a1", []byte("keep"))}); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	// A batch containing a bad op kind should fail entirely and leave
	// prior state untouched.
	err := s.Batch(ctx, []store.Op{
		store.Put("agent/a2", []byte("should not persist")),
		{Kind: store.OpKind(99), Key: "bogus"},
	})
	if err == nil {
		t.Fatal("expected error from batch with invalid op")
	}

	if _, found, _ := s.Get(ctx, "agent/a2"); found {
		t.Error("expected agent/a2 not to persist after failed batch")
	}
	if value, found, _ := s.Get(ctx, "agent/a1"); !found || string(value) != "keep" {
		t.Error("expected agent/a1 to remain from the prior successful batch")
	}
}

func TestScanPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, []store.Op{
		store.Put("agent/a1", []byte("1")),
		store.Put("agent/a2", []byte("2")),
		store.Put("env/e1", []byte("3")),
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	entries, err := s.Scan(ctx, store.AgentPrefix())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Key != "agent/a1" || entries[1].Key != "agent/a2" {
		t.Errorf("unexpected scan order: %+v", entries)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Batch(ctx, []store.Op{store.Put("agent/a1", []byte("1"))}); err != nil {
		t.Fatalf("Batch put: %v", err)
	}
	if err := s.Batch(ctx, []store.Op{store.Delete("agent/a1")}); err != nil {
		t.Fatalf("Batch delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "agent/a1"); found {
		t.Error("expected agent/a1 deleted")
	}
}

func TestBootstrapIncrementsGeneration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if first != 1 {
		t.Errorf("first generation = %d, want 1", first)
	}

	second, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if second != 2 {
		t.Errorf("second generation = %d, want 2", second)
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	s := openTestStore(t)
	if err := s.Batch(context.Background(), nil); err != store.ErrEmptyBatch {
		t.Errorf("Batch(nil) error = %v, want %v", err, store.ErrEmptyBatch)
	}
}
