// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cannon

import (
	"context"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
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

func putTestAgent(t *testing.T, ctx context.Context, st *store.Store, rec schema.AgentRecord) {
	t.Helper()
	encoded, err := codec.Marshal(rec)
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	if err := st.Batch(ctx, []store.Op{store.Put(store.AgentKey(rec.ID.String()), encoded)}); err != nil {
		t.Fatalf("Batch: %v", err)
	}
}

// connSet reports every agent in the set as connected, everyone else
// as not.
type connSet map[schema.AgentID]bool

func (c connSet) Connected(id schema.AgentID) bool { return c[id] }

func TestResolveComputePrefersHighestFreeDisk(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	low := schema.MustAgentID("agent-low")
	high := schema.MustAgentID("agent-high")

	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:         schema.MustAgentID("agent-low"),
		ModeFlags:  schema.ModeFlags{Compute: true},
		Capability: schema.ResourceHint{FreeDiskMB: 100},
	})
	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:         high,
		ModeFlags:  schema.ModeFlags{Compute: true},
		Capability: schema.ResourceHint{FreeDiskMB: 9000},
	})

	conn := connSet{low: true, high: true}
	r := NewStoreResolver(st, conn, schema.MustEnvID("devnet"), nil)

	got, err := r.ResolveCompute(ctx)
	if err != nil {
		t.Fatalf("ResolveCompute: %v", err)
	}
	if got != high {
		t.Errorf("ResolveCompute = %s, want %s (higher free disk)", got, high)
	}
}

func TestResolveComputeSkipsDisconnectedAndNonCompute(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	disconnected := schema.MustAgentID("agent-disconnected")
	notCompute := schema.MustAgentID("agent-not-compute")
	eligible := schema.MustAgentID("agent-eligible")

	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:         disconnected,
		ModeFlags:  schema.ModeFlags{Compute: true},
		Capability: schema.ResourceHint{FreeDiskMB: 100000},
	})
	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:        notCompute,
		ModeFlags: schema.ModeFlags{Validator: true},
	})
	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:         eligible,
		ModeFlags:  schema.ModeFlags{Compute: true},
		Capability: schema.ResourceHint{FreeDiskMB: 10},
	})

	conn := connSet{notCompute: true, eligible: true}
	r := NewStoreResolver(st, conn, schema.MustEnvID("devnet"), nil)

	got, err := r.ResolveCompute(ctx)
	if err != nil {
		t.Fatalf("ResolveCompute: %v", err)
	}
	if got != eligible {
		t.Errorf("ResolveCompute = %s, want %s", got, eligible)
	}
}

func TestResolveComputeRequiresLabels(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	unlabeled := schema.MustAgentID("agent-unlabeled")
	labeled := schema.MustAgentID("agent-labeled")

	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:         unlabeled,
		ModeFlags:  schema.ModeFlags{Compute: true},
		Capability: schema.ResourceHint{FreeDiskMB: 50000},
	})
	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:        labeled,
		ModeFlags: schema.ModeFlags{Compute: true},
		Labels:    []string{"gpu"},
	})

	conn := connSet{unlabeled: true, labeled: true}
	r := NewStoreResolver(st, conn, schema.MustEnvID("devnet"), []string{"gpu"})

	got, err := r.ResolveCompute(ctx)
	if err != nil {
		t.Fatalf("ResolveCompute: %v", err)
	}
	if got != labeled {
		t.Errorf("ResolveCompute = %s, want %s (only agent with required label)", got, labeled)
	}
}

func TestResolveComputeNoneAvailable(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	r := NewStoreResolver(st, connSet{}, schema.MustEnvID("devnet"), nil)
	if _, err := r.ResolveCompute(ctx); err == nil {
		t.Error("expected error when no compute agent is available")
	}
}

func TestResolveTargetMatchesClaimedNode(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	envID := schema.MustEnvID("devnet")
	key, err := schema.NewNodeKey(schema.NodeTypeValidator, "0")
	if err != nil {
		t.Fatalf("NewNodeKey: %v", err)
	}

	env := schema.EnvironmentRecord{
		ID: envID,
		Topology: map[string]schema.InternalNode{
			key.String(): {Online: true},
		},
	}
	encoded, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("codec.Marshal env: %v", err)
	}
	if err := st.Batch(ctx, []store.Op{store.Put(store.EnvKey(envID.String()), encoded)}); err != nil {
		t.Fatalf("Batch env: %v", err)
	}

	agentID := schema.MustAgentID("agent-validator-0")
	putTestAgent(t, ctx, st, schema.AgentRecord{
		ID:        agentID,
		ModeFlags: schema.ModeFlags{Validator: true},
		Claim:     schema.Claim{EnvID: envID, NodeKey: key},
	})

	conn := connSet{agentID: true}
	r := NewStoreResolver(st, conn, envID, nil)

	sel, err := schema.ParseSelector(key.String())
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}

	got, err := r.ResolveTarget(ctx, sel)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if got != agentID {
		t.Errorf("ResolveTarget = %s, want %s", got, agentID)
	}
}

func TestResolveTargetNoMatch(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	envID := schema.MustEnvID("devnet")
	env := schema.EnvironmentRecord{ID: envID}
	encoded, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("codec.Marshal env: %v", err)
	}
	if err := st.Batch(ctx, []store.Op{store.Put(store.EnvKey(envID.String()), encoded)}); err != nil {
		t.Fatalf("Batch env: %v", err)
	}

	r := NewStoreResolver(st, connSet{}, envID, nil)

	sel, err := schema.ParseSelector("validator/0")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if _, err := r.ResolveTarget(ctx, sel); err == nil {
		t.Error("expected error when selector matches no topology node")
	}
}
