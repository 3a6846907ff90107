// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/event"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *bus.TokenAuthority, *event.Bus) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	generation, err := st.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	tokens, err := bus.NewTokenAuthority([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}

	events := event.New(st, generation, event.Config{})
	t.Cleanup(events.Stop)

	return New(Config{Store: st, Tokens: tokens, Events: events}), st, tokens, events
}

func TestHandshakeUnknownAgentAdmittedOnFirstContact(t *testing.T) {
	reg, _, tokens, _ := newTestRegistry(t)
	agentID := schema.MustAgentID("agent-unknown")
	token, err := tokens.IssueToken(agentID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	resp := reg.Handshake(context.Background(), bus.HandshakeRequest{
		AgentID: agentID,
		Token:   token,
	})
	if !resp.Accepted {
		t.Fatalf("Handshake rejected: %v", resp.Reject)
	}
	if resp.Generation != 1 {
		t.Fatalf("Generation = %d, want 1", resp.Generation)
	}
	if resp.LastKnownTargetState != nil {
		t.Fatalf("expected no LastKnownTargetState for an unclaimed agent")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	agentID := schema.MustAgentID("agent-forged")

	resp := reg.Handshake(context.Background(), bus.HandshakeRequest{
		AgentID: agentID,
		Token:   []byte("not-the-derived-token"),
	})
	if resp.Accepted {
		t.Fatal("expected rejection for a forged token")
	}
	if resp.Reject != bus.RejectAuthFailed {
		t.Fatalf("Reject = %q, want %q", resp.Reject, bus.RejectAuthFailed)
	}
}

func TestHandshakeReconnectBumpsGenerationAndReturnsTarget(t *testing.T) {
	reg, st, tokens, _ := newTestRegistry(t)
	agentID := schema.MustAgentID("agent-reconnect")
	token, err := tokens.IssueToken(agentID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	first := reg.Handshake(context.Background(), bus.HandshakeRequest{AgentID: agentID, Token: token})
	if !first.Accepted {
		t.Fatalf("first handshake rejected: %v", first.Reject)
	}

	envID := schema.MustEnvID("env-reconnect")
	nodeKey, err := schema.NewNodeKey(schema.NodeTypeValidator, "0")
	if err != nil {
		t.Fatalf("NewNodeKey: %v", err)
	}

	rec, found, err := loadAgent(context.Background(), st, agentID)
	if err != nil || !found {
		t.Fatalf("loadAgent after first handshake: found=%v err=%v", found, err)
	}
	rec.Claim = schema.Claim{EnvID: envID, NodeKey: nodeKey}
	if err := putAgent(context.Background(), st, rec); err != nil {
		t.Fatalf("putAgent: %v", err)
	}

	want := schema.TargetState{Online: true, NodeType: schema.NodeTypeValidator}
	encoded, err := codec.Marshal(want)
	if err != nil {
		t.Fatalf("codec.Marshal: %v", err)
	}
	if err := st.Batch(context.Background(), []store.Op{store.Put(store.TargetKey(envID.String(), nodeKey.String()), encoded)}); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	second := reg.Handshake(context.Background(), bus.HandshakeRequest{AgentID: agentID, Token: token})
	if !second.Accepted {
		t.Fatalf("second handshake rejected: %v", second.Reject)
	}
	if second.Generation != 2 {
		t.Fatalf("Generation = %d, want 2", second.Generation)
	}
	if second.LastKnownTargetState == nil || second.LastKnownTargetState.NodeType != schema.NodeTypeValidator {
		t.Fatalf("LastKnownTargetState = %+v, want NodeType=%s", second.LastKnownTargetState, schema.NodeTypeValidator)
	}
}

func TestAgentDisconnectedClearsConnectedFlag(t *testing.T) {
	reg, st, tokens, _ := newTestRegistry(t)
	agentID := schema.MustAgentID("agent-disconnect")
	token, err := tokens.IssueToken(agentID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if resp := reg.Handshake(context.Background(), bus.HandshakeRequest{AgentID: agentID, Token: token}); !resp.Accepted {
		t.Fatalf("handshake rejected: %v", resp.Reject)
	}

	reg.AgentDisconnected(agentID)

	rec, found, err := loadAgent(context.Background(), st, agentID)
	if err != nil || !found {
		t.Fatalf("loadAgent: found=%v err=%v", found, err)
	}
	if rec.Connected {
		t.Fatal("expected Connected=false after AgentDisconnected")
	}
}

func TestAgentEventReportStatusPublishesAgentObserved(t *testing.T) {
	reg, _, _, events := newTestRegistry(t)
	agentID := schema.MustAgentID("agent-observed")

	sub := events.Subscribe(event.Filter{}, 0)
	defer sub.Close()

	reg.AgentEvent(agentID, bus.AgentEvent{
		Kind:     bus.AgentEventReportStatus,
		Observed: &schema.ObservedState{NodeRunning: true, CurrentHeight: 42},
	})

	select {
	case ev := <-sub.Events():
		if ev.Kind != schema.EventAgentObserved {
			t.Fatalf("Kind = %q, want %q", ev.Kind, schema.EventAgentObserved)
		}
		if ev.AgentID != agentID {
			t.Fatalf("AgentID = %s, want %s", ev.AgentID, agentID)
		}
	default:
		t.Fatal("expected a published AgentObserved event")
	}
}
