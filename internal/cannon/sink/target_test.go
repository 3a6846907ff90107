// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

// fakeDispatcher answers every OpCannonTx with a canned status,
// recording how many times it was called.
type fakeDispatcher struct {
	status bus.ResultStatus
	calls  int
}

func (d *fakeDispatcher) Request(ctx context.Context, id schema.AgentID, cmd bus.Command) (bus.Response, error) {
	d.calls++
	return bus.Response{ReqID: cmd.ReqID, Status: d.status}, nil
}

type fakeTargetResolver struct{ agent schema.AgentID }

func (r fakeTargetResolver) ResolveCompute(ctx context.Context) (schema.AgentID, error) {
	return r.agent, nil
}

func (r fakeTargetResolver) ResolveTarget(ctx context.Context, sel schema.Selector) (schema.AgentID, error) {
	return r.agent, nil
}

func TestTargetBroadcastOK(t *testing.T) {
	d := &fakeDispatcher{status: bus.ResultOK}
	sel, err := schema.ParseSelector("validator/0")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	tgt := NewTarget(d, fakeTargetResolver{agent: schema.MustAgentID("agent-a")}, sel, "")

	if err := tgt.Broadcast(context.Background(), []byte("tx1")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", d.calls)
	}
}

// A target agent reporting ResultDuplicate means the node already has
// this transaction's id at its current height: the cannon must treat
// that as a successful broadcast, not retry it.
func TestTargetBroadcastDuplicateTreatedAsSuccess(t *testing.T) {
	d := &fakeDispatcher{status: bus.ResultDuplicate}
	sel, err := schema.ParseSelector("validator/0")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	tgt := NewTarget(d, fakeTargetResolver{agent: schema.MustAgentID("agent-a")}, sel, "")

	if err := tgt.Broadcast(context.Background(), []byte("tx1")); err != nil {
		t.Fatalf("Broadcast with ResultDuplicate = %v, want nil", err)
	}
}

func TestTargetBroadcastErrorStatusFails(t *testing.T) {
	d := &fakeDispatcher{status: bus.ResultError}
	sel, err := schema.ParseSelector("validator/0")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	tgt := NewTarget(d, fakeTargetResolver{agent: schema.MustAgentID("agent-a")}, sel, "")

	if err := tgt.Broadcast(context.Background(), []byte("tx1")); err == nil {
		t.Fatal("Broadcast with ResultError = nil, want error")
	}
}
