// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

type acceptAllHandshaker struct{}

func (acceptAllHandshaker) Handshake(_ context.Context, req HandshakeRequest) HandshakeResponse {
	return HandshakeResponse{Accepted: true, Generation: 1}
}

type recordingSink struct {
	mu        sync.Mutex
	connected []schema.AgentID
	events    []AgentEvent
}

func (s *recordingSink) AgentConnected(id schema.AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, id)
}

func (s *recordingSink) AgentDisconnected(schema.AgentID) {}

func (s *recordingSink) AgentEvent(id schema.AgentID, ev AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type echoHandler struct {
	mu   sync.Mutex
	seen []schema.TargetState
}

func (h *echoHandler) HandleCommand(_ context.Context, cmd Command) Response {
	if cmd.Op == OpSetTargetState && cmd.SetTargetState != nil {
		h.mu.Lock()
		h.seen = append(h.seen, *cmd.SetTargetState)
		h.mu.Unlock()
	}
	return Response{Status: ResultOK}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestServerClientHandshakeAndCommand(t *testing.T) {
	transport := newPipeTransport()
	sink := &recordingSink{}
	srv := NewServer(ServerConfig{
		Transport:     transport,
		ListenAddress: "unused",
		Handshaker:    acceptAllHandshaker{},
		Sink:          sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	handler := &echoHandler{}
	agentID := schema.MustAgentID("agent-1")
	client := NewClient(ClientConfig{
		Transport: transport,
		Address:   "unused",
		AgentID:   agentID,
		Handler:   handler,
	})
	go client.Run(ctx)

	if err := client.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	waitFor(t, time.Second, func() bool { return srv.Connected(agentID) })

	state := &schema.TargetState{Online: true, NodeType: schema.NodeTypeValidator}
	if err := srv.SetTargetState(agentID, state); err != nil {
		t.Fatalf("SetTargetState: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.seen) == 1
	})

	reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
	defer reqCancel()
	resp, err := srv.Request(reqCtx, agentID, Command{Op: OpGetStatus})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Status != ResultOK {
		t.Fatalf("resp.Status = %v, want ResultOK", resp.Status)
	}
}

func TestServerSetTargetStateCoalesces(t *testing.T) {
	transport := newPipeTransport()
	srv := NewServer(ServerConfig{
		Transport:     transport,
		ListenAddress: "unused",
		Handshaker:    acceptAllHandshaker{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	handler := &echoHandler{}
	agentID := schema.MustAgentID("agent-1")
	client := NewClient(ClientConfig{
		Transport: transport,
		Address:   "unused",
		AgentID:   agentID,
		Handler:   handler,
	})
	go client.Run(ctx)
	if err := client.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	waitFor(t, time.Second, func() bool { return srv.Connected(agentID) })

	first := &schema.TargetState{Online: true, NodeType: schema.NodeTypeValidator}
	second := &schema.TargetState{Online: false, NodeType: schema.NodeTypeValidator}
	_ = srv.SetTargetState(agentID, first)
	_ = srv.SetTargetState(agentID, second)

	waitFor(t, time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.seen) >= 1 && !handler.seen[len(handler.seen)-1].Online
	})

	// The outbox coalesces a not-yet-sent state with whatever arrives
	// next, so at most two SetTargetState commands can reach the
	// agent for these two calls, and the last one observed must be
	// the final (Online=false) state.
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.seen) > 2 {
		t.Fatalf("expected at most two SetTargetState deliveries, got %d", len(handler.seen))
	}
}
