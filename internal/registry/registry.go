// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the control plane's side of agent
// connection lifecycle: it satisfies bus.Handshaker and bus.EventSink
// against the State store, so bus.Server never needs to know how
// agent records are persisted, and forwards connect/disconnect/report
// transitions into the event bus (C6).
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/event"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/clock"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

// Registry admits agent connections and mirrors their lifecycle into
// the State store and event bus.
type Registry struct {
	store  *store.Store
	tokens *bus.TokenAuthority
	events *event.Bus
	clk    clock.Clock
	log    *slog.Logger
}

// Config configures a Registry.
type Config struct {
	Store  *store.Store
	Tokens *bus.TokenAuthority
	Events *event.Bus
	Clock  clock.Clock
	Logger *slog.Logger
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: cfg.Store, tokens: cfg.Tokens, events: cfg.Events, clk: clk, log: log}
}

// Handshake implements bus.Handshaker: every agent, known or not, must
// present the token the TokenAuthority derives for its id; no token is
// stored. An unknown id that passes is registered as a new record.
func (r *Registry) Handshake(ctx context.Context, req bus.HandshakeRequest) bus.HandshakeResponse {
	ok, err := r.tokens.Verify(req.AgentID, req.Token)
	if err != nil {
		r.log.Error("registry: token verify", "agent", req.AgentID, "err", err)
		return bus.HandshakeResponse{Accepted: false, Reject: bus.RejectAuthFailed}
	}
	if !ok {
		return bus.HandshakeResponse{Accepted: false, Reject: bus.RejectAuthFailed}
	}

	rec, found, err := loadAgent(ctx, r.store, req.AgentID)
	if err != nil {
		r.log.Error("registry: load agent", "agent", req.AgentID, "err", err)
		return bus.HandshakeResponse{Accepted: false, Reject: bus.RejectAuthFailed}
	}
	if !found {
		rec = schema.AgentRecord{ID: req.AgentID}
	}

	rec.Connected = true
	rec.LastSeen = r.clk.Now()
	rec.ExternalAddr = req.ExternalAddr
	rec.InternalAddrs = req.InternalAddrs
	rec.ModeFlags = req.ModeFlags
	rec.Labels = req.Labels
	rec.Capability = req.Capability
	rec.LocalPKAvailable = req.LocalPKAvailable
	rec.Generation++

	if err := putAgent(ctx, r.store, rec); err != nil {
		r.log.Error("registry: persist agent", "agent", req.AgentID, "err", err)
		return bus.HandshakeResponse{Accepted: false, Reject: bus.RejectAuthFailed}
	}

	resp := bus.HandshakeResponse{Accepted: true, Generation: rec.Generation}
	if !rec.Claim.IsZero() {
		target, found, err := loadTarget(ctx, r.store, rec.Claim.EnvID, rec.Claim.NodeKey)
		if err != nil {
			r.log.Warn("registry: load claimed target", "agent", req.AgentID, "err", err)
		} else if found {
			resp.LastKnownTargetState = &target
		}
	}
	return resp
}

// AgentConnected implements bus.EventSink.
func (r *Registry) AgentConnected(id schema.AgentID) {
	r.publish(schema.EventAgentConnected, schema.EnvID{}, id, schema.NodeKey{}, nil)
}

// AgentDisconnected implements bus.EventSink: marks the agent record
// disconnected so the Delegator's eligibility check excludes it
// without losing its Claim (a reconnect resumes the same slot).
func (r *Registry) AgentDisconnected(id schema.AgentID) {
	ctx := context.Background()
	rec, found, err := loadAgent(ctx, r.store, id)
	if err != nil {
		r.log.Error("registry: load agent on disconnect", "agent", id, "err", err)
	} else if found {
		rec.Connected = false
		rec.LastSeen = r.clk.Now()
		rec.Generation++
		if err := putAgent(ctx, r.store, rec); err != nil {
			r.log.Error("registry: persist agent on disconnect", "agent", id, "err", err)
		}
	}
	r.publish(schema.EventAgentDisconnected, schema.EnvID{}, id, schema.NodeKey{}, nil)
}

// AgentEvent implements bus.EventSink: forwards a ReportStatus into
// the event bus; Metric and Log events are logged only, since neither
// carries the (env_id, node_key) an event-bus subscriber filters on
// without extra plumbing this domain doesn't otherwise need.
func (r *Registry) AgentEvent(id schema.AgentID, ev bus.AgentEvent) {
	switch ev.Kind {
	case bus.AgentEventReportStatus:
		payload := map[string]any{}
		if ev.Observed != nil {
			payload["node_running"] = ev.Observed.NodeRunning
			payload["current_height"] = ev.Observed.CurrentHeight
			payload["connected_peers"] = ev.Observed.ConnectedPeers
		}
		r.publish(schema.EventAgentObserved, schema.EnvID{}, id, schema.NodeKey{}, payload)
	case bus.AgentEventMetric:
		r.log.Info("registry: agent metric", "agent", id, "name", ev.MetricName, "value", ev.MetricValue)
	case bus.AgentEventLog:
		r.log.Info("registry: agent log", "agent", id, "line", ev.LogLine)
	}
}

func (r *Registry) publish(kind schema.EventKind, envID schema.EnvID, agentID schema.AgentID, nodeKey schema.NodeKey, payload map[string]any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Publish(context.Background(), kind, envID, agentID, nodeKey, payload); err != nil {
		r.log.Error("registry: publish event", "kind", kind, "err", err)
	}
}

func loadAgent(ctx context.Context, st *store.Store, id schema.AgentID) (schema.AgentRecord, bool, error) {
	raw, found, err := st.Get(ctx, store.AgentKey(id.String()))
	if err != nil || !found {
		return schema.AgentRecord{}, found, err
	}
	var rec schema.AgentRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return schema.AgentRecord{}, false, fmt.Errorf("registry: decoding agent %s: %w", id, err)
	}
	return rec, true, nil
}

func putAgent(ctx context.Context, st *store.Store, rec schema.AgentRecord) error {
	encoded, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encoding agent %s: %w", rec.ID, err)
	}
	return st.Batch(ctx, []store.Op{store.Put(store.AgentKey(rec.ID.String()), encoded)})
}

func loadTarget(ctx context.Context, st *store.Store, envID schema.EnvID, nodeKey schema.NodeKey) (schema.TargetState, bool, error) {
	raw, found, err := st.Get(ctx, store.TargetKey(envID.String(), nodeKey.String()))
	if err != nil || !found {
		return schema.TargetState{}, found, err
	}
	var target schema.TargetState
	if err := codec.Unmarshal(raw, &target); err != nil {
		return schema.TargetState{}, false, fmt.Errorf("registry: decoding target %s/%s: %w", envID, nodeKey, err)
	}
	return target, true, nil
}
