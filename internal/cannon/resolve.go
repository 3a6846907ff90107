// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cannon

import (
	"context"
	"fmt"
	"sort"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

// ConnChecker reports whether an agent currently has a live bus
// connection. Satisfied by *bus.Server.
type ConnChecker interface {
	Connected(id schema.AgentID) bool
}

// Resolver picks a connected agent to carry out one pipeline stage.
type Resolver interface {
	// ResolveCompute picks a connected, Compute-capable agent for the
	// authorize/execute stages.
	ResolveCompute(ctx context.Context) (schema.AgentID, error)

	// ResolveTarget picks a connected agent currently claiming a
	// topology slot matching sel, for the target sink's broadcast.
	ResolveTarget(ctx context.Context, sel schema.Selector) (schema.AgentID, error)
}

// StoreResolver resolves against the live store and bus connection
// table. It holds no cache: every call re-reads the store, since agent
// claims and connections change underneath a long-running cannon.
type StoreResolver struct {
	store         *store.Store
	conn          ConnChecker
	envID         schema.EnvID
	computeLabels []string
}

// NewStoreResolver builds a StoreResolver scoped to one environment,
// with the compute-stage label requirements from that environment's
// CannonSpec.ComputeLabels.
func NewStoreResolver(st *store.Store, conn ConnChecker, envID schema.EnvID, computeLabels []string) *StoreResolver {
	return &StoreResolver{store: st, conn: conn, envID: envID, computeLabels: computeLabels}
}

func (r *StoreResolver) ResolveTarget(ctx context.Context, sel schema.Selector) (schema.AgentID, error) {
	env, found, err := loadEnvironment(ctx, r.store, r.envID)
	if err != nil {
		return schema.AgentID{}, err
	}
	if !found {
		return schema.AgentID{}, fmt.Errorf("cannon: environment %s not found", r.envID)
	}

	candidates := make([]schema.NodeKey, 0, len(env.Topology))
	for keyStr := range env.Topology {
		key, err := schema.ParseNodeKey(keyStr)
		if err != nil {
			continue
		}
		candidates = append(candidates, key)
	}
	matched := sel.Resolve(candidates)
	if len(matched) == 0 {
		return schema.AgentID{}, fmt.Errorf("cannon: selector %q matched no topology node", sel.String())
	}
	matchedSet := make(map[schema.NodeKey]struct{}, len(matched))
	for _, key := range matched {
		matchedSet[key] = struct{}{}
	}

	agents, err := loadAgents(ctx, r.store)
	if err != nil {
		return schema.AgentID{}, err
	}
	for _, agent := range agents {
		if agent.Claim.EnvID != r.envID {
			continue
		}
		if _, ok := matchedSet[agent.Claim.NodeKey]; !ok {
			continue
		}
		if r.conn.Connected(agent.ID) {
			return agent.ID, nil
		}
	}
	return schema.AgentID{}, fmt.Errorf("cannon: selector %q matched no connected agent", sel.String())
}

// ResolveCompute picks among connected, label-eligible compute agents
// by highest reported free disk, the tie-break the original source
// applies when more than one agent qualifies. loadAgents returns
// agents in ascending AgentID order, so equal-capability ties still
// resolve deterministically.
func (r *StoreResolver) ResolveCompute(ctx context.Context) (schema.AgentID, error) {
	agents, err := loadAgents(ctx, r.store)
	if err != nil {
		return schema.AgentID{}, err
	}
	var best schema.AgentRecord
	found := false
	for _, agent := range agents {
		if !agent.ModeFlags.Compute || !r.conn.Connected(agent.ID) {
			continue
		}
		eligible := true
		for _, label := range r.computeLabels {
			if !agent.HasLabel(label) {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}
		if !found || agent.Capability.FreeDiskMB > best.Capability.FreeDiskMB {
			best = agent
			found = true
		}
	}
	if !found {
		return schema.AgentID{}, fmt.Errorf("cannon: no connected compute agent available")
	}
	return best.ID, nil
}

// loadEnvironment reads one environment record, mirroring
// internal/delegate's read shape but scoped to this package so cannon
// need not import delegate for it.
func loadEnvironment(ctx context.Context, st *store.Store, id schema.EnvID) (schema.EnvironmentRecord, bool, error) {
	raw, found, err := st.Get(ctx, store.EnvKey(id.String()))
	if err != nil || !found {
		return schema.EnvironmentRecord{}, found, err
	}
	var env schema.EnvironmentRecord
	if err := codec.Unmarshal(raw, &env); err != nil {
		return schema.EnvironmentRecord{}, false, fmt.Errorf("cannon: decoding environment %s: %w", id, err)
	}
	return env, true, nil
}

// loadAgents reads every registered agent record, in ascending
// AgentID order so resolution is deterministic when multiple agents
// tie.
func loadAgents(ctx context.Context, st *store.Store) ([]schema.AgentRecord, error) {
	entries, err := st.Scan(ctx, store.AgentPrefix())
	if err != nil {
		return nil, err
	}
	agents := make([]schema.AgentRecord, 0, len(entries))
	for _, entry := range entries {
		var rec schema.AgentRecord
		if err := codec.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("cannon: decoding agent %s: %w", entry.Key, err)
		}
		agents = append(agents, rec)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID.Less(agents[j].ID) })
	return agents, nil
}
