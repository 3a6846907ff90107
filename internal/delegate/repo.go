// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"context"
	"fmt"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

func marshalRecord(v any) ([]byte, error) { return codec.Marshal(v) }

// loadAgents reads every registered agent record from the store.
func loadAgents(ctx context.Context, st *store.Store) (map[schema.AgentID]schema.AgentRecord, error) {
	entries, err := st.Scan(ctx, store.AgentPrefix())
	if err != nil {
		return nil, err
	}
	agents := make(map[schema.AgentID]schema.AgentRecord, len(entries))
	for _, entry := range entries {
		var rec schema.AgentRecord
		if err := codec.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("delegate: decoding %s: %w", entry.Key, err)
		}
		agents[rec.ID] = rec
	}
	return agents, nil
}

// loadAgent reads a single agent record, for the CAS check in commit.
func loadAgent(ctx context.Context, st *store.Store, id schema.AgentID) (schema.AgentRecord, bool, error) {
	raw, found, err := st.Get(ctx, store.AgentKey(id.String()))
	if err != nil || !found {
		return schema.AgentRecord{}, found, err
	}
	var rec schema.AgentRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return schema.AgentRecord{}, false, fmt.Errorf("delegate: decoding agent %s: %w", id, err)
	}
	return rec, true, nil
}

// commit verifies every newly-claimed agent's generation has not moved
// since snapshot was read, then atomically writes the environment
// record, its resolved target states, and the updated agent claims.
// Returns errCASConflict (wrapped by Apply's retry loop) if any
// newly-claimed agent changed concurrently.
func (d *Delegator) commit(
	ctx context.Context,
	env schema.EnvironmentRecord,
	assignment map[schema.NodeKey]schema.AgentID,
	targets map[schema.NodeKey]schema.TargetState,
	snapshot map[schema.AgentID]schema.AgentRecord,
) (*Result, error) {
	var ops []store.Op

	for nodeKey, agentID := range assignment {
		prior := snapshot[agentID]
		if !prior.Claim.IsZero() && prior.Claim.EnvID == env.ID && prior.Claim.NodeKey == nodeKey {
			continue // sticky: claim already correct, no write needed
		}

		live, found, err := loadAgent(ctx, d.store, agentID)
		if err != nil {
			return nil, err
		}
		if !found || live.Generation != prior.Generation {
			return nil, errCASConflict
		}

		live.Claim = schema.Claim{EnvID: env.ID, NodeKey: nodeKey}
		encoded, err := marshalRecord(live)
		if err != nil {
			return nil, fmt.Errorf("delegate: encoding agent %s: %w", agentID, err)
		}
		ops = append(ops, store.Put(store.AgentKey(agentID.String()), encoded))
	}

	envEncoded, err := marshalRecord(env)
	if err != nil {
		return nil, fmt.Errorf("delegate: encoding environment %s: %w", env.ID, err)
	}
	ops = append(ops, store.Put(store.EnvKey(env.ID.String()), envEncoded))

	targetsByKey := make(map[string]schema.TargetState, len(targets))
	for key, target := range targets {
		targetsByKey[key.String()] = target
	}
	for _, keyStr := range store.SortedKeys(targetsByKey) {
		encoded, err := marshalRecord(targetsByKey[keyStr])
		if err != nil {
			return nil, fmt.Errorf("delegate: encoding target %s/%s: %w", env.ID, keyStr, err)
		}
		ops = append(ops, store.Put(store.TargetKey(env.ID.String(), keyStr), encoded))
	}

	if err := d.store.Batch(ctx, ops); err != nil {
		return nil, err
	}
	return &Result{EnvID: env.ID, Assignments: assignment, Targets: targets}, nil
}
