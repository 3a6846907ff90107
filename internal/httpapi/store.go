// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"fmt"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

func loadAgent(ctx context.Context, st *store.Store, id schema.AgentID) (schema.AgentRecord, bool, error) {
	raw, found, err := st.Get(ctx, store.AgentKey(id.String()))
	if err != nil || !found {
		return schema.AgentRecord{}, found, err
	}
	var rec schema.AgentRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return schema.AgentRecord{}, false, fmt.Errorf("httpapi: decoding agent %s: %w", id, err)
	}
	return rec, true, nil
}

func listAgents(ctx context.Context, st *store.Store) ([]schema.AgentRecord, error) {
	entries, err := st.Scan(ctx, store.AgentPrefix())
	if err != nil {
		return nil, err
	}
	agents := make([]schema.AgentRecord, 0, len(entries))
	for _, entry := range entries {
		var rec schema.AgentRecord
		if err := codec.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("httpapi: decoding %s: %w", entry.Key, err)
		}
		agents = append(agents, rec)
	}
	return agents, nil
}

func loadEnv(ctx context.Context, st *store.Store, id schema.EnvID) (schema.EnvironmentRecord, bool, error) {
	raw, found, err := st.Get(ctx, store.EnvKey(id.String()))
	if err != nil || !found {
		return schema.EnvironmentRecord{}, found, err
	}
	var rec schema.EnvironmentRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return schema.EnvironmentRecord{}, false, fmt.Errorf("httpapi: decoding env %s: %w", id, err)
	}
	return rec, true, nil
}

func listEnvs(ctx context.Context, st *store.Store) ([]schema.EnvironmentRecord, error) {
	entries, err := st.Scan(ctx, store.EnvPrefix())
	if err != nil {
		return nil, err
	}
	envs := make([]schema.EnvironmentRecord, 0, len(entries))
	for _, entry := range entries {
		// env/<id>/target/<node> entries share the env/ prefix; only
		// decode the top-level env/<id> record, recognizable by its
		// key having no further '/'.
		if !isEnvRecordKey(entry.Key) {
			continue
		}
		var rec schema.EnvironmentRecord
		if err := codec.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("httpapi: decoding %s: %w", entry.Key, err)
		}
		envs = append(envs, rec)
	}
	return envs, nil
}

func isEnvRecordKey(key string) bool {
	const prefix = "env/"
	if len(key) <= len(prefix) {
		return false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return false
		}
	}
	return true
}

func loadTarget(ctx context.Context, st *store.Store, envID schema.EnvID, nodeKey schema.NodeKey) (schema.TargetState, bool, error) {
	raw, found, err := st.Get(ctx, store.TargetKey(envID.String(), nodeKey.String()))
	if err != nil || !found {
		return schema.TargetState{}, found, err
	}
	var target schema.TargetState
	if err := codec.Unmarshal(raw, &target); err != nil {
		return schema.TargetState{}, false, fmt.Errorf("httpapi: decoding target %s/%s: %w", envID, nodeKey, err)
	}
	return target, true, nil
}

func putTarget(ctx context.Context, st *store.Store, envID schema.EnvID, nodeKey schema.NodeKey, target schema.TargetState) error {
	encoded, err := codec.Marshal(target)
	if err != nil {
		return fmt.Errorf("httpapi: encoding target %s/%s: %w", envID, nodeKey, err)
	}
	return st.Batch(ctx, []store.Op{store.Put(store.TargetKey(envID.String(), nodeKey.String()), encoded)})
}

// assignedAgent returns the agent currently claiming nodeKey within
// envID, scanning every agent record the same way the Delegator
// derives live assignments from Claim rather than a separate
// persisted assignment table.
func assignedAgent(ctx context.Context, st *store.Store, envID schema.EnvID, nodeKey schema.NodeKey) (schema.AgentID, bool, error) {
	agents, err := listAgents(ctx, st)
	if err != nil {
		return schema.AgentID{}, false, err
	}
	for _, rec := range agents {
		if rec.Claim.EnvID == envID && rec.Claim.NodeKey == nodeKey {
			return rec.ID, true, nil
		}
	}
	return schema.AgentID{}, false, nil
}

// anyAssignedAgent returns an arbitrary connected agent assigned
// somewhere within envID, preferring a validator slot, for ledger
// reads that don't name a specific node.
func anyAssignedAgent(ctx context.Context, st *store.Store, envID schema.EnvID) (schema.AgentID, schema.NodeKey, bool, error) {
	agents, err := listAgents(ctx, st)
	if err != nil {
		return schema.AgentID{}, schema.NodeKey{}, false, err
	}
	var fallback schema.AgentRecord
	haveFallback := false
	for _, rec := range agents {
		if rec.Claim.EnvID != envID || !rec.Connected {
			continue
		}
		if rec.ModeFlags.Validator {
			return rec.ID, rec.Claim.NodeKey, true, nil
		}
		if !haveFallback {
			fallback, haveFallback = rec, true
		}
	}
	if haveFallback {
		return fallback.ID, fallback.Claim.NodeKey, true, nil
	}
	return schema.AgentID{}, schema.NodeKey{}, false, nil
}
