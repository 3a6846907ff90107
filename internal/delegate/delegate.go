// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delegate implements the control plane's delegation engine
// (C4): given an environment's topology and the current agent pool, it
// assigns each topology slot to exactly one live agent and writes the
// resulting per-node target states back to the state store.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
)

// maxCASAttempts bounds how many times Apply retries the whole
// plan-and-commit cycle after losing a compare-and-swap race against a
// concurrent agent connect/disconnect.
const maxCASAttempts = 3

// RejectionReason discriminates why a slot could not be assigned.
type RejectionReason string

const (
	ReasonPinnedUnavailable RejectionReason = "pinned_unavailable"
	ReasonNoEligibleAgent   RejectionReason = "no_eligible_agent"
)

// SlotRejection explains why one topology slot could not be placed.
type SlotRejection struct {
	NodeKey schema.NodeKey
	Reason  RejectionReason
	Detail  string
}

// Error is returned when one or more slots could not be assigned; the
// whole apply is rejected rather than partially committed.
type Error struct {
	Rejections []SlotRejection
}

func (e *Error) Error() string {
	if len(e.Rejections) == 1 {
		r := e.Rejections[0]
		return fmt.Sprintf("delegate: %s: %s (%s)", r.NodeKey, r.Detail, r.Reason)
	}
	return fmt.Sprintf("delegate: %d slots could not be assigned", len(e.Rejections))
}

// PoolChangedError is returned when the agent pool kept changing out
// from under a delegation attempt across every retry.
type PoolChangedError struct {
	Err error
}

func (e *PoolChangedError) Error() string {
	return fmt.Sprintf("delegate: agent pool changed during commit, exhausted %d attempts: %v", maxCASAttempts, e.Err)
}
func (e *PoolChangedError) Unwrap() error { return e.Err }

// errCASConflict signals that an agent record's generation changed
// between the read that fed planAssignment and the write attempting to
// commit its new claim.
var errCASConflict = errors.New("delegate: agent record changed concurrently")

// Result is the outcome of a successful Apply: the resolved
// NodeKey->AgentID assignment and the fully materialized target state
// written for each slot.
type Result struct {
	EnvID       schema.EnvID
	Assignments map[schema.NodeKey]schema.AgentID
	Targets     map[schema.NodeKey]schema.TargetState
}

// Delegator assigns environment topologies to agents and persists the
// result. Safe for concurrent use; concurrent Apply calls for different
// environments race only on the shared agent pool, arbitrated by the
// per-agent generation CAS.
type Delegator struct {
	store *store.Store
	log   *slog.Logger
}

// New constructs a Delegator backed by st.
func New(st *store.Store, log *slog.Logger) *Delegator {
	if log == nil {
		log = slog.Default()
	}
	return &Delegator{store: st, log: log}
}

// Apply resolves env's topology against the current agent pool and
// durably writes the resulting claims and target states. On a
// constraint failure it returns *Error without touching the store. On
// a losing CAS race it retries internally up to maxCASAttempts times
// before returning *PoolChangedError.
func (d *Delegator) Apply(ctx context.Context, env schema.EnvironmentRecord) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		result, err := d.tryApply(ctx, env)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errCASConflict) {
			return nil, err
		}
		lastErr = err
		d.log.Warn("delegate: agent pool changed mid-commit, retrying",
			"env", env.ID.String(), "attempt", attempt+1)
	}
	return nil, &PoolChangedError{Err: lastErr}
}

func (d *Delegator) tryApply(ctx context.Context, env schema.EnvironmentRecord) (*Result, error) {
	agents, err := loadAgents(ctx, d.store)
	if err != nil {
		return nil, err
	}

	expanded := env.ExpandedTopology()
	assignment, rejections := planAssignment(env.ID, expanded, agents)
	if len(rejections) > 0 {
		return nil, &Error{Rejections: rejections}
	}

	targets := resolveTargets(env, expanded, assignment, agents)

	return d.commit(ctx, env, assignment, targets, agents)
}

// Release clears every claim held against envID and deletes the
// environment's stored record and target states. Called when an
// environment is deleted, so that the claim invariant — every claim
// refers to exactly one existing env/node_key pair, or is null — holds
// after the environment stops existing.
func (d *Delegator) Release(ctx context.Context, envID schema.EnvID) error {
	agents, err := loadAgents(ctx, d.store)
	if err != nil {
		return err
	}

	var ops []store.Op
	for id, agent := range agents {
		if agent.Claim.IsZero() || agent.Claim.EnvID != envID {
			continue
		}
		agent.Claim = schema.Claim{}
		encoded, err := marshalRecord(agent)
		if err != nil {
			return fmt.Errorf("delegate: encoding agent %s: %w", id, err)
		}
		ops = append(ops, store.Put(store.AgentKey(id.String()), encoded))
	}

	targetEntries, err := d.store.Scan(ctx, store.TargetPrefix(envID.String()))
	if err != nil {
		return err
	}
	for _, entry := range targetEntries {
		ops = append(ops, store.Delete(entry.Key))
	}
	ops = append(ops, store.Delete(store.EnvKey(envID.String())))

	return d.store.Batch(ctx, ops)
}
