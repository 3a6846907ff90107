// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// TargetState is the fully resolved, agent-facing desired configuration
// for one node slot. It is derived entirely from the environment
// record and the delegation map and is idempotent: equal bytes imply
// an equal target, which the reconciler relies on to treat a byte-equal
// recompute as a no-op.
//
// Every field here must be deterministically computable from the
// EnvironmentRecord + delegation map alone — no field may depend on
// wall-clock time, map iteration order, or any other non-reproducible
// input, or the Delegator's idempotence invariant breaks.
type TargetState struct {
	Online          bool              `cbor:"online"`
	NodeType        NodeType          `cbor:"node_ty"`
	PrivateKeyHash  string            `cbor:"private_key_hash,omitempty"`
	HeightGoal      HeightSpec        `cbor:"height_goal"`
	Peers           []string          `cbor:"peers"`      // resolved socket addrs, sorted
	Validators      []string          `cbor:"validators"` // resolved socket addrs, sorted
	Env             map[string]string `cbor:"env,omitempty"`
	BinaryDigest    string            `cbor:"binary_digest,omitempty"`
	LedgerEpoch     uint64            `cbor:"ledger_epoch"`
}

// ObservedState is an agent's self-reported actual configuration.
// Never persisted durably — reconstructed in memory from agent
// reports.
type ObservedState struct {
	NodeRunning       bool      `cbor:"node_running"`
	CurrentHeight     uint64    `cbor:"current_height"`
	ConnectedPeers    int       `cbor:"connected_peers"`
	LastBlockHash     string    `cbor:"last_block_hash,omitempty"`
	ChildPID          int       `cbor:"child_pid,omitempty"`
	LedgerEpochOnDisk uint64    `cbor:"ledger_epoch_on_disk"`
	ReportedAt        time.Time `cbor:"reported_at"`
}

// EventKind enumerates the event payload discriminants this core
// emits. Closed set, extended only by a schema-versioned change.
type EventKind string

const (
	EventTargetChanged  EventKind = "TargetChanged"
	EventNodeStopping   EventKind = "NodeStopping"
	EventNodeStopped    EventKind = "NodeStopped"
	EventNodeStarting   EventKind = "NodeStarting"
	EventNodeStarted    EventKind = "NodeStarted"
	EventReconcileFailed EventKind = "ReconcileFailed"
	EventAgentConnected EventKind = "AgentConnected"
	EventAgentDisconnected EventKind = "AgentDisconnected"
	EventDelegationFailed EventKind = "DelegationFailed"
	EventCursorLost     EventKind = "CursorLost"
	EventCannonCounters EventKind = "CannonCounters"
	EventCannonDropped  EventKind = "CannonDropped"
	EventAgentObserved  EventKind = "AgentObserved"
)

// Event is one entry in the append-only event log. Seq is strictly
// monotonic per control-plane generation; Generation is bumped on
// every cold start so a resuming subscriber can detect it skipped a
// restart and may have missed events.
type Event struct {
	Seq        uint64    `cbor:"seq"`
	Generation uint64    `cbor:"generation"`
	Ts         time.Time `cbor:"ts"`
	Kind       EventKind `cbor:"kind"`
	EnvID      EnvID     `cbor:"env_id,omitempty"`
	AgentID    AgentID   `cbor:"agent_id,omitempty"`
	NodeKey    NodeKey   `cbor:"node_key,omitempty"`
	Payload    map[string]any `cbor:"payload,omitempty"`
}

// Fields projects the event onto the flat string-keyed map the filter
// algebra (internal/event.Filter, grounded on lib/schema/match.go)
// evaluates against.
func (e Event) Fields() map[string]any {
	fields := map[string]any{
		"kind": string(e.Kind),
	}
	if !e.EnvID.IsZero() {
		fields["env_id"] = e.EnvID.String()
	}
	if !e.AgentID.IsZero() {
		fields["agent_id"] = e.AgentID.String()
	}
	if e.NodeKey.Type != "" {
		fields["node_key"] = e.NodeKey.String()
	}
	return fields
}
