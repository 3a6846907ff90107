// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"testing"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

func validatorAgent(t *testing.T, id string, labels ...string) schema.AgentRecord {
	t.Helper()
	return schema.AgentRecord{
		ID:        schema.MustAgentID(id),
		Connected: true,
		ModeFlags: schema.ModeFlags{Validator: true},
		Labels:    labels,
	}
}

func nodeKey(t *testing.T, ty schema.NodeType, name string) schema.NodeKey {
	t.Helper()
	k, err := schema.NewNodeKey(ty, name)
	if err != nil {
		t.Fatalf("NewNodeKey(%q, %q): %v", ty, name, err)
	}
	return k
}

func TestPlanAssignmentLowestIDTieBreak(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-b"): validatorAgent(t, "agent-b"),
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"),
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		nodeKey(t, schema.NodeTypeValidator, "0"): {Online: true},
	}

	assignment, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	got := assignment[nodeKey(t, schema.NodeTypeValidator, "0")]
	if got.String() != "agent-a" {
		t.Fatalf("assigned %q, want agent-a (lowest id)", got.String())
	}
}

func TestPlanAssignmentStickyPreferredOverLowerID(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	key := nodeKey(t, schema.NodeTypeValidator, "0")

	sticky := validatorAgent(t, "agent-z")
	sticky.Claim = schema.Claim{EnvID: envID, NodeKey: key}

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"),
		schema.MustAgentID("agent-z"): sticky,
	}
	expanded := map[schema.NodeKey]schema.InternalNode{key: {Online: true}}

	assignment, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	if got := assignment[key]; got.String() != "agent-z" {
		t.Fatalf("assigned %q, want sticky agent-z despite losing the id tie-break", got.String())
	}
}

func TestPlanAssignmentMostConstrainedFirst(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	constrained := nodeKey(t, schema.NodeTypeValidator, "gpu")
	open := nodeKey(t, schema.NodeTypeValidator, "any")

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a", "gpu"),
		schema.MustAgentID("agent-b"): validatorAgent(t, "agent-b"),
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		constrained: {Online: true, Labels: []string{"gpu"}},
		open:        {Online: true},
	}

	assignment, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	if got := assignment[constrained]; got.String() != "agent-a" {
		t.Fatalf("constrained slot assigned %q, want the only labeled agent agent-a", got.String())
	}
	if got := assignment[open]; got.String() != "agent-b" {
		t.Fatalf("open slot assigned %q, want agent-b (agent-a consumed by the constrained slot)", got.String())
	}
}

func TestPlanAssignmentNoEligibleAgentRejects(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	key := nodeKey(t, schema.NodeTypeProver, "0")
	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"), // no Prover flag
	}
	expanded := map[schema.NodeKey]schema.InternalNode{key: {Online: true}}

	_, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 1 || rejections[0].Reason != ReasonNoEligibleAgent {
		t.Fatalf("rejections = %+v, want one ReasonNoEligibleAgent", rejections)
	}
}

func TestPlanAssignmentPinnedUnavailableRejectsWholeApply(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	pinnedTo := schema.MustAgentID("agent-missing")
	key := nodeKey(t, schema.NodeTypeValidator, "0")
	other := nodeKey(t, schema.NodeTypeValidator, "1")

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"),
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		key:   {Online: true, Agent: &pinnedTo},
		other: {Online: true}, // otherwise perfectly satisfiable
	}

	assignment, rejections := planAssignment(envID, expanded, agents)
	if assignment != nil {
		t.Fatalf("expected no partial assignment, got %+v", assignment)
	}
	if len(rejections) != 1 || rejections[0].Reason != ReasonPinnedUnavailable {
		t.Fatalf("rejections = %+v, want one ReasonPinnedUnavailable", rejections)
	}
}

func TestPlanAssignmentAgentClaimedByOtherEnvIsUnavailable(t *testing.T) {
	envA := schema.MustEnvID("env-a")
	envB := schema.MustEnvID("env-b")
	key := nodeKey(t, schema.NodeTypeValidator, "0")

	claimed := validatorAgent(t, "agent-a")
	claimed.Claim = schema.Claim{EnvID: envB, NodeKey: key}

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): claimed,
	}
	expanded := map[schema.NodeKey]schema.InternalNode{key: {Online: true}}

	_, rejections := planAssignment(envA, expanded, agents)
	if len(rejections) != 1 || rejections[0].Reason != ReasonNoEligibleAgent {
		t.Fatalf("rejections = %+v, want one ReasonNoEligibleAgent (agent claimed elsewhere)", rejections)
	}
}

func TestPlanAssignmentRequiredLabelFilters(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	key := nodeKey(t, schema.NodeTypeValidator, "0")

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"), // missing "ssd"
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		key: {Online: true, Labels: []string{"ssd"}},
	}

	_, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 1 || rejections[0].Reason != ReasonNoEligibleAgent {
		t.Fatalf("rejections = %+v, want one ReasonNoEligibleAgent", rejections)
	}
}

func TestPlanAssignmentRequiresLocalKey(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	key := nodeKey(t, schema.NodeTypeValidator, "0")

	noKey := validatorAgent(t, "agent-a")
	withKey := validatorAgent(t, "agent-b")
	withKey.LocalPKAvailable = true

	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): noKey,
		schema.MustAgentID("agent-b"): withKey,
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		key: {Online: true, Key: &schema.PrivateKeyRef{Local: true, Path: "/keys/0"}},
	}

	assignment, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	if got := assignment[key]; got.String() != "agent-b" {
		t.Fatalf("assigned %q, want agent-b (the only one with a local key)", got.String())
	}
}

func TestPlanAssignmentIsIdempotent(t *testing.T) {
	envID := schema.MustEnvID("env-a")
	agents := map[schema.AgentID]schema.AgentRecord{
		schema.MustAgentID("agent-a"): validatorAgent(t, "agent-a"),
		schema.MustAgentID("agent-b"): validatorAgent(t, "agent-b"),
	}
	expanded := map[schema.NodeKey]schema.InternalNode{
		nodeKey(t, schema.NodeTypeValidator, "0"): {Online: true},
		nodeKey(t, schema.NodeTypeValidator, "1"): {Online: true},
	}

	first, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	second, rejections := planAssignment(envID, expanded, agents)
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}

	if len(first) != len(second) {
		t.Fatalf("assignment sizes differ: %d vs %d", len(first), len(second))
	}
	for key, id := range first {
		if second[key] != id {
			t.Fatalf("assignment for %v differs across runs: %v vs %v", key, id, second[key])
		}
	}
}
