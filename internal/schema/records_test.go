// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "testing"

func TestExpandedTopologyReplicas(t *testing.T) {
	env := EnvironmentRecord{
		Topology: map[string]InternalNode{
			"validator/test": {Replicas: 4},
			"client/seed":    {Replicas: 0}, // zero means 1, not expanded
		},
	}
	expanded := env.ExpandedTopology()
	if len(expanded) != 5 {
		t.Fatalf("len(expanded) = %d, want 5", len(expanded))
	}
	for _, name := range []string{"validator/test-0", "validator/test-1", "validator/test-2", "validator/test-3"} {
		key, err := ParseNodeKey(name)
		if err != nil {
			t.Fatalf("ParseNodeKey(%q): %v", name, err)
		}
		if _, ok := expanded[key]; !ok {
			t.Errorf("expanded missing key %q", name)
		}
	}
	seedKey, _ := ParseNodeKey("client/seed")
	if _, ok := expanded[seedKey]; !ok {
		t.Error("expanded missing un-replicated key client/seed")
	}
}

func TestModeFlagsSatisfies(t *testing.T) {
	flags := ModeFlags{Validator: true, Compute: true}
	if !flags.Satisfies(NodeTypeValidator) {
		t.Error("expected validator satisfied")
	}
	if flags.Satisfies(NodeTypeClient) {
		t.Error("expected client not satisfied")
	}
}

func TestAgentRecordHasLabel(t *testing.T) {
	rec := AgentRecord{Labels: []string{"local", "gpu"}}
	if !rec.HasLabel("gpu") {
		t.Error("expected HasLabel(gpu) true")
	}
	if rec.HasLabel("missing") {
		t.Error("expected HasLabel(missing) false")
	}
}
