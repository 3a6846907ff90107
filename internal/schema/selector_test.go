// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"reflect"
	"testing"
)

func TestSelectorLiteral(t *testing.T) {
	sel, err := ParseSelector("validator/1")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if !sel.Matches(MustNodeKey(t, NodeTypeValidator, "1")) {
		t.Error("expected literal match")
	}
	if sel.Matches(MustNodeKey(t, NodeTypeValidator, "2")) {
		t.Error("expected no match for different name")
	}
}

func TestSelectorWildcard(t *testing.T) {
	sel, err := ParseSelector("validator/*")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if !sel.Matches(MustNodeKey(t, NodeTypeValidator, "7")) {
		t.Error("expected wildcard to match any validator name")
	}
	if sel.Matches(MustNodeKey(t, NodeTypeClient, "7")) {
		t.Error("expected wildcard not to cross node types")
	}

	any, err := ParseSelector("*/*")
	if err != nil {
		t.Fatalf("ParseSelector(*/*): %v", err)
	}
	if !any.Matches(MustNodeKey(t, NodeTypeClient, "anything")) {
		t.Error("expected */* to match everything")
	}
}

func TestSelectorCrossEnv(t *testing.T) {
	sel, err := ParseSelector("*/*@canary")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	env, ok := sel.CrossEnv()
	if !ok || env != "canary" {
		t.Errorf("CrossEnv() = (%q, %v), want (\"canary\", true)", env, ok)
	}
}

func TestSelectorResolvePreservesOrderAndAllowsEmpty(t *testing.T) {
	sel, err := ParseSelector("validator/*")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	candidates := []NodeKey{
		MustNodeKey(t, NodeTypeClient, "0"),
		MustNodeKey(t, NodeTypeValidator, "0"),
		MustNodeKey(t, NodeTypeValidator, "1"),
	}
	got := sel.Resolve(candidates)
	want := []NodeKey{candidates[1], candidates[2]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}

	empty, err := ParseSelector("prover/*")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if res := empty.Resolve(candidates); res != nil {
		t.Errorf("Resolve() = %v, want nil (explicitly empty)", res)
	}
}

func TestNewSelectorListRejectsMixedEnv(t *testing.T) {
	_, err := NewSelectorList("validator/0", "validator/1@other")
	if err == nil {
		t.Error("expected error for mixed cross-env references")
	}
}

// MustNodeKey is a test helper constructing a NodeKey or failing the test.
func MustNodeKey(t *testing.T, ty NodeType, name string) NodeKey {
	t.Helper()
	key, err := NewNodeKey(ty, name)
	if err != nil {
		t.Fatalf("NewNodeKey(%v, %q): %v", ty, name, err)
	}
	return key
}
