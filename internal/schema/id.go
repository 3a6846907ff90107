// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the core data model shared by the control
// plane and agent daemons: stable identifiers, node keys, selectors,
// agent/environment records, and the target/observed state and event
// shapes carried over the agent bus.
package schema

import (
	"fmt"
	"strings"
)

// idMaxLength bounds a stable ID's printable form. validateIDSegment
// already caps a segment at 64 characters, so any ID the segment
// grammar accepts is well inside this bound.
const idMaxLength = 200

// allowedIDChar reports whether c is permitted anywhere but the first
// position of a stable ID segment: a-z, A-Z, 0-9, '.', '_', '-'.
func allowedIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-':
		return true
	}
	return false
}

// validateIDSegment enforces the stable-ID grammar:
// [A-Za-z0-9][A-Za-z0-9._-]{0,63}.
func validateIDSegment(segment, label string) error {
	if segment == "" {
		return fmt.Errorf("%s: empty", label)
	}
	if len(segment) > 64 {
		return fmt.Errorf("%s %q: exceeds 64 characters", label, segment)
	}
	first := segment[0]
	if !((first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || (first >= '0' && first <= '9')) {
		return fmt.Errorf("%s %q: must start with a letter or digit", label, segment)
	}
	for i := 1; i < len(segment); i++ {
		if !allowedIDChar(segment[i]) {
			return fmt.Errorf("%s %q: invalid character %q at position %d", label, segment, segment[i], i)
		}
	}
	return nil
}

// StableID is an opaque, validated, printable identifier for a
// long-lived entity (agent, environment). It carries a precomputed
// string form so repeated formatting is free.
type StableID struct {
	value string
}

// NewStableID validates and constructs a StableID from a raw string.
func NewStableID(value string) (StableID, error) {
	if len(value) > idMaxLength {
		return StableID{}, fmt.Errorf("stable id %q: exceeds %d characters", value, idMaxLength)
	}
	if err := validateIDSegment(value, "stable id"); err != nil {
		return StableID{}, err
	}
	return StableID{value: value}, nil
}

// MustStableID is NewStableID for callers that already know value is
// valid (constant IDs in tests, generated IDs from a UUID). Panics on
// invalid input.
func MustStableID(value string) StableID {
	id, err := NewStableID(value)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the raw identifier.
func (id StableID) String() string { return id.value }

// IsZero reports whether id is the zero value (never validated).
func (id StableID) IsZero() bool { return id.value == "" }

// MarshalText encodes the zero value as empty text, so records with an
// unset id (an unclaimed agent's Claim, an event with no environment)
// round-trip; UnmarshalText decodes empty text back to the zero value.
func (id StableID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return []byte(id.value), nil
}

func (id *StableID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = StableID{}
		return nil
	}
	parsed, err := NewStableID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AgentID identifies an agent daemon. Distinct type from StableID so
// the compiler catches an environment ID passed where an agent ID is
// expected.
type AgentID struct{ id StableID }

func NewAgentID(value string) (AgentID, error) {
	id, err := NewStableID(value)
	if err != nil {
		return AgentID{}, fmt.Errorf("agent id: %w", err)
	}
	return AgentID{id: id}, nil
}

func MustAgentID(value string) AgentID { return AgentID{id: MustStableID(value)} }
func (a AgentID) String() string       { return a.id.String() }
func (a AgentID) IsZero() bool         { return a.id.IsZero() }
func (a AgentID) MarshalText() ([]byte, error) {
	return a.id.MarshalText()
}
func (a *AgentID) UnmarshalText(text []byte) error {
	return a.id.UnmarshalText(text)
}

// Less orders AgentIDs lexicographically by their string form. Used
// for the Delegator's deterministic lowest-id tie-break.
func (a AgentID) Less(other AgentID) bool { return a.id.value < other.id.value }

// EnvID identifies an environment record.
type EnvID struct{ id StableID }

func NewEnvID(value string) (EnvID, error) {
	id, err := NewStableID(value)
	if err != nil {
		return EnvID{}, fmt.Errorf("environment id: %w", err)
	}
	return EnvID{id: id}, nil
}

func MustEnvID(value string) EnvID { return EnvID{id: MustStableID(value)} }
func (e EnvID) String() string     { return e.id.String() }
func (e EnvID) IsZero() bool       { return e.id.IsZero() }
func (e EnvID) MarshalText() ([]byte, error) {
	return e.id.MarshalText()
}
func (e *EnvID) UnmarshalText(text []byte) error {
	return e.id.UnmarshalText(text)
}

// NodeType is the role a node key addresses.
type NodeType string

const (
	NodeTypeValidator NodeType = "validator"
	NodeTypeClient    NodeType = "client"
	NodeTypeProver    NodeType = "prover"
)

// Valid reports whether ty is one of the recognized node types.
func (ty NodeType) Valid() bool {
	switch ty {
	case NodeTypeValidator, NodeTypeClient, NodeTypeProver:
		return true
	}
	return false
}

// NodeKey addresses a target slot within an environment's topology:
// {ty, name}, unique within an environment. String form is "ty/name",
// matching the wildcard grammar used by Selector (validator/1, */*).
type NodeKey struct {
	Type NodeType
	Name string
}

// NewNodeKey validates and constructs a NodeKey.
func NewNodeKey(ty NodeType, name string) (NodeKey, error) {
	if !ty.Valid() {
		return NodeKey{}, fmt.Errorf("node key: invalid type %q", ty)
	}
	if err := validateIDSegment(name, "node key name"); err != nil {
		return NodeKey{}, err
	}
	return NodeKey{Type: ty, Name: name}, nil
}

// String returns "type/name", the wire and storage-key form.
func (k NodeKey) String() string { return string(k.Type) + "/" + k.Name }

// ParseNodeKey parses "type/name" back into a NodeKey. Used when
// reading storage keys and wire messages.
func ParseNodeKey(s string) (NodeKey, error) {
	ty, name, ok := strings.Cut(s, "/")
	if !ok {
		return NodeKey{}, fmt.Errorf("node key %q: expected type/name", s)
	}
	return NewNodeKey(NodeType(ty), name)
}

// MarshalText encodes the zero NodeKey as empty text; UnmarshalText
// decodes empty text back to the zero NodeKey.
func (k NodeKey) MarshalText() ([]byte, error) {
	if k == (NodeKey{}) {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *NodeKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = NodeKey{}
		return nil
	}
	parsed, err := ParseNodeKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
