// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

const tokenLength = 32

// TokenAuthority issues and verifies per-agent bearer tokens: each
// agent is issued an opaque bearer token at first registration,
// verified thereafter with a keyed derivation rather than a stored
// secret per agent. Tokens are derived deterministically
// from a root key via HKDF so the control plane never needs a
// per-agent token table — any agent id whose token matches the
// derivation is authentic by construction.
type TokenAuthority struct {
	root []byte
}

// NewTokenAuthority constructs an authority from a root key (config-
// supplied, at least 32 bytes of entropy).
func NewTokenAuthority(root []byte) (*TokenAuthority, error) {
	if len(root) < 32 {
		return nil, fmt.Errorf("bus: token authority root key must be at least 32 bytes, got %d", len(root))
	}
	return &TokenAuthority{root: root}, nil
}

// IssueToken derives the bearer token for agentID. Called once at
// first registration; the agent persists the result locally.
func (a *TokenAuthority) IssueToken(agentID schema.AgentID) ([]byte, error) {
	reader := hkdf.New(sha256.New, a.root, nil, []byte("snops-agent-token:"+agentID.String()))
	token := make([]byte, tokenLength)
	if _, err := io.ReadFull(reader, token); err != nil {
		return nil, fmt.Errorf("bus: derive token for %s: %w", agentID, err)
	}
	return token, nil
}

// Verify reports whether token is the correct bearer token for
// agentID, using a constant-time comparison to avoid leaking timing
// information about partial matches.
func (a *TokenAuthority) Verify(agentID schema.AgentID, token []byte) (bool, error) {
	expected, err := a.IssueToken(agentID)
	if err != nil {
		return false, err
	}
	if len(token) != len(expected) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(expected, token) == 1, nil
}
