// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// NodeRunner is the boundary between the reconciler and the embedded
// blockchain node process it manages. Its implementation (wrapping
// whichever node binary an environment names) is out of scope here;
// the reconciler only needs these seven operations to drive any node
// through the action sequence.
type NodeRunner interface {
	// StartNode launches the child process with cfg. Returns once the
	// process has been spawned, not once it is fully ready — readiness
	// is discovered through subsequent Observe calls.
	StartNode(ctx context.Context, cfg StartConfig) error

	// StopNode requests a graceful shutdown (SIGTERM, then SIGKILL
	// after a grace period) and waits for exit.
	StopNode(ctx context.Context) error

	// SwapBinary installs the binary identified by digest as the one
	// StartNode will exec next. Structural failure (digest not found
	// in the local binary store) is a permanent error.
	SwapBinary(ctx context.Context, digest string) error

	// SetLedgerHeight brings the on-disk ledger to the state height
	// describes, per the height-semantics rules (genesis clears to
	// block 0, top is a no-op if a ledger exists, absolute rewinds
	// from the nearest earlier checkpoint, checkpoint selects by
	// retention span).
	SetLedgerHeight(ctx context.Context, height schema.HeightSpec) error

	// WritePrivateKey ensures a private key matching keyHash is
	// present where the node process expects to find it.
	WritePrivateKey(ctx context.Context, keyHash string) error

	// WriteConfig materializes the node's peer/validator/env
	// configuration to whatever file or arguments the node consumes.
	WriteConfig(ctx context.Context, peers, validators []string, env map[string]string) error

	// Observe returns the node's current self-reported state.
	Observe(ctx context.Context) (schema.ObservedState, error)
}

// ErrStructural marks an action failure that no amount of retrying
// will fix (binary digest not found, missing genesis) — the
// reconciler transitions to Failed rather than retrying with backoff.
type ErrStructural struct {
	Class DiffClass
	Err   error
}

func (e *ErrStructural) Error() string {
	return "reconcile: structural failure in " + e.Class.String() + " class: " + e.Err.Error()
}

func (e *ErrStructural) Unwrap() error { return e.Err }
