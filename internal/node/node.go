// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package node defines the boundary between an agent and the
// blockchain node process it manages. The interfaces here describe
// what a node collaborator must offer; a concrete implementation
// wrapping a real node binary's ledger directory and REST surface is
// out of scope. Only the interfaces and a fake/testing implementation
// live here.
package node

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDuplicateTransaction is returned by REST.Broadcast when the node
// already has the submitted transaction's id in its mempool or ledger
// at the current height. Broadcast retries treat this as evidence the
// earlier attempt landed, not as a failure.
var ErrDuplicateTransaction = errors.New("node: transaction already known")

// Checkpoint is one retained ledger snapshot a node keeps on disk,
// named by the height it captures and the retention span it satisfies
// (e.g. "1h", "24h") for HeightCheckpoint resolution.
type Checkpoint struct {
	Height uint64
	Span   string
}

// Ledger is the boundary to a node's on-disk ledger, driving the four
// height-goal forms a TargetState can request.
type Ledger interface {
	// Height reports the ledger's current block height. Returns 0 with
	// ok=false if no ledger exists yet (pre-genesis).
	Height(ctx context.Context) (height uint64, ok bool, err error)

	// Genesis clears the ledger to block 0, reusing the stored genesis
	// block. Always succeeds if a genesis block is present.
	Genesis(ctx context.Context) error

	// Checkpoints lists retained checkpoints, most recent first.
	Checkpoints(ctx context.Context) ([]Checkpoint, error)

	// RewindTo replays from the closest checkpoint at or before height
	// and advances to exactly height. Returns an error if height is
	// beyond the ledger's current tip with no path to reach it.
	RewindTo(ctx context.Context, height uint64) error

	// RestoreCheckpoint replays exactly cp, discarding anything past it.
	RestoreCheckpoint(ctx context.Context, cp Checkpoint) error
}

// REST is the boundary to a node's local read/broadcast HTTP surface,
// the same one internal/cannon/sink.Target's receiving agent posts
// signed transactions to and internal/httpapi's ledger-read
// passthrough endpoints query through.
type REST interface {
	// Broadcast submits a signed transaction body to endpoint (the
	// node's local broadcast path, e.g. "/transaction/broadcast").
	// Returns ErrDuplicateTransaction (wrapped or not, checked with
	// errors.Is) if the node already has this transaction's id at its
	// current height, rather than a generic error.
	Broadcast(ctx context.Context, endpoint string, txBytes []byte) error

	// Height returns the node's current block height as observed
	// through its REST API (may differ momentarily from Ledger.Height
	// during a rewind).
	Height(ctx context.Context) (uint64, error)

	// Block returns the raw block record at h.
	Block(ctx context.Context, h uint64) (json.RawMessage, error)

	// Balance returns addr's public credit balance in microcredits.
	Balance(ctx context.Context, addr string) (uint64, error)

	// Mapping reads one key out of program's named mapping.
	Mapping(ctx context.Context, program, mapping, key string) (json.RawMessage, error)

	// Program returns a deployed program's source by its on-chain id.
	Program(ctx context.Context, id string) (json.RawMessage, error)
}

// Prover is the boundary to a node's local proving toolchain, the
// half of a compute agent's job that a bus.OpAuthorize/OpExecute
// command dispatches into. Producing a real authorization or execution
// proof requires the node binary's proving keys; only the interface
// and a fake live here.
type Prover interface {
	// Authorize produces a signed authorization for calling fn on
	// program with inputs, under the key named by keyRef. seed, if
	// non-nil, pins the proof's randomness for reproducible test runs.
	Authorize(ctx context.Context, program, fn string, inputs []string, keyRef string, seed *int64) (authBytes []byte, err error)

	// Execute produces a broadcastable transaction from a prior
	// authorization, resolving on-chain state through queryEndpoint.
	Execute(ctx context.Context, authBytes []byte, queryEndpoint string) (txBytes []byte, err error)
}
