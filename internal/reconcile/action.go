// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile implements the agent-side reconciler (C3): given an
// observed node state and a desired target state pushed over the bus,
// it produces and executes the sequence of local actions that
// converges one to the other, and reports progress back to the
// control plane.
package reconcile

import (
	"github.com/monadic-testbed/snops-core/internal/schema"
)

// ActionKind discriminates the closed set of atomic local actions the
// reconciler can take.
type ActionKind string

const (
	ActionStopNode        ActionKind = "StopNode"
	ActionStartNode       ActionKind = "StartNode"
	ActionSwapBinary      ActionKind = "SwapBinary"
	ActionSetLedgerHeight ActionKind = "SetLedgerHeight"
	ActionWritePrivateKey ActionKind = "WritePrivateKey"
	ActionWriteConfig     ActionKind = "WriteConfig"
	ActionNoop            ActionKind = "Noop"
)

// Action is one atomic unit of convergence work. Exactly the fields
// relevant to Kind are populated; the rest are zero.
type Action struct {
	Kind ActionKind

	BinaryDigest string // SwapBinary

	LedgerHeight schema.HeightSpec // SetLedgerHeight

	PrivateKeyHash string // WritePrivateKey: the hash of the key TargetState names

	Peers      []string          // WriteConfig
	Validators []string          // WriteConfig
	Env        map[string]string // WriteConfig

	StartCfg StartConfig // StartNode
}

// StartConfig is what StartNode hands the node process: everything
// needed to launch it once binary, ledger, key, and wiring are already
// in place.
type StartConfig struct {
	NodeType schema.NodeType
	Env      map[string]string
}

// DiffClass names one of the five dependency-ordered dimensions a
// target state can change along. The zero value is ClassBinary.
type DiffClass int

const (
	ClassBinary DiffClass = iota
	ClassLedger
	ClassKey
	ClassWiring
	ClassOnline
	numClasses
)

func (c DiffClass) String() string {
	switch c {
	case ClassBinary:
		return "binary"
	case ClassLedger:
		return "ledger"
	case ClassKey:
		return "key"
	case ClassWiring:
		return "wiring"
	case ClassOnline:
		return "online"
	default:
		return "unknown"
	}
}
