// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"reflect"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// computeDiff compares prev to next and returns the changed classes in
// their fixed dependency order: binary, ledger, key, wiring, online. A
// nil prev (first reconcile after a fresh registration) is compared
// against the zero TargetState, so only the fields the new target
// actually sets show up as changed.
func computeDiff(prev, next *schema.TargetState) []DiffClass {
	if next == nil {
		return nil
	}
	if prev == nil {
		prev = &schema.TargetState{}
	}

	var changed []DiffClass
	if prev.BinaryDigest != next.BinaryDigest {
		changed = append(changed, ClassBinary)
	}
	if prev.HeightGoal != next.HeightGoal || prev.LedgerEpoch != next.LedgerEpoch {
		changed = append(changed, ClassLedger)
	}
	if prev.PrivateKeyHash != next.PrivateKeyHash {
		changed = append(changed, ClassKey)
	}
	if prev.NodeType != next.NodeType ||
		!reflect.DeepEqual(prev.Peers, next.Peers) ||
		!reflect.DeepEqual(prev.Validators, next.Validators) ||
		!reflect.DeepEqual(prev.Env, next.Env) {
		changed = append(changed, ClassWiring)
	}
	if prev.Online != next.Online {
		changed = append(changed, ClassOnline)
	}
	return changed
}

// targetsEqual reports whether prev and next are byte-equivalent for
// the purpose of the reconciler's Noop short-circuit: no observable
// field differs, so re-running the whole pipeline would be wasted
// work.
func targetsEqual(prev, next *schema.TargetState) bool {
	if prev == nil || next == nil {
		return prev == next
	}
	return reflect.DeepEqual(*prev, *next)
}

// mustStopForClass reports whether converging this class requires the
// node to be offline first (binary swap, ledger rewind, key write), per the
// offline-required action set.
func mustStopForClass(c DiffClass) bool {
	switch c {
	case ClassBinary, ClassLedger, ClassKey:
		return true
	default:
		return false
	}
}

// planActions expands an ordered list of changed classes into the
// concrete Action sequence, inserting a StopNode ahead of any class
// that requires the node offline and a trailing StartNode if the
// target wants the node online and either a stop was required or the
// online flag itself changed.
func planActions(prev, next *schema.TargetState, classes []DiffClass) []Action {
	if len(classes) == 0 {
		return []Action{{Kind: ActionNoop}}
	}

	var actions []Action
	stopped := false
	requireStop := false
	for _, c := range classes {
		if mustStopForClass(c) {
			requireStop = true
		}
	}
	if requireStop {
		actions = append(actions, Action{Kind: ActionStopNode})
		stopped = true
	}

	for _, c := range classes {
		switch c {
		case ClassBinary:
			actions = append(actions, Action{Kind: ActionSwapBinary, BinaryDigest: next.BinaryDigest})
		case ClassLedger:
			actions = append(actions, Action{Kind: ActionSetLedgerHeight, LedgerHeight: next.HeightGoal})
		case ClassKey:
			actions = append(actions, Action{Kind: ActionWritePrivateKey, PrivateKeyHash: next.PrivateKeyHash})
		case ClassWiring:
			actions = append(actions, Action{
				Kind:       ActionWriteConfig,
				Peers:      next.Peers,
				Validators: next.Validators,
				Env:        next.Env,
			})
		case ClassOnline:
			// handled below, after every other class has applied
		}
	}

	if next.Online {
		if stopped || onlineClassPresent(classes) {
			actions = append(actions, Action{
				Kind: ActionStartNode,
				StartCfg: StartConfig{
					NodeType: next.NodeType,
					Env:      next.Env,
				},
			})
		}
	} else if onlineClassPresent(classes) && !stopped {
		actions = append(actions, Action{Kind: ActionStopNode})
	}

	return actions
}

func onlineClassPresent(classes []DiffClass) bool {
	for _, c := range classes {
		if c == ClassOnline {
			return true
		}
	}
	return false
}
