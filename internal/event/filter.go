// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/monadic-testbed/snops-core/lib/schema"
)

// Filter is an algebraic predicate over an event's projected fields
// (schema.Event.Fields: kind, env_id, agent_id, node_key). A zero
// Filter (no leaf, no combinator) matches everything.
//
// Leaves reuse lib/schema.ContentMatch/MatchValue directly, so a
// filter can express not just equality but any of ContentMatch's
// operators ($in, $lt, and so on) against these fields — the same
// evaluator Matrix state-event content matching uses, generalized to
// event fields instead.
type Filter struct {
	Match schema.ContentMatch `json:"match,omitempty"`
	AllOf []Filter            `json:"all_of,omitempty"`
	AnyOf []Filter            `json:"any_of,omitempty"`
	Not   *Filter             `json:"not,omitempty"`
}

// Evaluate reports whether fields satisfies the filter.
func (f Filter) Evaluate(fields map[string]any) (bool, error) {
	switch {
	case f.Not != nil:
		matched, err := f.Not.Evaluate(fields)
		if err != nil {
			return false, err
		}
		return !matched, nil

	case len(f.AllOf) > 0:
		for _, sub := range f.AllOf {
			matched, err := sub.Evaluate(fields)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil

	case len(f.AnyOf) > 0:
		for _, sub := range f.AnyOf {
			matched, err := sub.Evaluate(fields)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil

	case len(f.Match) > 0:
		matched, _, err := f.Match.Evaluate(fields)
		return matched, err

	default:
		return true, nil
	}
}

// Validate checks that every leaf's match criteria are well formed.
func (f Filter) Validate() error {
	if len(f.Match) > 0 {
		if err := f.Match.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range f.AllOf {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range f.AnyOf {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if f.Not != nil {
		return f.Not.Validate()
	}
	return nil
}
