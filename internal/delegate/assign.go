// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"sort"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// planAssignment runs the six-step placement algorithm. It is pure: no
// I/O, no mutation of its inputs, deterministic given identical
// arguments (per the Delegator's idempotence guarantee). Returns either
// a complete assignment or the full list of slots that could not be
// placed — never a partial assignment alongside rejections.
func planAssignment(
	envID schema.EnvID,
	expanded map[schema.NodeKey]schema.InternalNode,
	agents map[schema.AgentID]schema.AgentRecord,
) (map[schema.NodeKey]schema.AgentID, []SlotRejection) {
	pinned := make(map[schema.NodeKey]schema.InternalNode)
	free := make(map[schema.NodeKey]schema.InternalNode)
	for key, node := range expanded {
		if node.Agent != nil {
			pinned[key] = node
		} else {
			free[key] = node
		}
	}

	assignment := make(map[schema.NodeKey]schema.AgentID, len(expanded))
	used := make(map[schema.AgentID]bool)
	var rejections []SlotRejection

	// Step 2: pinned slots. Any unavailable pin rejects the whole apply.
	for _, key := range sortedNodeKeys(pinned) {
		node := pinned[key]
		agentID := *node.Agent
		agent, ok := agents[agentID]

		switch {
		case !ok:
			rejections = append(rejections, SlotRejection{
				NodeKey: key, Reason: ReasonPinnedUnavailable,
				Detail: "pinned agent " + agentID.String() + " is not registered",
			})
		case used[agentID]:
			rejections = append(rejections, SlotRejection{
				NodeKey: key, Reason: ReasonPinnedUnavailable,
				Detail: "pinned agent " + agentID.String() + " is pinned to more than one slot",
			})
		case !eligible(agent, key.Type, node.Labels, node.RequiresLocalKey()):
			rejections = append(rejections, SlotRejection{
				NodeKey: key, Reason: ReasonPinnedUnavailable,
				Detail: "pinned agent " + agentID.String() + " is not connected or does not satisfy mode flags, labels, or key requirements",
			})
		case !availableForEnv(agent, envID):
			rejections = append(rejections, SlotRejection{
				NodeKey: key, Reason: ReasonPinnedUnavailable,
				Detail: "pinned agent " + agentID.String() + " is claimed by another environment",
			})
		default:
			assignment[key] = agentID
			used[agentID] = true
		}
	}
	if len(rejections) > 0 {
		return nil, rejections
	}

	// Steps 3-4: compute feasible sets for free slots, order
	// most-constrained-first (ascending feasible-set size, node key as
	// a deterministic tie-break).
	type slot struct {
		key      schema.NodeKey
		node     schema.InternalNode
		feasible []schema.AgentID
	}
	slots := make([]slot, 0, len(free))
	for _, key := range sortedNodeKeys(free) {
		node := free[key]
		var feasible []schema.AgentID
		for id, agent := range agents {
			if used[id] {
				continue
			}
			if !eligible(agent, key.Type, node.Labels, node.RequiresLocalKey()) {
				continue
			}
			if !availableForEnv(agent, envID) {
				continue
			}
			feasible = append(feasible, id)
		}
		sort.Slice(feasible, func(i, j int) bool { return feasible[i].Less(feasible[j]) })
		slots = append(slots, slot{key: key, node: node, feasible: feasible})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if len(slots[i].feasible) != len(slots[j].feasible) {
			return len(slots[i].feasible) < len(slots[j].feasible)
		}
		return slots[i].key.String() < slots[j].key.String()
	})

	// Step 5: greedy sticky-then-least-loaded assignment. Slots were
	// ordered by their original feasible-set size, but a more-
	// constrained slot processed earlier may have since consumed an
	// agent a less-constrained slot also listed — filter to what is
	// still unused at the moment each slot is decided.
	load := make(map[schema.AgentID]int)
	for _, s := range slots {
		avail := make([]schema.AgentID, 0, len(s.feasible))
		for _, id := range s.feasible {
			if !used[id] {
				avail = append(avail, id)
			}
		}
		if len(avail) == 0 {
			rejections = append(rejections, SlotRejection{
				NodeKey: s.key, Reason: ReasonNoEligibleAgent,
				Detail: "no registered agent satisfies mode flags, labels, key requirements, and claim availability",
			})
			continue
		}

		chosen, ok := stickyAgent(agents, envID, s.key, avail)
		if !ok {
			chosen = leastLoaded(avail, load)
		}
		assignment[s.key] = chosen
		used[chosen] = true
		load[chosen]++
	}

	// Step 6: reject the whole apply if any slot came up empty.
	if len(rejections) > 0 {
		return nil, rejections
	}
	return assignment, nil
}

// stickyAgent returns the still-available agent already claimed by
// envID for this exact node key, if one is present in avail.
func stickyAgent(
	agents map[schema.AgentID]schema.AgentRecord,
	envID schema.EnvID,
	key schema.NodeKey,
	avail []schema.AgentID,
) (schema.AgentID, bool) {
	for _, id := range avail {
		claim := agents[id].Claim
		if !claim.IsZero() && claim.EnvID == envID && claim.NodeKey == key {
			return id, true
		}
	}
	return schema.AgentID{}, false
}

// leastLoaded picks the feasible agent with the fewest assignments made
// so far in this delegation pass, breaking ties by lowest agent id.
// feasible is already sorted ascending by id.
func leastLoaded(feasible []schema.AgentID, load map[schema.AgentID]int) schema.AgentID {
	best := feasible[0]
	bestLoad := load[best]
	for _, id := range feasible[1:] {
		if load[id] < bestLoad {
			best = id
			bestLoad = load[id]
		}
	}
	return best
}

// eligible reports whether agent is connected and may host a slot of
// type ty carrying requiredLabels, optionally requiring a local private
// key.
func eligible(agent schema.AgentRecord, ty schema.NodeType, requiredLabels []string, requiresLocalKey bool) bool {
	if !agent.Connected {
		return false
	}
	if !agent.ModeFlags.Satisfies(ty) {
		return false
	}
	for _, label := range requiredLabels {
		if !agent.HasLabel(label) {
			return false
		}
	}
	if requiresLocalKey && !agent.LocalPKAvailable {
		return false
	}
	return true
}

// availableForEnv reports whether agent's claim, if any, does not
// belong to a different environment.
func availableForEnv(agent schema.AgentRecord, envID schema.EnvID) bool {
	return agent.Claim.IsZero() || agent.Claim.EnvID == envID
}

// sortedNodeKeys returns m's keys in ascending string order, giving the
// algorithm a deterministic slot-processing order independent of Go's
// randomized map iteration.
func sortedNodeKeys[T any](m map[schema.NodeKey]T) []schema.NodeKey {
	keys := make([]schema.NodeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
