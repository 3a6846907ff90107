// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// resolveTargets materializes one agent-facing TargetState per
// assigned slot: peers/validators selectors are evaluated against the
// union of the internal and external node tables and rewritten to the
// resolved endpoints' socket addresses. Every input here is derived
// from env, expanded, and assignment alone, so equal inputs always
// produce byte-equal targets.
func resolveTargets(
	env schema.EnvironmentRecord,
	expanded map[schema.NodeKey]schema.InternalNode,
	assignment map[schema.NodeKey]schema.AgentID,
	agents map[schema.AgentID]schema.AgentRecord,
) map[schema.NodeKey]schema.TargetState {
	external := env.ExternalTable()

	candidates := make([]schema.NodeKey, 0, len(expanded)+len(external))
	addrs := make(map[schema.NodeKey]string, len(expanded)+len(external))
	for key, endpoint := range external {
		candidates = append(candidates, key)
		addrs[key] = endpoint.Address
	}
	for key := range expanded {
		if _, isExternal := external[key]; isExternal {
			continue // an internal key shadowing an external one is the internal table's to resolve
		}
		candidates = append(candidates, key)
		if agentID, ok := assignment[key]; ok {
			addrs[key] = agentAddress(agents[agentID])
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })

	targets := make(map[schema.NodeKey]schema.TargetState, len(expanded))
	for key, node := range expanded {
		targets[key] = schema.TargetState{
			Online:         node.Online,
			NodeType:       key.Type,
			PrivateKeyHash: privateKeyHash(env.ID, key, node.Key),
			HeightGoal:     node.Height,
			Peers:          resolveAddrs(node.Peers, candidates, addrs),
			Validators:     resolveAddrs(node.Validators, candidates, addrs),
			Env:            node.EnvVars,
			BinaryDigest:   node.BinaryRef,
			LedgerEpoch:    ledgerEpoch(env.StorageRef, node.Height),
		}
	}
	return targets
}

// agentAddress is the socket address agents resolve to in peer lists:
// the externally reachable address if the agent advertised one,
// otherwise its first internal address. Node-level ports are the
// embedded node process's concern, not the Delegator's.
func agentAddress(agent schema.AgentRecord) string {
	if agent.ExternalAddr != "" {
		return agent.ExternalAddr
	}
	if len(agent.InternalAddrs) > 0 {
		return agent.InternalAddrs[0]
	}
	return ""
}

// resolveAddrs evaluates sel against candidates and returns the
// resolved, sorted socket addresses, skipping any match with no known
// address yet. An empty result is valid: it means the selector matched
// nothing (or nothing with an address), not an error.
func resolveAddrs(sel schema.Selector, candidates []schema.NodeKey, addrs map[schema.NodeKey]string) []string {
	if sel.IsZero() {
		return nil
	}
	matched := sel.Resolve(candidates)
	out := make([]string, 0, len(matched))
	for _, key := range matched {
		if addr := addrs[key]; addr != "" {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// privateKeyHash derives the TargetState's private_key_hash field from
// a slot's key reference. A local reference hashes the (env, node key,
// path) triple so the reconciler can tell whether the file it should
// find on disk matches what the target expects; a generated reference
// hashes (env, node key) alone, matching the deterministic-derivation
// scheme the reconciler uses to produce the key bytes themselves.
func privateKeyHash(envID schema.EnvID, key schema.NodeKey, ref *schema.PrivateKeyRef) string {
	if ref == nil {
		return ""
	}
	switch {
	case ref.Generated:
		return digestHex("generated", envID.String(), key.String())
	case ref.Local:
		return digestHex("local", envID.String(), key.String(), ref.Path)
	default:
		return ""
	}
}

// ledgerEpoch derives a stable epoch token from the storage bundle and
// height goal a slot targets, so the reconciler can distinguish "same
// ledger, keep going" from "operator pointed this slot at a different
// storage bundle or height goal, rewind."
func ledgerEpoch(storageRef string, height schema.HeightSpec) uint64 {
	h := sha256.New()
	h.Write([]byte(storageRef))
	h.Write([]byte{0})
	h.Write([]byte(height.Kind))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(height.Absolute, 10)))
	h.Write([]byte{0})
	h.Write([]byte(height.Checkpoint))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// digestHex hex-encodes the SHA-256 digest of parts, each part
// followed by a NUL byte.
func digestHex(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
