// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/monadic-testbed/snops-core/internal/delegate"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

func (s *Server) handleListEnvironments(c *gin.Context) {
	envs, err := listEnvs(c.Request.Context(), s.store)
	if err != nil {
		internal(c, err)
		return
	}
	dtos := make([]envSummaryDTO, 0, len(envs))
	for _, rec := range envs {
		dtos = append(dtos, newEnvSummaryDTO(rec))
	}
	ok(c, dtos)
}

// handleApplyEnvironment decodes a YAML environment document straight
// into a schema.EnvironmentRecord and hands it to the Delegator. No
// document validation layer sits in front of this — the document is
// trusted to already describe a coherent topology, the same way the
// core treats every EnvironmentRecord it's handed.
func (s *Server) handleApplyEnvironment(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err)
		return
	}

	var env schema.EnvironmentRecord
	if err := yaml.Unmarshal(body, &env); err != nil {
		badRequest(c, fmt.Errorf("decoding environment document: %w", err))
		return
	}
	env.ID = id

	result, err := s.delegate.Apply(c.Request.Context(), env)
	if err != nil {
		var rejectErr *delegate.Error
		var poolErr *delegate.PoolChangedError
		switch {
		case errors.As(err, &rejectErr):
			badRequest(c, err)
		case errors.As(err, &poolErr):
			fail(c, http.StatusConflict, err)
		default:
			internal(c, err)
		}
		return
	}

	if s.cannons != nil {
		if err := s.cannons.SyncEnvironment(c.Request.Context(), env); err != nil {
			internal(c, fmt.Errorf("environment applied but cannon sync failed: %w", err))
			return
		}
	}

	assignments := make(map[string]string, len(result.Assignments))
	for nodeKey, agentID := range result.Assignments {
		assignments[nodeKey.String()] = agentID.String()
	}
	created(c, gin.H{"env_id": result.EnvID.String(), "assignments": assignments})
}

// handleDeleteEnvironment drains every cannon running against the
// environment before releasing its claims, so no cannon keeps
// dispatching CannonTx commands against node slots the Delegator is
// about to hand back to the agent pool.
func (s *Server) handleDeleteEnvironment(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if s.cannons != nil {
		s.cannons.DrainEnvironment(id)
	}
	if err := s.delegate.Release(c.Request.Context(), id); err != nil {
		internal(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTopology(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	env, found, err := loadEnv(c.Request.Context(), s.store, id)
	if err != nil {
		internal(c, err)
		return
	}
	if !found {
		notFound(c, fmt.Errorf("environment %s not found", id))
		return
	}
	topology := make(map[string]internalNodeDTO, len(env.Topology))
	for key, node := range env.Topology {
		topology[key] = newInternalNodeDTO(node)
	}
	ok(c, topology)
}

// handleTopologyResolved expands Replicas and attaches each slot's
// live agent assignment, the view a dashboard or CLI wants instead of
// the raw document.
func (s *Server) handleTopologyResolved(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	env, found, err := loadEnv(c.Request.Context(), s.store, id)
	if err != nil {
		internal(c, err)
		return
	}
	if !found {
		notFound(c, fmt.Errorf("environment %s not found", id))
		return
	}

	agents, err := listAgents(c.Request.Context(), s.store)
	if err != nil {
		internal(c, err)
		return
	}
	assigned := make(map[schema.NodeKey]schema.AgentID, len(agents))
	for _, rec := range agents {
		if !rec.Claim.IsZero() && rec.Claim.EnvID == id {
			assigned[rec.Claim.NodeKey] = rec.ID
		}
	}

	resolved := make(map[string]resolvedNodeDTO, len(env.Topology))
	for key, node := range env.ExpandedTopology() {
		dto := resolvedNodeDTO{internalNodeDTO: newInternalNodeDTO(node)}
		if agentID, found := assigned[key]; found {
			dto.AssignedAgent = agentID.String()
		}
		resolved[key.String()] = dto
	}
	ok(c, resolved)
}

func (s *Server) handleEnvAgents(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	agents, err := listAgents(c.Request.Context(), s.store)
	if err != nil {
		internal(c, err)
		return
	}
	dtos := make([]agentDTO, 0)
	for _, rec := range agents {
		if !rec.Claim.IsZero() && rec.Claim.EnvID == id {
			dtos = append(dtos, newAgentDTO(rec))
		}
	}
	ok(c, dtos)
}

// handleEnvInfo is a pure rollup over the State store snapshot: node
// counts by online/offline/reconciling, with no bus round-trip to any
// agent.
func (s *Server) handleEnvInfo(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	env, found, err := loadEnv(c.Request.Context(), s.store, id)
	if err != nil {
		internal(c, err)
		return
	}
	if !found {
		notFound(c, fmt.Errorf("environment %s not found", id))
		return
	}

	info := infoDTO{EnvID: id.String()}
	for key, node := range env.ExpandedTopology() {
		info.TotalNodes++
		target, found, err := loadTarget(c.Request.Context(), s.store, id, key)
		if err != nil {
			internal(c, err)
			return
		}
		switch {
		case !found:
			info.Unassigned++
		case !node.Online:
			info.Offline++
		case target.Online:
			info.Online++
		default:
			info.Reconciling++
		}
	}
	ok(c, info)
}

// actionRequest is the body shape for POST /env/{id}/action/{action}:
// the set of node keys the action applies to, plus the handful of
// extra parameters "execute" and "deploy" need.
type actionRequest struct {
	Nodes []string `json:"nodes"`

	// execute
	Program string   `json:"program,omitempty"`
	Fn      string   `json:"fn,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	KeyRef  string   `json:"key_ref,omitempty"`

	// deploy
	BinaryDigest string `json:"binary_digest,omitempty"`
}

// handleEnvAction applies one of the five node actions to every named
// node: online/offline toggle the node's target state, reboot kills
// the running child (the reconciler restarts it against the unchanged
// target), config re-pushes the current target state unmodified
// (forcing the agent to re-converge), execute runs an authorize+
// execute round trip against each node's hosting agent, and deploy
// updates the target's binary digest, which the reconciler treats as
// a swap rather than a live edit.
func (s *Server) handleEnvAction(c *gin.Context) {
	id, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	action := c.Param("action")

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	if len(req.Nodes) == 0 {
		badRequest(c, fmt.Errorf("action %q: no nodes named", action))
		return
	}

	results := make(map[string]string, len(req.Nodes))
	for _, rawKey := range req.Nodes {
		nodeKey, err := schema.ParseNodeKey(rawKey)
		if err != nil {
			results[rawKey] = fmt.Sprintf("error: %v", err)
			continue
		}
		if msg, err := s.applyNodeAction(c.Request.Context(), id, nodeKey, action, req); err != nil {
			results[rawKey] = fmt.Sprintf("error: %v", err)
		} else {
			results[rawKey] = msg
		}
	}
	ok(c, results)
}
