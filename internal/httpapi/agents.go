// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/event"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := listAgents(c.Request.Context(), s.store)
	if err != nil {
		internal(c, err)
		return
	}
	dtos := make([]agentDTO, 0, len(agents))
	for _, rec := range agents {
		dtos = append(dtos, newAgentDTO(rec))
	}
	ok(c, dtos)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id, err := schema.NewAgentID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	rec, found, err := loadAgent(c.Request.Context(), s.store, id)
	if err != nil {
		internal(c, err)
		return
	}
	if !found {
		notFound(c, fmt.Errorf("agent %s not found", id))
		return
	}
	ok(c, newAgentDTO(rec))
}

// handleAgentTPS sends the connected agent a live bus.OpGetStatus
// request and reports its observed ledger height (raw and
// comma-grouped), connected peer count and whether its node is
// running. It does not compute a transactions-per-second rate.
func (s *Server) handleAgentTPS(c *gin.Context) {
	id, err := schema.NewAgentID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if !s.bus.Connected(id) {
		notFound(c, fmt.Errorf("agent %s is not connected", id))
		return
	}
	resp, err := s.bus.Request(c.Request.Context(), id, bus.Command{Op: bus.OpGetStatus})
	if err != nil {
		internal(c, err)
		return
	}
	if resp.Observed == nil {
		ok(c, gin.H{"height": uint64(0), "height_human": "0", "connected_peers": 0})
		return
	}
	ok(c, gin.H{
		"height":          resp.Observed.CurrentHeight,
		"height_human":    humanize.Comma(int64(resp.Observed.CurrentHeight)),
		"connected_peers": resp.Observed.ConnectedPeers,
		"node_running":    resp.Observed.NodeRunning,
	})
}

// handleFindAgents applies an event.Filter predicate (the same
// algebraic ContentMatch language event subscriptions use) against
// every registered agent's projected field map.
func (s *Server) handleFindAgents(c *gin.Context) {
	var filter event.Filter
	if err := c.ShouldBindJSON(&filter); err != nil {
		badRequest(c, err)
		return
	}
	if err := filter.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	agents, err := listAgents(c.Request.Context(), s.store)
	if err != nil {
		internal(c, err)
		return
	}
	matched := make([]agentDTO, 0)
	for _, rec := range agents {
		hit, err := filter.Evaluate(agentFields(rec))
		if err != nil {
			badRequest(c, err)
			return
		}
		if hit {
			matched = append(matched, newAgentDTO(rec))
		}
	}
	c.JSON(http.StatusOK, envelope{Data: matched})
}
