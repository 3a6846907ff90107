// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

// ledgerTarget resolves which agent a ledger read for envID is routed
// through: an explicit ?node= query parameter names a specific slot,
// otherwise any connected, preferably-validator agent assigned within
// the environment serves the read, since ledger state is uniform
// across a network's nodes.
func (s *Server) ledgerTarget(ctx context.Context, c *gin.Context, envID schema.EnvID) (schema.AgentID, error) {
	if raw := c.Query("node"); raw != "" {
		nodeKey, err := schema.ParseNodeKey(raw)
		if err != nil {
			return schema.AgentID{}, err
		}
		agentID, found, err := assignedAgent(ctx, s.store, envID, nodeKey)
		if err != nil {
			return schema.AgentID{}, err
		}
		if !found {
			return schema.AgentID{}, fmt.Errorf("no agent assigned to %s/%s", envID, nodeKey)
		}
		return agentID, nil
	}
	agentID, _, found, err := anyAssignedAgent(ctx, s.store, envID)
	if err != nil {
		return schema.AgentID{}, err
	}
	if !found {
		return schema.AgentID{}, fmt.Errorf("no connected agent assigned within environment %s", envID)
	}
	return agentID, nil
}

func (s *Server) dispatchLedgerQuery(c *gin.Context, envID schema.EnvID, args bus.LedgerQueryArgs) {
	ctx := c.Request.Context()
	agentID, err := s.ledgerTarget(ctx, c, envID)
	if err != nil {
		notFound(c, err)
		return
	}
	resp, err := s.bus.Request(ctx, agentID, bus.Command{Op: bus.OpLedgerQuery, LedgerQuery: &args})
	if err != nil {
		internal(c, err)
		return
	}
	if resp.Status != bus.ResultOK {
		badRequest(c, fmt.Errorf("ledger query: %s", resp.Error))
		return
	}
	var value any
	if err := json.Unmarshal(resp.LedgerValue, &value); err != nil {
		internal(c, fmt.Errorf("decoding ledger value: %w", err))
		return
	}
	ok(c, value)
}

func (s *Server) handleLedgerHeight(c *gin.Context) {
	envID, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.dispatchLedgerQuery(c, envID, bus.LedgerQueryArgs{Kind: bus.LedgerQueryHeight})
}

func (s *Server) handleLedgerBlock(c *gin.Context) {
	envID, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid block height: %w", err))
		return
	}
	s.dispatchLedgerQuery(c, envID, bus.LedgerQueryArgs{Kind: bus.LedgerQueryBlock, Height: height})
}

func (s *Server) handleLedgerBalance(c *gin.Context) {
	envID, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.dispatchLedgerQuery(c, envID, bus.LedgerQueryArgs{Kind: bus.LedgerQueryBalance, Address: c.Param("addr")})
}

func (s *Server) handleLedgerMapping(c *gin.Context) {
	envID, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.dispatchLedgerQuery(c, envID, bus.LedgerQueryArgs{
		Kind:    bus.LedgerQueryMapping,
		Program: c.Param("program"),
		Mapping: c.Param("name"),
		Key:     c.Param("key"),
	})
}

func (s *Server) handleLedgerProgram(c *gin.Context) {
	envID, err := schema.NewEnvID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.dispatchLedgerQuery(c, envID, bus.LedgerQueryArgs{Kind: bus.LedgerQueryProgram, Program: c.Param("program")})
}
