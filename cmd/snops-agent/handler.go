// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/node"
)

// commandHandler dispatches inbound bus.Command messages to the
// node.REST/node.Prover collaborators and the process runner. It is
// the agent-side half internal/bus's doc comments describe but leave
// unimplemented: OpSetTargetState is handled upstream by
// bus.Client's onStateChange callback into the reconciler, so this
// handler only needs to acknowledge it.
type commandHandler struct {
	runner  *processRunner
	rest    node.REST
	prover  node.Prover
	logLevel *slog.LevelVar
	log     *slog.Logger
}

func (h *commandHandler) HandleCommand(ctx context.Context, cmd bus.Command) bus.Response {
	resp := bus.Response{Status: bus.ResultOK}

	switch cmd.Op {
	case bus.OpSetTargetState:
		// Already applied via bus.Client's onStateChange into the
		// reconciler; nothing further to do here.

	case bus.OpKill:
		if err := h.runner.StopNode(ctx); err != nil {
			return errorResponse(err)
		}

	case bus.OpSetLogLevel:
		level, err := parseLogLevel(cmd.SetLogLevel)
		if err != nil {
			return errorResponse(err)
		}
		h.logLevel.Set(level)

	case bus.OpGetStatus:
		observed, err := h.runner.Observe(ctx)
		if err != nil {
			return errorResponse(err)
		}
		resp.Observed = &observed

	case bus.OpCannonTx:
		if cmd.CannonTx == nil {
			return errorResponse(fmt.Errorf("agent: CannonTx command missing args"))
		}
		if err := h.rest.Broadcast(ctx, cmd.CannonTx.BroadcastEndpoint, cmd.CannonTx.TxBytes); err != nil {
			if errors.Is(err, node.ErrDuplicateTransaction) {
				return bus.Response{Status: bus.ResultDuplicate}
			}
			return errorResponse(err)
		}

	case bus.OpAuthorize:
		if cmd.Authorize == nil {
			return errorResponse(fmt.Errorf("agent: Authorize command missing args"))
		}
		a := cmd.Authorize
		authBytes, err := h.prover.Authorize(ctx, a.Program, a.Fn, a.Inputs, a.KeyRef, a.Seed)
		if err != nil {
			return errorResponse(err)
		}
		resp.AuthBytes = authBytes

	case bus.OpExecute:
		if cmd.Execute == nil {
			return errorResponse(fmt.Errorf("agent: Execute command missing args"))
		}
		e := cmd.Execute
		txBytes, err := h.prover.Execute(ctx, e.AuthBytes, e.QueryEndpoint)
		if err != nil {
			return errorResponse(err)
		}
		resp.TxBytes = txBytes

	case bus.OpLedgerQuery:
		value, err := h.handleLedgerQuery(ctx, cmd.LedgerQuery)
		if err != nil {
			return errorResponse(err)
		}
		resp.LedgerValue = value

	default:
		return errorResponse(fmt.Errorf("agent: unrecognized command op %q", cmd.Op))
	}

	return resp
}

func (h *commandHandler) handleLedgerQuery(ctx context.Context, args *bus.LedgerQueryArgs) ([]byte, error) {
	if args == nil {
		return nil, fmt.Errorf("agent: LedgerQuery command missing args")
	}
	switch args.Kind {
	case bus.LedgerQueryHeight:
		height, err := h.rest.Height(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(height)

	case bus.LedgerQueryBlock:
		return h.rest.Block(ctx, args.Height)

	case bus.LedgerQueryBalance:
		balance, err := h.rest.Balance(ctx, args.Address)
		if err != nil {
			return nil, err
		}
		return json.Marshal(balance)

	case bus.LedgerQueryMapping:
		return h.rest.Mapping(ctx, args.Program, args.Mapping, args.Key)

	case bus.LedgerQueryProgram:
		return h.rest.Program(ctx, args.Program)

	default:
		return nil, fmt.Errorf("agent: unrecognized ledger query kind %q", args.Kind)
	}
}

func errorResponse(err error) bus.Response {
	return bus.Response{Status: bus.ResultError, Error: err.Error()}
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("agent: invalid log level %q: %w", s, err)
	}
	return level, nil
}
