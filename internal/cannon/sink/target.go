// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/cannon"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

// Target submits a signed transaction to whichever connected agent
// currently claims a topology slot matching Sel, over the agent bus's
// CannonTx command. The receiving agent is responsible for POSTing the
// bytes to its hosted node's own broadcast endpoint — the cannon never
// talks to a node's REST surface directly, only through the bus.
type Target struct {
	dispatch          cannon.Dispatcher
	resolve           cannon.Resolver
	sel               schema.Selector
	broadcastEndpoint string
}

// NewTarget builds a Target sink for selector sel. broadcastEndpoint,
// if set, tells the receiving agent which local endpoint to submit the
// transaction to; empty means the agent uses its node's default.
func NewTarget(dispatch cannon.Dispatcher, resolve cannon.Resolver, sel schema.Selector, broadcastEndpoint string) *Target {
	return &Target{dispatch: dispatch, resolve: resolve, sel: sel, broadcastEndpoint: broadcastEndpoint}
}

func (t *Target) Broadcast(ctx context.Context, txBytes []byte) error {
	agentID, err := t.resolve.ResolveTarget(ctx, t.sel)
	if err != nil {
		return err
	}
	resp, err := t.dispatch.Request(ctx, agentID, bus.Command{
		ReqID: uuid.NewString(),
		Op:    bus.OpCannonTx,
		CannonTx: &bus.CannonTxArgs{
			TxBytes:           txBytes,
			BroadcastEndpoint: t.broadcastEndpoint,
		},
	})
	if err != nil {
		return err
	}
	switch resp.Status {
	case bus.ResultOK:
		return nil
	case bus.ResultDuplicate:
		// The target already had this transaction's id at its current
		// height — an earlier attempt landed even though it was
		// reported (to the cannon) as a failure. Treat it as a
		// successful broadcast rather than retrying: resubmitting would
		// only draw the same duplicate rejection again.
		return nil
	default:
		return fmt.Errorf("cannon/sink: target agent reported %s: %s", resp.Status, resp.Error)
	}
}

func (t *Target) Close() error { return nil }
