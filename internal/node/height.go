// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// ResolveHeight drives ledger to satisfy spec, implementing the four
// height-goal forms a TargetState can request. A concrete
// reconcile.NodeRunner.SetLedgerHeight wraps this against its real
// ledger; internal/node only owns the resolution logic and the fake
// Ledger it's tested against here, not the wiring into the reconciler.
func ResolveHeight(ctx context.Context, ledger Ledger, spec schema.HeightSpec) error {
	switch spec.Kind {
	case schema.HeightGenesis:
		return ledger.Genesis(ctx)

	case schema.HeightTop:
		if _, ok, err := ledger.Height(ctx); err != nil {
			return err
		} else if ok {
			return nil // ledger exists: top is a no-op
		}
		return ledger.Genesis(ctx)

	case schema.HeightAbsolute:
		return ledger.RewindTo(ctx, spec.Absolute)

	case schema.HeightCheckpoint:
		checkpoints, err := ledger.Checkpoints(ctx)
		if err != nil {
			return err
		}
		for _, cp := range checkpoints {
			if cp.Span == spec.Checkpoint {
				return ledger.RestoreCheckpoint(ctx, cp)
			}
		}
		return fmt.Errorf("node: no checkpoint retained for span %q", spec.Checkpoint)

	default:
		return fmt.Errorf("node: unknown height spec kind %q", spec.Kind)
	}
}
