// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/monadic-testbed/snops-core/internal/cannon"
)

// Realtime generates fresh authorize-stage jobs by cycling through a
// fixed set of tx modes, keys, and addresses, paced at RatePerSec
// items per second (0 means unpaced — generate as fast as downstream
// stages drain).
type Realtime struct {
	modes []string
	keys  []string
	addrs []string

	queryEndpoint string
	limiter       *rate.Limiter
	next          int
}

// NewRealtime constructs a Realtime source. modes and keys must be
// non-empty; addrs may be empty for programs that take no address
// input.
func NewRealtime(modes, keys, addrs []string, ratePerSec int, queryEndpoint string) (*Realtime, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("cannon/source: realtime requires at least one tx mode")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("cannon/source: realtime requires at least one key")
	}

	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), max(ratePerSec, 1))
	}
	return &Realtime{
		modes:         modes,
		keys:          keys,
		addrs:         addrs,
		queryEndpoint: queryEndpoint,
		limiter:       limiter,
	}, nil
}

func (r *Realtime) Next(ctx context.Context) (cannon.Item, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return cannon.Item{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return cannon.Item{}, err
	}

	mode := r.modes[r.next%len(r.modes)]
	key := r.keys[r.next%len(r.keys)]
	var inputs []string
	if len(r.addrs) > 0 {
		inputs = []string{r.addrs[r.next%len(r.addrs)]}
	}
	r.next++

	program, fn := txModeProgram(mode)
	return cannon.Item{Auth: &cannon.AuthJob{
		Program:       program,
		Fn:            fn,
		Inputs:        inputs,
		KeyRef:        key,
		QueryEndpoint: r.queryEndpoint,
	}}, nil
}

func (r *Realtime) Close() error { return nil }

// txModeProgram maps a configured tx mode name to the on-chain program
// and function it authorizes. Modes covering the credits program's
// standard transfer variants are recognized directly; anything else
// passes through as a program name with a "main" entry point, so an
// operator can name an arbitrary deployed program without a matching
// case here.
func txModeProgram(mode string) (program, fn string) {
	switch mode {
	case "transfer_public":
		return "credits.aleo", "transfer_public"
	case "transfer_private":
		return "credits.aleo", "transfer_private"
	case "transfer_public_to_private":
		return "credits.aleo", "transfer_public_to_private"
	case "transfer_private_to_public":
		return "credits.aleo", "transfer_private_to_public"
	default:
		return mode, "main"
	}
}
