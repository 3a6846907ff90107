// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

// Phase is the reconciler's top-level state.
type Phase string

const (
	PhaseDisconnected Phase = "Disconnected"
	PhaseRegistering  Phase = "Registering"
	PhaseIdle         Phase = "Idle"
	PhaseReconciling  Phase = "Reconciling"
	PhaseFailed       Phase = "Failed"
)

// ChildState is the node child process's own sub-state, tracked
// independently of Phase.
type ChildState string

const (
	ChildStopped  ChildState = "Stopped"
	ChildStarting ChildState = "Starting"
	ChildRunning  ChildState = "Running"
	ChildExited   ChildState = "Exited"
)

// EventFunc receives reconciler-emitted events for forwarding to the
// control plane over the bus.
type EventFunc func(kind schema.EventKind, payload map[string]any)

// Config configures a Reconciler.
type Config struct {
	Runner  NodeRunner
	Clock   clock.Clock
	Logger  *slog.Logger
	OnEvent EventFunc

	RetryBackoff bus.Backoff // base 1s, cap 60s by default
}

// Reconciler drives one node slot's actual state toward whatever
// target state the control plane most recently pushed. One Reconciler
// exists per node the agent hosts.
type Reconciler struct {
	runner  NodeRunner
	clk     clock.Clock
	log     *slog.Logger
	onEvent EventFunc
	bo      bus.Backoff

	mu         sync.Mutex
	phase      Phase
	childState ChildState
	current    *schema.TargetState // T_prev
	desired    *schema.TargetState // T
	failedErr  error

	dirty      chan struct{}
	retryTimer *clock.Timer
}

// New constructs a Reconciler in PhaseDisconnected with no target.
func New(cfg Config) *Reconciler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bo := cfg.RetryBackoff
	if bo.Base == 0 {
		bo = bus.Backoff{Base: time.Second, Cap: 60 * time.Second}
	}
	return &Reconciler{
		runner:     cfg.Runner,
		clk:        clk,
		log:        log,
		onEvent:    cfg.OnEvent,
		bo:         bo,
		phase:      PhaseDisconnected,
		childState: ChildStopped,
		dirty:      make(chan struct{}, 1),
	}
}

// SetTarget installs a new desired target state, per the preemption
// rule: it takes effect immediately, and any in-flight action sequence
// abandons its plan and restarts from the new target once its current
// action's side effect completes.
func (r *Reconciler) SetTarget(t *schema.TargetState) {
	r.mu.Lock()
	r.desired = t
	if r.phase == PhaseDisconnected {
		r.phase = PhaseRegistering
	}
	r.mu.Unlock()
	r.wake()
}

func (r *Reconciler) wake() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Phase returns the current top-level phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Run drives the reconcile loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.dirty:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	for {
		r.mu.Lock()
		target := r.desired
		prev := r.current
		r.mu.Unlock()

		if target == nil {
			return
		}
		if targetsEqual(prev, target) {
			r.emit(schema.EventTargetChanged, map[string]any{"result": "noop"})
			r.setPhase(PhaseIdle)
			return
		}

		classes := computeDiff(prev, target)
		actions := planActions(prev, target, classes)
		r.setPhase(PhaseReconciling)

		preempted, err := r.runActions(ctx, target, actions)
		if preempted {
			continue // restart planning against whatever SetTarget installed meanwhile
		}
		if err != nil {
			r.handleFailure(ctx, err)
			return
		}

		r.mu.Lock()
		r.current = target
		r.mu.Unlock()
		r.bo.Reset()
		r.setPhase(PhaseIdle)
		return
	}
}

// runActions executes actions in order, checking for preemption before
// each one. Returns preempted=true if desired changed mid-sequence.
func (r *Reconciler) runActions(ctx context.Context, target *schema.TargetState, actions []Action) (preempted bool, err error) {
	for _, action := range actions {
		r.mu.Lock()
		latest := r.desired
		r.mu.Unlock()
		if !targetsEqual(latest, target) {
			return true, nil
		}
		if err := r.applyAction(ctx, action); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *Reconciler) applyAction(ctx context.Context, action Action) error {
	switch action.Kind {
	case ActionNoop:
		return nil
	case ActionStopNode:
		r.setChildState(ChildStopped)
		r.emit(schema.EventNodeStopping, nil)
		if err := r.runner.StopNode(ctx); err != nil {
			return err
		}
		r.emit(schema.EventNodeStopped, nil)
		return nil
	case ActionSwapBinary:
		if err := r.runner.SwapBinary(ctx, action.BinaryDigest); err != nil {
			return &ErrStructural{Class: ClassBinary, Err: err}
		}
		return nil
	case ActionSetLedgerHeight:
		if err := r.runner.SetLedgerHeight(ctx, action.LedgerHeight); err != nil {
			return &ErrStructural{Class: ClassLedger, Err: err}
		}
		return nil
	case ActionWritePrivateKey:
		if err := r.runner.WritePrivateKey(ctx, action.PrivateKeyHash); err != nil {
			return &ErrStructural{Class: ClassKey, Err: err}
		}
		return nil
	case ActionWriteConfig:
		return r.runner.WriteConfig(ctx, action.Peers, action.Validators, action.Env)
	case ActionStartNode:
		r.setChildState(ChildStarting)
		r.emit(schema.EventNodeStarting, nil)
		if err := r.runner.StartNode(ctx, action.StartCfg); err != nil {
			return err
		}
		r.setChildState(ChildRunning)
		r.emit(schema.EventNodeStarted, nil)
		return nil
	default:
		return errors.New("reconcile: unknown action kind " + string(action.Kind))
	}
}

func (r *Reconciler) handleFailure(ctx context.Context, err error) {
	var structural *ErrStructural
	if errors.As(err, &structural) {
		r.mu.Lock()
		r.phase = PhaseFailed
		r.failedErr = err
		r.mu.Unlock()
		r.emit(schema.EventReconcileFailed, map[string]any{
			"class": structural.Class.String(),
			"error": err.Error(),
			"kind":  "structural",
		})
		r.log.Error("reconcile: structural failure, awaiting new target state", "err", err)
		return
	}

	r.log.Warn("reconcile: transient failure, retrying with backoff", "err", err)
	r.emit(schema.EventReconcileFailed, map[string]any{"error": err.Error(), "kind": "transient"})
	delay := r.bo.Next()
	r.retryTimer = r.clk.AfterFunc(delay, r.wake)
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Reconciler) setChildState(s ChildState) {
	r.mu.Lock()
	r.childState = s
	r.mu.Unlock()
}

// ChildState returns the node child process's current sub-state.
func (r *Reconciler) ChildState() ChildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.childState
}

// Reset clears Failed back to Idle when a fresh target state arrives —
// the operator has issued a new target, so the reconciler gets another
// chance rather than staying stuck.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	if r.phase == PhaseFailed {
		r.phase = PhaseIdle
		r.failedErr = nil
	}
	r.mu.Unlock()
}

func (r *Reconciler) emit(kind schema.EventKind, payload map[string]any) {
	if r.onEvent != nil {
		r.onEvent(kind, payload)
	}
}
