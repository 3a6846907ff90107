// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cannon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

// Phase is a Cannon's lifecycle state.
type Phase string

const (
	PhaseDraft    Phase = "Draft"
	PhaseRunning  Phase = "Running"
	PhaseDraining Phase = "Draining"
	PhaseStopped  Phase = "Stopped"
)

const counterEmitInterval = 5 * time.Second

// Dispatcher sends a command to a connected agent and waits for its
// response. Satisfied by *bus.Server.
type Dispatcher interface {
	Request(ctx context.Context, id schema.AgentID, cmd bus.Command) (bus.Response, error)
}

// EventFunc forwards a cannon-lifecycle event to the control plane's
// event log.
type EventFunc func(kind schema.EventKind, payload map[string]any)

// Config configures a Cannon.
type Config struct {
	Name string
	Spec schema.CannonSpec

	Source     Source
	Sink       Sink
	Dispatcher Dispatcher
	Resolver   Resolver

	Clock   clock.Clock
	Logger  *slog.Logger
	OnEvent EventFunc
}

type execJob struct {
	AuthBytes     []byte
	QueryEndpoint string
}

// Cannon runs one environment cannon's authorize → execute → broadcast
// pipeline. One Cannon exists per entry in an EnvironmentRecord's
// Cannons map while that environment is applied.
type Cannon struct {
	name string
	spec schema.CannonSpec

	source     Source
	sink       Sink
	dispatch   Dispatcher
	resolve    Resolver
	clk        clock.Clock
	log        *slog.Logger
	onEvent    EventFunc
	counters   *Counters

	mu    sync.Mutex
	phase Phase

	drainOnce sync.Once
	drain     chan struct{}
}

// New constructs a Cannon in PhaseDraft. Call Run to start it.
func New(cfg Config) *Cannon {
	spec := cfg.Spec
	if spec.AuthorizeWorkers <= 0 {
		spec.AuthorizeWorkers = 4
	}
	if spec.ExecuteWorkers <= 0 {
		spec.ExecuteWorkers = 8
	}
	if spec.BroadcastWorkers <= 0 {
		spec.BroadcastWorkers = 4
	}
	if spec.QueueCapacity <= 0 {
		spec.QueueCapacity = 1024
	}
	if spec.DrainDeadline <= 0 {
		spec.DrainDeadline = 30 * time.Second
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Cannon{
		name:     cfg.Name,
		spec:     spec,
		source:   cfg.Source,
		sink:     cfg.Sink,
		dispatch: cfg.Dispatcher,
		resolve:  cfg.Resolver,
		clk:      clk,
		log:      log,
		onEvent:  cfg.OnEvent,
		counters: newCounters(clk),
		phase:    PhaseDraft,
		drain:    make(chan struct{}),
	}
}

// Phase reports the cannon's current lifecycle state.
func (c *Cannon) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Counters returns a live snapshot of this cannon's throughput.
func (c *Cannon) Counters() Snapshot { return c.counters.Snapshot() }

// Drain requests the cannon stop pulling new items from its source and
// finish whatever is already queued, up to Spec.DrainDeadline. Safe to
// call more than once and safe to call before Run. Environment
// deletion drives every associated cannon into Draining this way,
// unconditionally, even a listen source with an open HTTP listener.
func (c *Cannon) Drain() {
	c.drainOnce.Do(func() { close(c.drain) })
}

func (c *Cannon) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Cannon) emit(kind schema.EventKind, payload map[string]any) {
	if c.onEvent != nil {
		c.onEvent(kind, payload)
	}
}

// Run starts the pipeline's worker pools and blocks until the cannon
// reaches Stopped, either because ctx was cancelled or Drain was
// called. It always ends by closing the source and sink, even when the
// drain deadline is exceeded and in-flight work is abandoned.
func (c *Cannon) Run(ctx context.Context) error {
	c.setPhase(PhaseRunning)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go c.emitCounters(runCtx)

	// pumpCtx governs only the pump's Source.Next call: cancelled the
	// moment draining begins, so no new item is ever pulled in once
	// Drain is requested. workCtx governs the authorize/execute/
	// broadcast stages: it stays live through draining so queued and
	// in-flight items finish normally, and is only cancelled if the
	// drain deadline is exceeded, abandoning whatever is left in-flight.
	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	authQ := make(chan AuthJob, c.spec.QueueCapacity)
	execQ := make(chan execJob, c.spec.QueueCapacity)
	bcastQ := make(chan []byte, c.spec.QueueCapacity)

	var pumpDone, authDone, execDone, broadcastDone sync.WaitGroup

	pumpDone.Add(1)
	go func() {
		defer pumpDone.Done()
		c.pump(pumpCtx, authQ, bcastQ)
	}()
	go func() {
		pumpDone.Wait()
		close(authQ)
	}()

	authDone.Add(c.spec.AuthorizeWorkers)
	for i := 0; i < c.spec.AuthorizeWorkers; i++ {
		go func() {
			defer authDone.Done()
			c.authorizeWorker(workCtx, authQ, execQ)
		}()
	}
	go func() {
		authDone.Wait()
		close(execQ)
	}()

	execDone.Add(c.spec.ExecuteWorkers)
	for i := 0; i < c.spec.ExecuteWorkers; i++ {
		go func() {
			defer execDone.Done()
			c.executeWorker(workCtx, execQ, bcastQ)
		}()
	}

	var bcastProducers sync.WaitGroup
	bcastProducers.Add(2)
	go func() { pumpDone.Wait(); bcastProducers.Done() }()
	go func() { execDone.Wait(); bcastProducers.Done() }()
	go func() {
		bcastProducers.Wait()
		close(bcastQ)
	}()

	broadcastDone.Add(c.spec.BroadcastWorkers)
	for i := 0; i < c.spec.BroadcastWorkers; i++ {
		go func() {
			defer broadcastDone.Done()
			c.broadcastWorker(workCtx, bcastQ)
		}()
	}

	select {
	case <-ctx.Done():
	case <-c.drain:
	}

	c.setPhase(PhaseDraining)
	cancelPump() // stop pulling new items; queued work keeps draining

	finished := make(chan struct{})
	go func() {
		broadcastDone.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-c.clk.After(c.spec.DrainDeadline):
		c.log.Warn("cannon drain deadline exceeded, abandoning in-flight work", "cannon", c.name)
		cancelWork()
		<-finished
	}

	_ = c.source.Close()
	_ = c.sink.Close()
	c.setPhase(PhaseStopped)
	return nil
}

func (c *Cannon) emitCounters(ctx context.Context) {
	ticker := c.clk.NewTicker(counterEmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.counters.Snapshot()
			c.emit(schema.EventCannonCounters, map[string]any{
				"cannon":     c.name,
				"authorized": snap.Authorized,
				"executed":   snap.Executed,
				"broadcast":  snap.Broadcast,
				"failed":     snap.Failed,
			})
		}
	}
}

func (c *Cannon) pump(ctx context.Context, authQ chan<- AuthJob, bcastQ chan<- []byte) {
	for {
		item, err := c.source.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				c.log.Error("cannon source error", "cannon", c.name, "error", err)
			}
			return
		}
		if item.Auth != nil {
			select {
			case authQ <- *item.Auth:
			case <-ctx.Done():
				return
			}
			continue
		}
		// A playback item is already authorized and executed (that
		// happened whenever the replay file was recorded); count it as
		// both here so broadcast ≤ executed ≤ authorized still holds
		// for a playback-sourced cannon instead of reporting broadcasts
		// with no authorize/execute activity behind them.
		c.counters.IncAuthorized()
		c.counters.IncExecuted()
		select {
		case bcastQ <- item.TxBytes:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cannon) authorizeWorker(ctx context.Context, authQ <-chan AuthJob, execQ chan<- execJob) {
	for job := range authQ {
		authBytes, err := c.authorize(ctx, job)
		if err != nil {
			c.counters.IncFailed()
			c.emit(schema.EventCannonDropped, map[string]any{"cannon": c.name, "stage": "authorize", "error": err.Error()})
			continue
		}
		c.counters.IncAuthorized()
		select {
		case execQ <- execJob{AuthBytes: authBytes, QueryEndpoint: job.QueryEndpoint}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cannon) authorize(ctx context.Context, job AuthJob) ([]byte, error) {
	bo := bus.Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: true}
	for attempt := 1; ; attempt++ {
		agentID, err := c.resolve.ResolveCompute(ctx)
		if err != nil {
			if !c.retryable(ctx, attempt, err) {
				return nil, err
			}
			if !c.sleepBackoff(ctx, &bo) {
				return nil, ctx.Err()
			}
			continue
		}

		attemptCtx, cancel := c.withStageTimeout(ctx, c.spec.AuthorizeTimeout)
		resp, err := c.dispatch.Request(attemptCtx, agentID, bus.Command{
			ReqID: uuid.NewString(),
			Op:    bus.OpAuthorize,
			Authorize: &bus.AuthorizeArgs{
				Program: job.Program,
				Fn:      job.Fn,
				Inputs:  job.Inputs,
				KeyRef:  job.KeyRef,
				Seed:    job.Seed,
			},
		})
		cancel()

		if err == nil && resp.Status == bus.ResultOK {
			return resp.AuthBytes, nil
		}
		if err == nil {
			err = fmt.Errorf("cannon: authorize: agent reported %s: %s", resp.Status, resp.Error)
		}
		if !c.retryable(ctx, attempt, err) {
			return nil, fmt.Errorf("cannon: authorize failed after %d attempt(s): %w", attempt, err)
		}
		if !c.sleepBackoff(ctx, &bo) {
			return nil, ctx.Err()
		}
	}
}

func (c *Cannon) executeWorker(ctx context.Context, execQ <-chan execJob, bcastQ chan<- []byte) {
	for job := range execQ {
		txBytes, err := c.execute(ctx, job)
		if err != nil {
			c.counters.IncFailed()
			c.emit(schema.EventCannonDropped, map[string]any{"cannon": c.name, "stage": "execute", "error": err.Error()})
			continue
		}
		c.counters.IncExecuted()
		select {
		case bcastQ <- txBytes:
		case <-ctx.Done():
			return
		}
	}
}

// execute has no retry/timeout knobs of its own — CannonSpec only
// gives authorize and broadcast attempts/timeouts, so an execute
// failure surfaces immediately as a dropped item.
func (c *Cannon) execute(ctx context.Context, job execJob) ([]byte, error) {
	agentID, err := c.resolve.ResolveCompute(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.dispatch.Request(ctx, agentID, bus.Command{
		ReqID: uuid.NewString(),
		Op:    bus.OpExecute,
		Execute: &bus.ExecuteArgs{
			AuthBytes:     job.AuthBytes,
			QueryEndpoint: job.QueryEndpoint,
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != bus.ResultOK {
		return nil, fmt.Errorf("cannon: execute: agent reported %s: %s", resp.Status, resp.Error)
	}
	return resp.TxBytes, nil
}

func (c *Cannon) broadcastWorker(ctx context.Context, bcastQ <-chan []byte) {
	for txBytes := range bcastQ {
		if err := c.broadcast(ctx, txBytes); err != nil {
			c.counters.IncFailed()
			c.emit(schema.EventCannonDropped, map[string]any{"cannon": c.name, "stage": "broadcast", "error": err.Error()})
			continue
		}
		c.counters.IncBroadcast()
	}
}

func (c *Cannon) broadcast(ctx context.Context, txBytes []byte) error {
	bo := bus.Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: true}
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := c.withStageTimeout(ctx, c.spec.BroadcastTimeout)
		err := c.sink.Broadcast(attemptCtx, txBytes)
		cancel()
		if err == nil {
			return nil
		}
		if !c.retryableCount(ctx, attempt, c.spec.BroadcastAttempts, err) {
			return fmt.Errorf("cannon: broadcast failed after %d attempt(s): %w", attempt, err)
		}
		if !c.sleepBackoff(ctx, &bo) {
			return ctx.Err()
		}
	}
}

func (c *Cannon) withStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// retryable reports whether the authorize stage should retry after
// err on the attempt just made. 0 attempts means unbounded.
func (c *Cannon) retryable(ctx context.Context, attempt int, err error) bool {
	return c.retryableCount(ctx, attempt, c.spec.AuthorizeAttempts, err)
}

func (c *Cannon) retryableCount(ctx context.Context, attempt, maxAttempts int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if maxAttempts > 0 && attempt >= maxAttempts {
		return false
	}
	return true
}

// sleepBackoff waits out the next backoff interval, returning false if
// ctx is cancelled first.
func (c *Cannon) sleepBackoff(ctx context.Context, bo *bus.Backoff) bool {
	select {
	case <-c.clk.After(bo.Next()):
		return true
	case <-ctx.Done():
		return false
	}
}
