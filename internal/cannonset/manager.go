// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cannonset tracks the running internal/cannon.Cannon
// instances belonging to applied environments, keyed by (EnvID,
// CannonName), and drains every cannon belonging to an environment
// when that environment is deleted.
package cannonset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/monadic-testbed/snops-core/internal/cannon"
	"github.com/monadic-testbed/snops-core/internal/cannon/sink"
	"github.com/monadic-testbed/snops-core/internal/cannon/source"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

type key struct {
	envID schema.EnvID
	name  string
}

type entry struct {
	cannon *cannon.Cannon
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every running Cannon in the control plane. One Manager
// exists per snops-control process.
type Manager struct {
	store      *store.Store
	dispatch   cannon.Dispatcher
	connChecker cannon.ConnChecker
	clk        clock.Clock
	log        *slog.Logger
	onEvent    cannon.EventFunc

	mu      sync.Mutex
	running map[key]*entry
}

// Config configures a Manager.
type Config struct {
	Store       *store.Store
	Dispatcher  cannon.Dispatcher
	ConnChecker cannon.ConnChecker
	Clock       clock.Clock
	Logger      *slog.Logger
	OnEvent     cannon.EventFunc
}

func New(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		dispatch:    cfg.Dispatcher,
		connChecker: cfg.ConnChecker,
		clk:         clk,
		log:         log,
		onEvent:     cfg.OnEvent,
		running:     make(map[key]*entry),
	}
}

// SyncEnvironment reconciles the set of running cannons against env's
// current Cannons map: it starts any cannon named in the spec that
// isn't already running, and stops any running cannon no longer named
// (an apply that removed or renamed a cannon entry). It does not
// restart a cannon whose spec is unchanged — cannon specs are treated
// as immutable once started, the same way a topology's BinaryRef
// change is a swap rather than a live-edit.
func (m *Manager) SyncEnvironment(ctx context.Context, env schema.EnvironmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[key]struct{}, len(env.Cannons))
	for name, spec := range env.Cannons {
		k := key{envID: env.ID, name: name}
		wanted[k] = struct{}{}
		if _, running := m.running[k]; running {
			continue
		}
		e, err := m.start(env.ID, name, spec)
		if err != nil {
			return fmt.Errorf("cannonset: starting cannon %s/%s: %w", env.ID, name, err)
		}
		m.running[k] = e
	}

	for k, e := range m.running {
		if k.envID != env.ID {
			continue
		}
		if _, stillWanted := wanted[k]; !stillWanted {
			m.stopLocked(k, e)
		}
	}
	return nil
}

// DrainEnvironment drains and stops every cannon belonging to envID,
// blocking until each has finished its in-flight work or hit its
// drain deadline. Called on environment delete so no cannon keeps
// dispatching CannonTx commands against node slots the Delegator has
// just released.
func (m *Manager) DrainEnvironment(envID schema.EnvID) {
	m.mu.Lock()
	var toDrain []struct {
		k key
		e *entry
	}
	for k, e := range m.running {
		if k.envID == envID {
			toDrain = append(toDrain, struct {
				k key
				e *entry
			}{k, e})
		}
	}
	m.mu.Unlock()

	for _, item := range toDrain {
		item.e.cannon.Drain()
		<-item.e.done
		m.mu.Lock()
		delete(m.running, item.k)
		m.mu.Unlock()
	}
}

// stopLocked removes a cannon no longer named by its environment's
// spec. It signals Drain rather than cancelling outright, so in-flight
// work still completes within the cannon's own drain deadline; cancel
// runs only after done closes, releasing the run context once
// Cannon.Run has returned.
func (m *Manager) stopLocked(k key, e *entry) {
	e.cannon.Drain()
	delete(m.running, k)
	go func() {
		<-e.done
		e.cancel()
	}()
}

func (m *Manager) start(envID schema.EnvID, name string, spec schema.CannonSpec) (*entry, error) {
	src, err := buildSource(spec.Source)
	if err != nil {
		return nil, err
	}
	resolver := cannon.NewStoreResolver(m.store, m.connChecker, envID, spec.ComputeLabels)
	sk, err := buildSink(spec.Sink, m.dispatch, resolver)
	if err != nil {
		src.Close()
		return nil, err
	}

	c := cannon.New(cannon.Config{
		Name:       name,
		Spec:       spec,
		Source:     src,
		Sink:       sk,
		Dispatcher: m.dispatch,
		Resolver:   resolver,
		Clock:      m.clk,
		Logger:     m.log.With("env", envID, "cannon", name),
		OnEvent:    m.onEvent,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("cannonset: cannon exited with error", "env", envID, "cannon", name, "err", err)
		}
	}()

	return &entry{cannon: c, cancel: cancel, done: done}, nil
}

func buildSource(spec schema.CannonSourceSpec) (cannon.Source, error) {
	switch spec.Kind {
	case schema.CannonSourcePlayback:
		return source.OpenPlayback(spec.PlaybackFile)
	case schema.CannonSourceRealtime:
		var queryEndpoint string
		if len(spec.RealtimeAddrs) > 0 {
			queryEndpoint = spec.RealtimeAddrs[0]
		}
		return source.NewRealtime(spec.RealtimeTxModes, spec.RealtimeKeys, spec.RealtimeAddrs, spec.RealtimeCount, queryEndpoint)
	case schema.CannonSourceListen:
		return source.NewListen(spec.ListenAddr, slog.Default()), nil
	default:
		return nil, fmt.Errorf("cannonset: unrecognized cannon source kind %q", spec.Kind)
	}
}

func buildSink(spec schema.CannonSinkSpec, dispatch cannon.Dispatcher, resolver cannon.Resolver) (cannon.Sink, error) {
	switch spec.Kind {
	case schema.CannonSinkRecord:
		return sink.OpenRecord(spec.RecordFile)
	case schema.CannonSinkTarget:
		return sink.NewTarget(dispatch, resolver, spec.TargetSel, ""), nil
	default:
		return nil, fmt.Errorf("cannonset: unrecognized cannon sink kind %q", spec.Kind)
	}
}
