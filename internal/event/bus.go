// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event implements the control plane's append-only event log
// (C6): an in-memory ring buffer with persistent-cursor subscription,
// algebraic filtering, and a bounded mirror in the State store so a
// reconnecting subscriber can recover recent context.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/clock"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

// DefaultRetainCount and DefaultRetainAge bound the in-memory ring;
// eviction is oldest-first once either limit is exceeded.
const (
	DefaultRetainCount = 100_000
	DefaultRetainAge   = 24 * time.Hour
	// DefaultMirrorCount is how many of the most recent events are
	// kept in the State store so a subscriber reconnecting shortly
	// after a restart can recover context without the full ring.
	DefaultMirrorCount = 10_000

	sweepInterval = time.Minute
)

// ErrCursorLost names the condition in which a subscriber's resume
// cursor falls outside the retained ring. Subscribe does not return
// it: it reports the condition by delivering a synthetic
// schema.EventCursorLost event and continuing from the current tail
// rather than replaying gapped history.
var ErrCursorLost = fmt.Errorf("event: cursor lost, resubscribe from the current tail")

// Bus is the control plane's in-process event log. Safe for concurrent
// use by many publishers and subscribers.
type Bus struct {
	clk        clock.Clock
	store      *store.Store
	generation uint64

	retainCount int
	retainAge   time.Duration
	mirrorCount int

	mu       sync.Mutex
	ring     []schema.Event // oldest first
	nextSeq  uint64
	subs     map[*Subscription]struct{}
	stopping chan struct{}
	stopOnce sync.Once
}

// Config configures New.
type Config struct {
	Clock       clock.Clock
	RetainCount int
	RetainAge   time.Duration
	MirrorCount int
}

// New constructs a Bus at the given generation (from Store.Bootstrap)
// and starts its background retention sweep. Call Stop when done.
func New(st *store.Store, generation uint64, cfg Config) *Bus {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	retainCount := cfg.RetainCount
	if retainCount <= 0 {
		retainCount = DefaultRetainCount
	}
	retainAge := cfg.RetainAge
	if retainAge <= 0 {
		retainAge = DefaultRetainAge
	}
	mirrorCount := cfg.MirrorCount
	if mirrorCount <= 0 {
		mirrorCount = DefaultMirrorCount
	}

	b := &Bus{
		clk:         clk,
		store:       st,
		generation:  generation,
		retainCount: retainCount,
		retainAge:   retainAge,
		mirrorCount: mirrorCount,
		subs:        make(map[*Subscription]struct{}),
		stopping:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Stop halts the retention sweep. Subscribers already registered keep
// receiving events already in the ring but no new sweep runs.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopping) })
}

func (b *Bus) sweepLoop() {
	ticker := b.clk.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopping:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.evictLocked()
			b.mu.Unlock()
		}
	}
}

// Publish appends an event, assigning it the next sequence number and
// this Bus's generation, fans it out to every live subscriber whose
// filter matches, and mirrors it into the State store (best-effort:
// a store failure is logged by the caller via the returned error, but
// does not block delivery to in-memory subscribers).
func (b *Bus) Publish(ctx context.Context, kind schema.EventKind, envID schema.EnvID, agentID schema.AgentID, nodeKey schema.NodeKey, payload map[string]any) (schema.Event, error) {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	evt := schema.Event{
		Seq:        seq,
		Generation: b.generation,
		Ts:         b.clk.Now(),
		Kind:       kind,
		EnvID:      envID,
		AgentID:    agentID,
		NodeKey:    nodeKey,
		Payload:    payload,
	}
	b.ring = append(b.ring, evt)
	b.evictLocked()

	recipients := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		recipients = append(recipients, sub)
	}
	b.mu.Unlock()

	for _, sub := range recipients {
		sub.deliver(evt)
	}

	if err := b.mirror(ctx, evt); err != nil {
		return evt, err
	}
	return evt, nil
}

func (b *Bus) mirror(ctx context.Context, evt schema.Event) error {
	encoded, err := codec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: encoding %d: %w", evt.Seq, err)
	}
	ops := []store.Op{store.Put(store.EventKey(evt.Generation, evt.Seq), encoded)}
	if evt.Seq >= uint64(b.mirrorCount) {
		evict := evt.Seq - uint64(b.mirrorCount)
		ops = append(ops, store.Delete(store.EventKey(evt.Generation, evict)))
	}
	return b.store.Batch(ctx, ops)
}

// evictLocked drops ring entries past the count or age bound. Must be
// called with mu held.
func (b *Bus) evictLocked() {
	if len(b.ring) == 0 {
		return
	}
	cutoff := b.clk.Now().Add(-b.retainAge)
	drop := 0
	for drop < len(b.ring) {
		if len(b.ring)-drop <= b.retainCount && !b.ring[drop].Ts.Before(cutoff) {
			break
		}
		drop++
	}
	if drop > 0 {
		b.ring = append([]schema.Event(nil), b.ring[drop:]...)
	}
}

// oldestSeqLocked returns the sequence number of the oldest event
// still in the ring, or the next sequence to be assigned if the ring
// is empty (meaning: nothing is retained, any cursor is "lost" unless
// it equals nextSeq exactly).
func (b *Bus) oldestSeqLocked() uint64 {
	if len(b.ring) == 0 {
		return b.nextSeq
	}
	return b.ring[0].Seq
}

// Recover loads up to the mirrored event count from the State store,
// for an operator reconnecting shortly after a control-plane restart
// whose cursor predates this process's in-memory ring entirely. Scoped
// to this Bus's own generation: an older generation's mirrored rows
// live under a different key prefix and are never returned here.
func (b *Bus) Recover(ctx context.Context) ([]schema.Event, error) {
	entries, err := b.store.Scan(ctx, store.EventPrefix(b.generation))
	if err != nil {
		return nil, err
	}
	events := make([]schema.Event, 0, len(entries))
	for _, entry := range entries {
		var evt schema.Event
		if err := codec.Unmarshal(entry.Value, &evt); err != nil {
			return nil, fmt.Errorf("event: decoding %s: %w", entry.Key, err)
		}
		events = append(events, evt)
	}
	return events, nil
}
