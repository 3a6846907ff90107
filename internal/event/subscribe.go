// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sync"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// DefaultSubscriberBuffer is how many live events a subscriber's
// channel can hold beyond its initial backlog before Publish blocks
// waiting for the subscriber to drain. Publish blocking (rather than
// dropping) is what gives the "no gaps within a generation" guarantee.
const DefaultSubscriberBuffer = 1024

// Subscription is a live, filtered view onto the event bus, resumable
// from a cursor. Call Close when done to stop receiving and release
// the channel.
type Subscription struct {
	events chan schema.Event
	filter Filter

	closeOnce sync.Once
	closed    chan struct{}
}

// Events returns the channel events are delivered on, in seq order,
// with no gaps unless a CursorLost event appears first.
func (s *Subscription) Events() <-chan schema.Event { return s.events }

// Close stops delivery to this subscription and releases its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Subscription) deliver(evt schema.Event) {
	matched, err := s.filter.Evaluate(evt.Fields())
	if err != nil || !matched {
		return
	}
	select {
	case s.events <- evt:
	case <-s.closed:
	}
}

// Subscribe registers filter against the bus and returns a
// Subscription whose channel starts with every retained, matching
// event at or after cursor, then continues live. If cursor predates
// everything the ring still holds, the subscriber cannot be resumed
// gaplessly: the first delivered event is a synthetic CursorLost event
// and delivery resumes from the current tail rather than replaying
// history the ring no longer has.
func (b *Bus) Subscribe(filter Filter, cursor uint64) *Subscription {
	b.mu.Lock()

	var backlog []schema.Event
	oldest := b.oldestSeqLocked()
	lost := cursor < oldest && cursor != b.nextSeq
	if lost {
		backlog = append(backlog, schema.Event{
			Seq:        cursor,
			Generation: b.generation,
			Ts:         b.clk.Now(),
			Kind:       schema.EventCursorLost,
		})
	} else {
		for _, evt := range b.ring {
			if evt.Seq >= cursor {
				backlog = append(backlog, evt)
			}
		}
	}

	capacity := len(backlog) + DefaultSubscriberBuffer
	sub := &Subscription{
		events: make(chan schema.Event, capacity),
		filter: filter,
		closed: make(chan struct{}),
	}
	for _, evt := range backlog {
		// CursorLost is always delivered regardless of filter; every
		// other backlog entry still must pass the subscriber's filter.
		if evt.Kind == schema.EventCursorLost {
			sub.events <- evt
			continue
		}
		if matched, err := filter.Evaluate(evt.Fields()); err == nil && matched {
			sub.events <- evt
		}
	}

	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the bus's live fan-out set. Safe to
// call without a prior Close, and safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.Close()
}
