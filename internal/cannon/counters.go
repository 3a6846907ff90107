// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cannon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/monadic-testbed/snops-core/lib/clock"
)

// Counters tracks one cannon's lifetime throughput. All four fields
// are lifetime totals; Snapshot additionally reports a per-second rate
// over the interval since the previous Snapshot call.
type Counters struct {
	authorized atomic.Int64
	executed   atomic.Int64
	broadcast  atomic.Int64
	failed     atomic.Int64

	clk clock.Clock

	// mu guards lastSnap/last: Snapshot both reads and updates them, and
	// runs concurrently from emitCounters's ticker and the /agents/{id}/tps
	// HTTP handler's call through Cannon.Counters().
	mu       sync.Mutex
	lastSnap time.Time
	last     Snapshot
}

// Snapshot is a point-in-time read of a Counters, including the rate
// of change since the previous Snapshot call.
type Snapshot struct {
	Authorized int64
	Executed   int64
	Broadcast  int64
	Failed     int64

	AuthorizedPerSec float64
	ExecutedPerSec   float64
	BroadcastPerSec  float64
	FailedPerSec     float64
}

func newCounters(clk clock.Clock) *Counters {
	return &Counters{clk: clk, lastSnap: clk.Now()}
}

func (c *Counters) IncAuthorized() { c.authorized.Add(1) }
func (c *Counters) IncExecuted()   { c.executed.Add(1) }
func (c *Counters) IncBroadcast()  { c.broadcast.Add(1) }
func (c *Counters) IncFailed()     { c.failed.Add(1) }

// Snapshot reads current totals and computes the per-second delta
// against the previous call (or against construction time, on the
// first call). Safe for concurrent use with the Inc* methods and with
// itself: emitCounters's ticker and an HTTP /tps request both call it,
// and each call's delta is against whichever Snapshot last updated
// lastSnap/last, serialized by mu.
func (c *Counters) Snapshot() Snapshot {
	totals := Snapshot{
		Authorized: c.authorized.Load(),
		Executed:   c.executed.Load(),
		Broadcast:  c.broadcast.Load(),
		Failed:     c.failed.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	elapsed := now.Sub(c.lastSnap).Seconds()

	cur := totals
	if elapsed > 0 {
		cur.AuthorizedPerSec = float64(cur.Authorized-c.last.Authorized) / elapsed
		cur.ExecutedPerSec = float64(cur.Executed-c.last.Executed) / elapsed
		cur.BroadcastPerSec = float64(cur.Broadcast-c.last.Broadcast) / elapsed
		cur.FailedPerSec = float64(cur.Failed-c.last.Failed) / elapsed
	}
	c.lastSnap = now
	c.last = cur
	return cur
}
