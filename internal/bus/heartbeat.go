// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"
	"time"

	"github.com/monadic-testbed/snops-core/lib/clock"
)

// DefaultHeartbeatInterval is how often a Ping is sent on an otherwise
// idle connection, and DefaultHeartbeatTimeout is how long a side waits
// for a Pong (or any traffic) before declaring the connection dead.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
)

// heartbeatMonitor tracks the time of the last inbound frame and
// exposes a channel that fires once the connection has gone silent for
// longer than timeout. Both the server's per-agent connection and the
// client's connection to the control plane use one of these to decide
// when to tear down and reconnect.
type heartbeatMonitor struct {
	clk     clock.Clock
	timeout time.Duration

	mu       sync.Mutex
	lastSeen time.Time
	timer    *clock.Timer
	dead     chan struct{}
	deadOnce sync.Once
}

func newHeartbeatMonitor(clk clock.Clock, timeout time.Duration) *heartbeatMonitor {
	m := &heartbeatMonitor{
		clk:      clk,
		timeout:  timeout,
		lastSeen: clk.Now(),
		dead:     make(chan struct{}),
	}
	m.timer = clk.AfterFunc(timeout, m.fire)
	return m
}

// Touch records that a frame was just received, resetting the deadline.
func (m *heartbeatMonitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = m.clk.Now()
	m.timer.Reset(m.timeout)
}

// Dead closes once the connection has been silent for longer than the
// configured timeout.
func (m *heartbeatMonitor) Dead() <-chan struct{} {
	return m.dead
}

func (m *heartbeatMonitor) fire() {
	m.deadOnce.Do(func() { close(m.dead) })
}

// Stop releases the underlying timer.
func (m *heartbeatMonitor) Stop() {
	m.timer.Stop()
}

// reportStatusLimiter rate-limits an agent's ReportStatus sends to at
// most once per ReportStatusMinInterval.
type reportStatusLimiter struct {
	clk      clock.Clock
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func newReportStatusLimiter(clk clock.Clock) *reportStatusLimiter {
	return &reportStatusLimiter{
		clk:      clk,
		interval: time.Duration(ReportStatusMinInterval) * time.Millisecond,
	}
}

// Allow reports whether a ReportStatus send is permitted now, and if
// so, starts the next interval.
func (l *reportStatusLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	if now.Before(l.next) {
		return false
	}
	l.next = now.Add(l.interval)
	return true
}
