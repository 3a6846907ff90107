// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

// agentConn is the control plane's view of one live agent connection:
// frame I/O, heartbeat tracking, in-flight request bookkeeping, and the
// coalesced SetTargetState outbox. Server keeps one per connected
// agent; Client runs its own connection loop and does not use it.
type agentConn struct {
	id  schema.AgentID
	raw io.ReadWriteCloser
	clk clock.Clock
	log *slog.Logger
	hb  *heartbeatMonitor

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Response

	desiredMu sync.Mutex
	desired   *schema.TargetState
	dirty     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newAgentConn(id schema.AgentID, raw io.ReadWriteCloser, clk clock.Clock, log *slog.Logger, hbTimeout time.Duration) *agentConn {
	ac := &agentConn{
		id:      id,
		raw:     raw,
		clk:     clk,
		log:     log,
		hb:      newHeartbeatMonitor(clk, hbTimeout),
		pending: make(map[string]chan Response),
		dirty:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go ac.senderLoop()
	return ac
}

// coalesceSetTargetState replaces whatever target state has not yet
// been sent with state.
func (ac *agentConn) coalesceSetTargetState(state *schema.TargetState) {
	ac.desiredMu.Lock()
	ac.desired = state
	ac.desiredMu.Unlock()

	select {
	case ac.dirty <- struct{}{}:
	default:
	}
}

func (ac *agentConn) senderLoop() {
	for {
		select {
		case <-ac.closed:
			return
		case <-ac.dirty:
			ac.desiredMu.Lock()
			state := ac.desired
			ac.desired = nil
			ac.desiredMu.Unlock()
			if state == nil {
				continue
			}
			cmd := Command{ReqID: newRequestID(), Op: OpSetTargetState, SetTargetState: state}
			if err := ac.sendCommand(cmd); err != nil {
				ac.log.Warn("bus: send coalesced SetTargetState failed", "agent", ac.id, "err", err)
			}
		}
	}
}

func (ac *agentConn) sendCommand(cmd Command) error {
	if cmd.ReqID == "" {
		cmd.ReqID = newRequestID()
	}
	frame, err := EncodeFrame(TagCmd, cmd)
	if err != nil {
		return err
	}
	return ac.writeFrame(frame)
}

func (ac *agentConn) sendCancel(reqID string) error {
	frame, err := EncodeFrame(TagCancel, Cancel{ReqID: reqID})
	if err != nil {
		return err
	}
	return ac.writeFrame(frame)
}

func (ac *agentConn) writeFrame(f Frame) error {
	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()
	select {
	case <-ac.closed:
		return fmt.Errorf("bus: connection to %s closed", ac.id)
	default:
	}
	return WriteFrame(ac.raw, f)
}

// request sends cmd and blocks for its Response, ctx cancellation, or
// connection loss, whichever comes first.
func (ac *agentConn) request(ctx context.Context, cmd Command) (Response, error) {
	if cmd.ReqID == "" {
		cmd.ReqID = newRequestID()
	}
	ch := make(chan Response, 1)

	ac.pendingMu.Lock()
	ac.pending[cmd.ReqID] = ch
	ac.pendingMu.Unlock()
	defer func() {
		ac.pendingMu.Lock()
		delete(ac.pending, cmd.ReqID)
		ac.pendingMu.Unlock()
	}()

	if err := ac.sendCommand(cmd); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		_ = ac.sendCancel(cmd.ReqID)
		return Response{}, ctx.Err()
	case <-ac.closed:
		return Response{}, fmt.Errorf("bus: connection to %s closed while awaiting %s", ac.id, cmd.ReqID)
	}
}

func (ac *agentConn) deliver(resp Response) {
	ac.pendingMu.Lock()
	ch, ok := ac.pending[resp.ReqID]
	ac.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// runReadLoop reads frames until the connection errors, the heartbeat
// times out, or ctx is cancelled, dispatching each frame by tag. sink
// may be nil, in which case AgentEvent frames are dropped.
func (ac *agentConn) runReadLoop(ctx context.Context, sink EventSink) {
	type readResult struct {
		frame Frame
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			f, err := ReadFrame(ac.raw)
			frames <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	defer ac.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ac.hb.Dead():
			ac.log.Warn("bus: heartbeat timeout", "agent", ac.id)
			return
		case r := <-frames:
			if r.err != nil {
				if r.err != io.EOF {
					ac.log.Warn("bus: read frame", "agent", ac.id, "err", r.err)
				}
				return
			}
			ac.hb.Touch()
			ac.dispatch(r.frame, sink)
		}
	}
}

func (ac *agentConn) dispatch(f Frame, sink EventSink) {
	switch f.Tag {
	case TagResp:
		var resp Response
		if err := DecodeFrame(f, &resp); err != nil {
			ac.log.Warn("bus: decode response", "agent", ac.id, "err", err)
			return
		}
		ac.deliver(resp)
	case TagEvent:
		var ev AgentEvent
		if err := DecodeFrame(f, &ev); err != nil {
			ac.log.Warn("bus: decode event", "agent", ac.id, "err", err)
			return
		}
		if sink != nil {
			sink.AgentEvent(ac.id, ev)
		}
	case TagPing:
		pong, err := EncodeFrame(TagPong, struct{}{})
		if err == nil {
			_ = ac.writeFrame(pong)
		}
	case TagPong:
		// heartbeat already touched above
	default:
		ac.log.Warn("bus: unexpected frame tag", "agent", ac.id, "tag", f.Tag)
	}
}

// Close tears down the connection and unblocks any in-flight request.
func (ac *agentConn) Close() error {
	ac.closeOnce.Do(func() {
		close(ac.closed)
		ac.hb.Stop()
		ac.raw.Close()
	})
	return nil
}
