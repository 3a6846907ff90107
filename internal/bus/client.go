// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

// CommandHandler executes a Command on behalf of an agent and returns
// the Response to send back. Implementations should honor ctx
// cancellation (triggered by a matching Cancel frame from the control
// plane) and return promptly with ResultCancelled.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) Response
}

// ClientConfig configures an agent-side Client.
type ClientConfig struct {
	Transport  Transport
	Address    string
	AgentID    schema.AgentID
	Token      []byte
	Version    string
	ModeFlags  schema.ModeFlags
	Labels     []string
	Capability schema.ResourceHint

	LocalPKAvailable bool
	ExternalAddr     string
	InternalAddrs    []string

	Handler CommandHandler
	Clock   clock.Clock
	Logger  *slog.Logger

	Backoff          Backoff
	HeartbeatTimeout time.Duration
}

// Client is the agent side of the bus: it maintains a single
// connection to the control plane, automatically reconnecting with
// exponential backoff and jitter, replaying the handshake on every
// (re)connect, and dispatching inbound Commands to Handler.
type Client struct {
	cfg ClientConfig
	clk clock.Clock
	log *slog.Logger
	bo  Backoff

	mu              sync.Mutex
	conn            io.ReadWriteCloser
	writeMu         sync.Mutex
	lastResumeSeq   *uint64
	onStateChange   func(*schema.TargetState)
	connectedOnce   chan struct{}
	connectedReady  bool
}

// NewClient constructs a Client. A callback registered with
// OnTargetState is invoked (from the goroutine serving that command)
// whenever the control plane pushes a SetTargetState command, before
// Handler.HandleCommand runs and before the Response is sent; it is a
// convenience for the common case of mirroring the latest desired
// state into the reconciler.
func NewClient(cfg ClientConfig) *Client {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bo := cfg.Backoff
	if bo.Base == 0 {
		bo = Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second, Jitter: true}
	}
	return &Client{
		cfg:           cfg,
		clk:           clk,
		log:           log,
		bo:            bo,
		connectedOnce: make(chan struct{}),
	}
}

// Run dials, handshakes, and serves the connection until ctx is
// cancelled, reconnecting with backoff on every failure or drop.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("bus: connection attempt failed", "agent", c.cfg.AgentID, "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(c.bo.Next()):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.cfg.Transport.Dial(ctx, c.cfg.Address)
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", c.cfg.Address, err)
	}
	defer conn.Close()

	req := HandshakeRequest{
		AgentID:          c.cfg.AgentID,
		Token:            c.cfg.Token,
		Version:          c.cfg.Version,
		ModeFlags:        c.cfg.ModeFlags,
		Labels:           c.cfg.Labels,
		Capability:       c.cfg.Capability,
		LocalPKAvailable: c.cfg.LocalPKAvailable,
		ExternalAddr:     c.cfg.ExternalAddr,
		InternalAddrs:    c.cfg.InternalAddrs,
	}
	frame, err := EncodeFrame(TagHandshake, req)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("bus: write handshake: %w", err)
	}

	respFrame, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("bus: read handshake response: %w", err)
	}
	var resp HandshakeResponse
	if err := DecodeFrame(respFrame, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("bus: handshake rejected: %s", resp.Reject)
	}

	c.bo.Reset()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if !c.connectedReady {
		c.connectedReady = true
		close(c.connectedOnce)
	}

	if resp.LastKnownTargetState != nil && c.onStateChange != nil {
		c.onStateChange(resp.LastKnownTargetState)
	}

	hbTimeout := c.cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = DefaultHeartbeatTimeout
	}
	hb := newHeartbeatMonitor(c.clk, hbTimeout)
	defer hb.Stop()

	return c.serve(ctx, conn, hb)
}

func (c *Client) serve(ctx context.Context, conn io.ReadWriteCloser, hb *heartbeatMonitor) error {
	type readResult struct {
		frame Frame
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			f, err := ReadFrame(conn)
			frames <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	inflight := make(map[string]context.CancelFunc)
	var inflightMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hb.Dead():
			return errors.New("bus: heartbeat timeout")
		case r := <-frames:
			if r.err != nil {
				return r.err
			}
			hb.Touch()
			switch r.frame.Tag {
			case TagCmd:
				var cmd Command
				if err := DecodeFrame(r.frame, &cmd); err != nil {
					c.log.Warn("bus: decode command", "err", err)
					continue
				}
				cmdCtx, cancel := context.WithCancel(ctx)
				inflightMu.Lock()
				inflight[cmd.ReqID] = cancel
				inflightMu.Unlock()
				go func() {
					defer func() {
						inflightMu.Lock()
						delete(inflight, cmd.ReqID)
						inflightMu.Unlock()
						cancel()
					}()
					if cmd.Op == OpSetTargetState && c.onStateChange != nil {
						c.onStateChange(cmd.SetTargetState)
					}
					resp := Response{ReqID: cmd.ReqID, Status: ResultOK}
					if c.cfg.Handler != nil {
						resp = c.cfg.Handler.HandleCommand(cmdCtx, cmd)
						resp.ReqID = cmd.ReqID
					}
					respFrame, err := EncodeFrame(TagResp, resp)
					if err != nil {
						return
					}
					_ = c.writeFrame(respFrame)
				}()
			case TagCancel:
				var cancelMsg Cancel
				if err := DecodeFrame(r.frame, &cancelMsg); err != nil {
					continue
				}
				inflightMu.Lock()
				if cancel, ok := inflight[cancelMsg.ReqID]; ok {
					cancel()
				}
				inflightMu.Unlock()
			case TagPing:
				pong, err := EncodeFrame(TagPong, struct{}{})
				if err == nil {
					_ = c.writeFrame(pong)
				}
			case TagPong:
				// heartbeat already touched above
			case TagAuthFailed:
				return errors.New("bus: control plane reported auth failure")
			default:
				c.log.Warn("bus: unexpected frame tag", "tag", r.frame.Tag)
			}
		}
	}
}

func (c *Client) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("bus: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, f)
}

// SendEvent transmits a fire-and-forget AgentEvent to the control
// plane. ReportStatus events should be pre-filtered by the caller
// against a reportStatusLimiter to honor the minimum interval.
func (c *Client) SendEvent(ev AgentEvent) error {
	frame, err := EncodeFrame(TagEvent, ev)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// OnTargetState registers a callback invoked with every target state
// the control plane pushes, including the one replayed at handshake
// resume. Must be set before Run is called.
func (c *Client) OnTargetState(fn func(*schema.TargetState)) {
	c.onStateChange = fn
}

// WaitConnected blocks until the first successful handshake or ctx
// cancellation.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connectedOnce:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
