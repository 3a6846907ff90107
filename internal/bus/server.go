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

	"github.com/google/uuid"

	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/lib/clock"
)

// Handshaker authenticates and admits an inbound HandshakeRequest. The
// control plane implements this against the State store: unknown ids
// are rejected unless the caller treats first-contact as registration
// known ids are checked against the issued bearer token.
type Handshaker interface {
	Handshake(ctx context.Context, req HandshakeRequest) HandshakeResponse
}

// EventSink receives fire-and-forget AgentEvent messages and
// disconnect notifications, for forwarding into the event bus (C6).
type EventSink interface {
	AgentConnected(id schema.AgentID)
	AgentDisconnected(id schema.AgentID)
	AgentEvent(id schema.AgentID, ev AgentEvent)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Transport         Transport
	ListenAddress     string
	Handshaker        Handshaker
	Sink              EventSink
	Clock             clock.Clock
	Logger            *slog.Logger
	HeartbeatTimeout  time.Duration
}

// Server is the control-plane side of the agent bus: it accepts agent
// connections, performs the handshake, and exposes per-agent command
// dispatch with outbound SetTargetState coalescing: at most one
// outstanding SetTargetState is queued per agent, and a newer target
// state overwrites a not-yet-sent older one.
type Server struct {
	cfg              ServerConfig
	clk              clock.Clock
	log              *slog.Logger
	heartbeatTimeout time.Duration

	listener ConnListener

	mu    sync.Mutex
	conns map[schema.AgentID]*agentConn
}

func NewServer(cfg ServerConfig) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Server{
		cfg:              cfg,
		clk:              clk,
		log:              log,
		heartbeatTimeout: timeout,
		conns:            make(map[schema.AgentID]*agentConn),
	}
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.cfg.Transport.Listen(s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bus: listen %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("bus: accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	frame, err := ReadFrame(conn)
	if err != nil {
		s.log.Warn("bus: read handshake frame", "err", err)
		return
	}
	if frame.Tag != TagHandshake {
		s.log.Warn("bus: first frame was not a handshake", "tag", frame.Tag)
		return
	}
	var req HandshakeRequest
	if err := DecodeFrame(frame, &req); err != nil {
		s.log.Warn("bus: decode handshake", "err", err)
		return
	}

	resp := s.cfg.Handshaker.Handshake(ctx, req)
	respFrame, err := EncodeFrame(TagHandshake, resp)
	if err != nil {
		s.log.Error("bus: encode handshake response", "err", err)
		return
	}
	if err := WriteFrame(conn, respFrame); err != nil {
		s.log.Warn("bus: write handshake response", "err", err)
		return
	}
	if !resp.Accepted {
		return
	}

	ac := newAgentConn(req.AgentID, conn, s.clk, s.log, s.heartbeatTimeout)
	s.mu.Lock()
	if existing, ok := s.conns[req.AgentID]; ok {
		existing.Close()
	}
	s.conns[req.AgentID] = ac
	s.mu.Unlock()

	if s.cfg.Sink != nil {
		s.cfg.Sink.AgentConnected(req.AgentID)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ac.runReadLoop(connCtx, s.cfg.Sink)

	s.mu.Lock()
	if s.conns[req.AgentID] == ac {
		delete(s.conns, req.AgentID)
	}
	s.mu.Unlock()
	if s.cfg.Sink != nil {
		s.cfg.Sink.AgentDisconnected(req.AgentID)
	}
}

// ErrAgentNotConnected is returned when a command targets an agent
// with no live connection.
var ErrAgentNotConnected = errors.New("bus: agent not connected")

// SetTargetState enqueues state as the desired target for id,
// coalescing with any not-yet-sent prior value. It does not block on
// delivery or acknowledgement.
func (s *Server) SetTargetState(id schema.AgentID, state *schema.TargetState) error {
	ac, err := s.lookup(id)
	if err != nil {
		return err
	}
	ac.coalesceSetTargetState(state)
	return nil
}

// Request sends cmd to agent id and waits for its Response or ctx
// cancellation.
func (s *Server) Request(ctx context.Context, id schema.AgentID, cmd Command) (Response, error) {
	ac, err := s.lookup(id)
	if err != nil {
		return Response{}, err
	}
	return ac.request(ctx, cmd)
}

// Cancel asks agent id to stop producing results for reqID.
func (s *Server) Cancel(id schema.AgentID, reqID string) error {
	ac, err := s.lookup(id)
	if err != nil {
		return err
	}
	return ac.sendCancel(reqID)
}

// Connected reports whether id currently has a live connection.
func (s *Server) Connected(id schema.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

func (s *Server) lookup(id schema.AgentID) (*agentConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, id)
	}
	return ac, nil
}

func newRequestID() string {
	return uuid.NewString()
}
