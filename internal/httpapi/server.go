// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the control plane's read/write surface over
// HTTP/1.1 and WebSocket, under /api/v1: agent inventory, environment
// apply/delete/topology, node actions, ledger-read passthroughs to a
// node via its hosting agent, and a live event stream.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/cannonset"
	"github.com/monadic-testbed/snops-core/internal/delegate"
	"github.com/monadic-testbed/snops-core/internal/event"
	"github.com/monadic-testbed/snops-core/internal/store"
)

// Server wires the store and control-plane components into a gin
// engine. It holds no state of its own beyond its dependencies.
type Server struct {
	store    *store.Store
	bus      *bus.Server
	delegate *delegate.Delegator
	cannons  *cannonset.Manager
	events   *event.Bus
	log      *slog.Logger

	engine *gin.Engine
}

// Config configures a Server.
type Config struct {
	Store    *store.Store
	Bus      *bus.Server
	Delegate *delegate.Delegator
	Cannons  *cannonset.Manager
	Events   *event.Bus
	Logger   *slog.Logger
}

// New builds a Server and registers every route. gin runs in release
// mode; request logging goes through the shared slog logger rather
// than gin's default writer so it interleaves with the rest of the
// process's structured logs.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		delegate: cfg.Delegate,
		cannons:  cfg.Cannons,
		events:   cfg.Events,
		log:      log,
		engine:   engine,
	}
	s.routes()
	return s
}

// Handler returns the server's http.Handler, ready to hand to an
// http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.Use(func(c *gin.Context) {
		c.Next()
		s.log.Debug("httpapi: request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	})

	v1 := s.engine.Group("/api/v1")

	agents := v1.Group("/agents")
	agents.GET("", s.handleListAgents)
	agents.POST("/find", s.handleFindAgents)
	agents.GET("/:id", s.handleGetAgent)
	agents.GET("/:id/tps", s.handleAgentTPS)

	env := v1.Group("/env")
	env.GET("", s.handleListEnvironments)
	env.POST("/:id/apply", s.handleApplyEnvironment)
	env.DELETE("/:id", s.handleDeleteEnvironment)
	env.GET("/:id/topology", s.handleTopology)
	env.GET("/:id/topology/resolved", s.handleTopologyResolved)
	env.GET("/:id/agents", s.handleEnvAgents)
	env.GET("/:id/info", s.handleEnvInfo)
	env.POST("/:id/action/:action", s.handleEnvAction)
	env.GET("/:id/block/:height", s.handleLedgerBlock)
	env.GET("/:id/height", s.handleLedgerHeight)
	env.GET("/:id/balance/:addr", s.handleLedgerBalance)
	env.GET("/:id/mapping/:program/:name/:key", s.handleLedgerMapping)
	env.GET("/:id/program/:program", s.handleLedgerProgram)

	v1.GET("/events", s.handleEvents)
}
