// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/monadic-testbed/snops-core/internal/event"
)

// upgrader accepts connections from any origin: this control plane is
// an internal testbed surface, not a browser-facing multi-tenant
// service, so there's no third-party origin to defend against.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and streams every event
// matching the ?filter= query parameter (a JSON-encoded event.Filter)
// as one JSON frame per event, starting from ?cursor= (default 0,
// meaning "live only, no backlog" is expressed by passing the bus's
// current next-seq — callers that want full backlog replay pass 0).
func (s *Server) handleEvents(c *gin.Context) {
	var filter event.Filter
	if raw := c.Query("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			badRequest(c, err)
			return
		}
		if err := filter.Validate(); err != nil {
			badRequest(c, err)
			return
		}
	}

	var cursor uint64
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(c, err)
			return
		}
		cursor = parsed
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("httpapi: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(filter, cursor)
	defer s.events.Unsubscribe(sub)

	// A dedicated reader goroutine is required so a client-initiated
	// close is observed promptly; this connection otherwise only ever
	// writes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(newEventDTO(evt)); err != nil {
				return
			}
		}
	}
}
