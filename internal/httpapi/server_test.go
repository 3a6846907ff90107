// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/delegate"
	"github.com/monadic-testbed/snops-core/internal/schema"
	"github.com/monadic-testbed/snops-core/internal/store"
	"github.com/monadic-testbed/snops-core/lib/codec"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	busServer := bus.NewServer(bus.ServerConfig{Logger: slog.Default()})
	s := New(Config{
		Store:    st,
		Bus:      busServer,
		Delegate: delegate.New(st, slog.Default()),
		Logger:   slog.Default(),
	})
	return s, st
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListAgentsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	agents, ok := env.Data.([]any)
	if !ok || len(agents) != 0 {
		t.Fatalf("data = %#v, want empty list", env.Data)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/agents/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFindAgentsMatchesLabel(t *testing.T) {
	s, st := newTestServer(t)
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("a1"), Connected: true, Labels: []string{"zone-a"}})
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("a2"), Connected: true, Labels: []string{"zone-b"}})

	body := []byte(`{"match":{"label:zone-a":true}}`)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/agents/find", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	matched, ok := env.Data.([]any)
	if !ok || len(matched) != 1 {
		t.Fatalf("data = %#v, want exactly one match", env.Data)
	}
}

func TestApplyEnvironmentCreatesAssignments(t *testing.T) {
	s, st := newTestServer(t)
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("agent-a"), Connected: true, ModeFlags: schema.ModeFlags{Validator: true}})

	doc := []byte(`
id: devnet
network_id: testnet3
topology:
  validator/0:
    online: true
`)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/env/devnet/apply", doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	envRec, found, err := loadEnv(context.Background(), st, schema.MustEnvID("devnet"))
	if err != nil || !found {
		t.Fatalf("loadEnv: found=%v err=%v", found, err)
	}
	if envRec.NetworkID != "testnet3" {
		t.Fatalf("NetworkID = %q, want testnet3", envRec.NetworkID)
	}
}

func TestApplyEnvironmentRejectsUnsatisfiableTopology(t *testing.T) {
	s, _ := newTestServer(t)
	doc := []byte(`
id: devnet
topology:
  validator/0:
    online: true
`)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/env/devnet/apply", doc)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestEnvInfoReportsNodeCounts(t *testing.T) {
	s, st := newTestServer(t)
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("agent-a"), Connected: true, ModeFlags: schema.ModeFlags{Validator: true}})

	doc := []byte(`
id: devnet
topology:
  validator/0:
    online: true
`)
	applyRec := doRequest(t, s, http.MethodPost, "/api/v1/env/devnet/apply", doc)
	if applyRec.Code != http.StatusCreated {
		t.Fatalf("apply status = %d, body = %s", applyRec.Code, applyRec.Body.String())
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/env/devnet/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", env.Data)
	}
	if data["total_nodes"].(float64) != 1 {
		t.Fatalf("total_nodes = %v, want 1", data["total_nodes"])
	}
}

func TestDeleteEnvironmentReleasesAssignment(t *testing.T) {
	s, st := newTestServer(t)
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("agent-a"), Connected: true, ModeFlags: schema.ModeFlags{Validator: true}})

	doc := []byte(`
id: devnet
topology:
  validator/0:
    online: true
`)
	doRequest(t, s, http.MethodPost, "/api/v1/env/devnet/apply", doc)

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/env/devnet", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	agentRec, found, err := loadAgent(context.Background(), st, schema.MustAgentID("agent-a"))
	if err != nil || !found {
		t.Fatalf("loadAgent: found=%v err=%v", found, err)
	}
	if !agentRec.Claim.IsZero() {
		t.Fatalf("agent claim = %+v, want released", agentRec.Claim)
	}
}

func TestAgentTPSReportsNotConnected(t *testing.T) {
	s, st := newTestServer(t)
	seedAgent(t, st, schema.AgentRecord{ID: schema.MustAgentID("agent-a")})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/agents/agent-a/tps", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (agent not connected to this bus)", rec.Code)
	}
}

func seedAgent(t *testing.T, st *store.Store, rec schema.AgentRecord) {
	t.Helper()
	encoded, err := codec.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := st.Batch(context.Background(), []store.Op{store.Put(store.AgentKey(rec.ID.String()), encoded)}); err != nil {
		t.Fatalf("Batch: %v", err)
	}
}
