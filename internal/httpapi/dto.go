// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"time"

	"github.com/monadic-testbed/snops-core/internal/schema"
)

// The domain records in internal/schema carry cbor struct tags (plus
// yaml tags on the environment document types) and no json tags; the
// bus wire format is CBOR. These DTOs are the thin JSON
// projection the HTTP surface needs instead of tagging schema structs
// for a format only this package uses.

type agentDTO struct {
	ID               string         `json:"id"`
	Connected        bool           `json:"connected"`
	LastSeen         time.Time      `json:"last_seen"`
	ExternalAddr     string         `json:"external_addr,omitempty"`
	InternalAddrs    []string       `json:"internal_addrs,omitempty"`
	ModeFlags        modeFlagsDTO   `json:"mode_flags"`
	Labels           []string       `json:"labels,omitempty"`
	LocalPKAvailable bool           `json:"local_pk_available"`
	ClaimEnvID       string         `json:"claim_env_id,omitempty"`
	ClaimNodeKey     string         `json:"claim_node_key,omitempty"`
	Capability       resourceHintDTO `json:"capability"`
}

type modeFlagsDTO struct {
	Validator bool `json:"validator"`
	Prover    bool `json:"prover"`
	Client    bool `json:"client"`
	Compute   bool `json:"compute"`
}

type resourceHintDTO struct {
	CPUCount   int   `json:"cpu_count"`
	FreeDiskMB int64 `json:"free_disk_mb"`
	FreeMemMB  int64 `json:"free_mem_mb"`
}

func newAgentDTO(rec schema.AgentRecord) agentDTO {
	dto := agentDTO{
		ID:               rec.ID.String(),
		Connected:        rec.Connected,
		LastSeen:         rec.LastSeen,
		ExternalAddr:     rec.ExternalAddr,
		InternalAddrs:    rec.InternalAddrs,
		ModeFlags:        modeFlagsDTO(rec.ModeFlags),
		Labels:           rec.Labels,
		LocalPKAvailable: rec.LocalPKAvailable,
		Capability:       resourceHintDTO(rec.Capability),
	}
	if !rec.Claim.IsZero() {
		dto.ClaimEnvID = rec.Claim.EnvID.String()
		dto.ClaimNodeKey = rec.Claim.NodeKey.String()
	}
	return dto
}

// agentFields projects an agent record onto the flat field map that
// event.Filter (and the ContentMatch it wraps) evaluates against, so
// POST /agents/find can reuse the same predicate language the event
// bus subscriptions use rather than inventing a second one.
func agentFields(rec schema.AgentRecord) map[string]any {
	fields := map[string]any{
		"id":                  rec.ID.String(),
		"connected":           rec.Connected,
		"local_pk_available":  rec.LocalPKAvailable,
		"validator":           rec.ModeFlags.Validator,
		"prover":              rec.ModeFlags.Prover,
		"client":              rec.ModeFlags.Client,
		"compute":             rec.ModeFlags.Compute,
	}
	if !rec.Claim.IsZero() {
		fields["claim_env_id"] = rec.Claim.EnvID.String()
		fields["claim_node_key"] = rec.Claim.NodeKey.String()
	}
	for _, label := range rec.Labels {
		fields["label:"+label] = true
	}
	return fields
}

type envSummaryDTO struct {
	ID         string `json:"id"`
	NetworkID  string `json:"network_id"`
	StorageRef string `json:"storage_ref"`
	NodeCount  int    `json:"node_count"`
	CannonCount int   `json:"cannon_count"`
}

func newEnvSummaryDTO(rec schema.EnvironmentRecord) envSummaryDTO {
	return envSummaryDTO{
		ID:          rec.ID.String(),
		NetworkID:   rec.NetworkID,
		StorageRef:  rec.StorageRef,
		NodeCount:   len(rec.ExpandedTopology()),
		CannonCount: len(rec.Cannons),
	}
}

type heightSpecDTO struct {
	Kind       string `json:"kind"`
	Absolute   uint64 `json:"absolute,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

func newHeightSpecDTO(h schema.HeightSpec) heightSpecDTO {
	return heightSpecDTO{Kind: string(h.Kind), Absolute: h.Absolute, Checkpoint: h.Checkpoint}
}

type internalNodeDTO struct {
	Online     bool              `json:"online"`
	Replicas   uint32            `json:"replicas"`
	Height     heightSpecDTO     `json:"height"`
	Labels     []string          `json:"labels,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	Validators string            `json:"validators,omitempty"`
	Peers      string            `json:"peers,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	BinaryRef  string            `json:"binary_ref,omitempty"`
}

func newInternalNodeDTO(n schema.InternalNode) internalNodeDTO {
	dto := internalNodeDTO{
		Online:     n.Online,
		Replicas:   n.Replicas,
		Height:     newHeightSpecDTO(n.Height),
		Labels:     n.Labels,
		Validators: n.Validators.String(),
		Peers:      n.Peers.String(),
		EnvVars:    n.EnvVars,
		BinaryRef:  n.BinaryRef,
	}
	if n.Agent != nil {
		dto.Agent = n.Agent.String()
	}
	return dto
}

type resolvedNodeDTO struct {
	internalNodeDTO
	AssignedAgent string `json:"assigned_agent,omitempty"`
}

type eventDTO struct {
	Seq        uint64         `json:"seq"`
	Generation uint64         `json:"generation"`
	Ts         time.Time      `json:"ts"`
	Kind       string         `json:"kind"`
	EnvID      string         `json:"env_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	NodeKey    string         `json:"node_key,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func newEventDTO(evt schema.Event) eventDTO {
	dto := eventDTO{
		Seq:        evt.Seq,
		Generation: evt.Generation,
		Ts:         evt.Ts,
		Kind:       string(evt.Kind),
		Payload:    evt.Payload,
	}
	if !evt.EnvID.IsZero() {
		dto.EnvID = evt.EnvID.String()
	}
	if !evt.AgentID.IsZero() {
		dto.AgentID = evt.AgentID.String()
	}
	if evt.NodeKey.Type != "" {
		dto.NodeKey = evt.NodeKey.String()
	}
	return dto
}

type infoDTO struct {
	EnvID       string `json:"env_id"`
	TotalNodes  int    `json:"total_nodes"`
	Online      int    `json:"online"`
	Offline     int    `json:"offline"`
	Reconciling int    `json:"reconciling"`
	Unassigned  int    `json:"unassigned"`
}
