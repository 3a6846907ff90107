// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"github.com/monadic-testbed/snops-core/internal/schema"
)

// HandshakeRequest is the agent's opening message.
type HandshakeRequest struct {
	AgentID          schema.AgentID      `cbor:"agent_id"`
	Nonce            []byte              `cbor:"nonce"`
	Token            []byte              `cbor:"token"`
	Version          string              `cbor:"version"`
	ModeFlags        schema.ModeFlags    `cbor:"mode_flags"`
	Labels           []string            `cbor:"labels,omitempty"`
	LocalPKAvailable bool                `cbor:"local_pk_available"`
	ExternalAddr     string              `cbor:"external_addr,omitempty"`
	InternalAddrs    []string            `cbor:"internal_addrs,omitempty"`
	Capability       schema.ResourceHint `cbor:"capability"`
}

// HandshakeReject enumerates the handshake rejection reasons.
type HandshakeReject string

const (
	RejectNone             HandshakeReject = ""
	RejectVersionIncompatible HandshakeReject = "version_incompatible"
	RejectIDCollision      HandshakeReject = "id_collision"
	RejectUnknownID        HandshakeReject = "unknown_id"
	RejectAuthFailed       HandshakeReject = "auth_failed"
)

// HandshakeResponse is the control plane's reply to a HandshakeRequest.
type HandshakeResponse struct {
	Accepted             bool                  `cbor:"accepted"`
	Reject               HandshakeReject       `cbor:"reject,omitempty"`
	Generation           uint64                `cbor:"generation"`
	LastKnownTargetState *schema.TargetState   `cbor:"last_known_target_state,omitempty"`
	ResumeEventSeq       *uint64               `cbor:"resume_event_seq,omitempty"`
}

// OpKind discriminates the control-plane → agent operations.
type OpKind string

const (
	OpSetTargetState OpKind = "SetTargetState"
	OpKill           OpKind = "Kill"
	OpSetLogLevel    OpKind = "SetLogLevel"
	OpGetStatus      OpKind = "GetStatus"
	OpCannonTx       OpKind = "CannonTx"
	OpAuthorize      OpKind = "Authorize"
	OpExecute        OpKind = "Execute"
	OpLedgerQuery    OpKind = "LedgerQuery"
)

// LedgerQueryKind discriminates the read-only node.REST passthrough
// an OpLedgerQuery Command performs.
type LedgerQueryKind string

const (
	LedgerQueryHeight  LedgerQueryKind = "height"
	LedgerQueryBlock   LedgerQueryKind = "block"
	LedgerQueryBalance LedgerQueryKind = "balance"
	LedgerQueryMapping LedgerQueryKind = "mapping"
	LedgerQueryProgram LedgerQueryKind = "program"
)

// Command is a control-plane → agent request, carrying a correlation
// id for the (possibly out-of-order) Response.
type Command struct {
	ReqID string `cbor:"req_id"`
	Op    OpKind `cbor:"op"`

	// Exactly one of the following is populated, selected by Op.
	SetTargetState *schema.TargetState  `cbor:"set_target_state,omitempty"`
	SetLogLevel    string               `cbor:"set_log_level,omitempty"`
	CannonTx       *CannonTxArgs        `cbor:"cannon_tx,omitempty"`
	Authorize      *AuthorizeArgs       `cbor:"authorize,omitempty"`
	Execute        *ExecuteArgs         `cbor:"execute,omitempty"`
	LedgerQuery    *LedgerQueryArgs     `cbor:"ledger_query,omitempty"`
}

// LedgerQueryArgs requests a read-only value from an agent's local
// node.REST, passed through from an httpapi ledger-read endpoint.
type LedgerQueryArgs struct {
	Kind    LedgerQueryKind `cbor:"kind"`
	Height  uint64          `cbor:"height,omitempty"`
	Address string          `cbor:"address,omitempty"`
	Program string          `cbor:"program,omitempty"`
	Mapping string          `cbor:"mapping,omitempty"`
	Key     string          `cbor:"key,omitempty"`
}

// CannonTxArgs carries an already-signed transaction to broadcast.
type CannonTxArgs struct {
	TxBytes          []byte `cbor:"tx_bytes"`
	BroadcastEndpoint string `cbor:"broadcast_endpoint"`
}

// AuthorizeArgs requests a compute agent authorize a program call.
type AuthorizeArgs struct {
	Program string   `cbor:"program"`
	Fn      string   `cbor:"fn"`
	Inputs  []string `cbor:"inputs,omitempty"`
	KeyRef  string   `cbor:"key_ref"`
	Seed    *int64   `cbor:"seed,omitempty"`
}

// ExecuteArgs requests a compute agent execute an authorization.
type ExecuteArgs struct {
	AuthBytes     []byte `cbor:"auth_bytes"`
	QueryEndpoint string `cbor:"query_endpoint"`
}

// ResultStatus discriminates a Response's outcome.
type ResultStatus string

const (
	ResultOK        ResultStatus = "ok"
	ResultError     ResultStatus = "error"
	ResultCancelled ResultStatus = "cancelled"
	ResultTimeout   ResultStatus = "timeout"

	// ResultDuplicate answers an OpCannonTx whose transaction the
	// target node already had at its current height: the earlier
	// attempt landed, this one is a no-op, not a failure.
	ResultDuplicate ResultStatus = "duplicate"
)

// Response answers a Command (or, with Status=Cancelled, a Cancel).
type Response struct {
	ReqID  string       `cbor:"req_id"`
	Status ResultStatus `cbor:"status"`

	Observed    *schema.ObservedState `cbor:"observed,omitempty"`
	AuthBytes   []byte                `cbor:"auth_bytes,omitempty"`
	TxBytes     []byte                `cbor:"tx_bytes,omitempty"`
	LedgerValue []byte                `cbor:"ledger_value,omitempty"` // raw bytes (block/mapping/program) or JSON-encoded scalar (height/balance) result of a LedgerQueryArgs
	Error       string                `cbor:"error,omitempty"`
}

// AgentEventKind discriminates the agent → control-plane fire-and-forget
// streams.
type AgentEventKind string

const (
	AgentEventReportStatus AgentEventKind = "ReportStatus"
	AgentEventMetric       AgentEventKind = "Metric"
	AgentEventLog          AgentEventKind = "Log"
)

// AgentEvent is a fire-and-forget message sent agent → control plane
// over a TagEvent frame.
type AgentEvent struct {
	Kind     AgentEventKind         `cbor:"kind"`
	Observed *schema.ObservedState  `cbor:"observed,omitempty"`
	MetricName  string              `cbor:"metric_name,omitempty"`
	MetricValue float64             `cbor:"metric_value,omitempty"`
	LogLine     string              `cbor:"log_line,omitempty"`
}

// Cancel requests the peer stop producing results for ReqID.
type Cancel struct {
	ReqID string `cbor:"req_id"`
}

// ReportStatusMinInterval is the minimum spacing between
// ReportStatus sends from a single agent: rate-limited to once per
// 250 ms so a flapping node can't flood the bus.
const ReportStatusMinInterval = 250 // milliseconds; see heartbeat.go for the clock-driven limiter
