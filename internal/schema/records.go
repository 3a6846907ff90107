// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// ModeFlags is the set of roles an agent is willing to host. A node
// key's type must appear here for the agent to be eligible for that
// slot.
type ModeFlags struct {
	Validator bool `cbor:"validator"`
	Prover    bool `cbor:"prover"`
	Client    bool `cbor:"client"`
	Compute   bool `cbor:"compute"`
}

// Satisfies reports whether these flags permit hosting a node of type
// ty.
func (m ModeFlags) Satisfies(ty NodeType) bool {
	switch ty {
	case NodeTypeValidator:
		return m.Validator
	case NodeTypeClient:
		return m.Client
	case NodeTypeProver:
		return m.Prover
	}
	return false
}

// Claim pins an agent to exactly one environment/node-key pair.
// At most one non-null claim is held at a time.
type Claim struct {
	EnvID   EnvID   `cbor:"env_id"`
	NodeKey NodeKey `cbor:"node_key"`
}

// IsZero reports whether the claim is unset.
func (c Claim) IsZero() bool { return c.EnvID.IsZero() }

// ResourceHint is the free-form compute-capability summary an agent
// reports at handshake. internal/cannon's ResolveCompute reads its
// FreeDiskMB to choose among eligible compute agents for
// Authorize/Execute.
type ResourceHint struct {
	CPUCount    int   `cbor:"cpu_count"`
	FreeDiskMB  int64 `cbor:"free_disk_mb"`
	FreeMemMB   int64 `cbor:"free_mem_mb"`
}

// AgentRecord is the control plane's durable view of one agent.
// Agent records are created on first registration and persist across
// disconnections so that Claim survives a reboot.
type AgentRecord struct {
	ID                AgentID       `cbor:"id"`
	Connected         bool          `cbor:"connected"`
	LastSeen          time.Time     `cbor:"last_seen"`
	ExternalAddr      string        `cbor:"external_addr,omitempty"`
	InternalAddrs     []string      `cbor:"internal_addrs,omitempty"`
	ModeFlags         ModeFlags     `cbor:"mode_flags"`
	Labels            []string      `cbor:"labels,omitempty"`
	LocalPKAvailable  bool          `cbor:"local_pk_available"`
	Claim             Claim         `cbor:"claim,omitempty"`
	Capability        ResourceHint  `cbor:"capability"`

	// generation is the bus connection generation this record's
	// Connected/LastSeen fields were last updated under. Used by the
	// CAS retry in internal/delegate to detect a concurrent
	// connect/disconnect.
	Generation uint64 `cbor:"generation"`
}

// HasLabel reports whether label is present in the agent's label set.
func (a AgentRecord) HasLabel(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HeightSpecKind discriminates the closed set of ledger height goals
// (see InternalNode.Height).
type HeightSpecKind string

const (
	HeightGenesis    HeightSpecKind = "genesis"
	HeightTop        HeightSpecKind = "top"
	HeightAbsolute   HeightSpecKind = "absolute"
	HeightCheckpoint HeightSpecKind = "checkpoint"
)

// HeightSpec is a closed sum type over the four ledger-height forms.
// Only the field matching Kind is meaningful.
type HeightSpec struct {
	Kind       HeightSpecKind `cbor:"kind" yaml:"kind"`
	Absolute   uint64         `cbor:"absolute,omitempty" yaml:"absolute,omitempty"`
	Checkpoint string         `cbor:"checkpoint,omitempty" yaml:"checkpoint,omitempty"` // retention span expression
}

func HeightGenesisSpec() HeightSpec { return HeightSpec{Kind: HeightGenesis} }
func HeightTopSpec() HeightSpec     { return HeightSpec{Kind: HeightTop} }
func HeightAbsoluteSpec(h uint64) HeightSpec {
	return HeightSpec{Kind: HeightAbsolute, Absolute: h}
}
func HeightCheckpointSpec(span string) HeightSpec {
	return HeightSpec{Kind: HeightCheckpoint, Checkpoint: span}
}

// PrivateKeyRef names where a node's signing key comes from. A local
// reference requires the hosting agent's LocalPKAvailable flag.
type PrivateKeyRef struct {
	// Local, if true, means the key lives on the agent's filesystem
	// already (operator-provisioned); the reconciler only verifies
	// presence, never transports the bytes.
	Local bool `cbor:"local" yaml:"local"`

	// Path, when Local, is the file the key is read from.
	Path string `cbor:"path,omitempty" yaml:"path,omitempty"`

	// Generated, when true, means the reconciler derives a fresh key
	// deterministically from (env_id, node_key) and persists it — used
	// for ephemeral devnet validators with no operator-supplied key.
	Generated bool `cbor:"generated" yaml:"generated,omitempty"`
}

// InternalNode is the target-state template for one topology slot.
// Replicas > 1 is expanded by the Delegator into distinct
// NodeKeys by numeric suffix before assignment.
type InternalNode struct {
	Online     bool              `cbor:"online" yaml:"online"`
	Replicas   uint32            `cbor:"replicas" yaml:"replicas,omitempty"`
	Key        *PrivateKeyRef    `cbor:"key,omitempty" yaml:"key,omitempty"`
	Height     HeightSpec        `cbor:"height" yaml:"height"`
	Labels     []string          `cbor:"labels,omitempty" yaml:"labels,omitempty"`
	Agent      *AgentID          `cbor:"agent,omitempty" yaml:"agent,omitempty"` // pin, if set
	Validators Selector          `cbor:"validators" yaml:"validators,omitempty"`
	Peers      Selector          `cbor:"peers" yaml:"peers,omitempty"`
	EnvVars    map[string]string `cbor:"env_vars,omitempty" yaml:"env_vars,omitempty"`
	BinaryRef  string            `cbor:"binary_ref,omitempty" yaml:"binary_ref,omitempty"`
}

// RequiresLocalKey reports whether this slot's key reference demands
// the hosting agent have a local private key available.
func (n InternalNode) RequiresLocalKey() bool {
	return n.Key != nil && n.Key.Local
}

// ExternalEndpoint is a node outside this environment's own topology,
// reachable only via a materialized address — e.g., a peer in another
// environment, or an operator-supplied bootstrap node.
type ExternalEndpoint struct {
	Address string `cbor:"address" yaml:"address"` // host:port
}

// CannonName identifies a cannon within an environment's `cannons` map.
type CannonName struct{ id StableID }

func NewCannonName(value string) (CannonName, error) {
	id, err := NewStableID(value)
	if err != nil {
		return CannonName{}, err
	}
	return CannonName{id: id}, nil
}
func (c CannonName) String() string { return c.id.String() }

// CannonSpec is the declarative configuration for one cannon, carried
// inside an EnvironmentRecord; this is its static configuration, not
// the runtime state of a running cannon.
type CannonSpec struct {
	Source CannonSourceSpec `cbor:"source" yaml:"source"`
	Sink   CannonSinkSpec   `cbor:"sink" yaml:"sink"`

	// ComputeLabels selects the connected, Compute-capable agent(s)
	// eligible to perform the authorize and execute stages, matched
	// against AgentRecord.HasLabel the same way InternalNode.Labels
	// constrains node placement. A cannon does not claim its compute
	// agent the way the Delegator claims a node slot — any connected
	// match may serve a given job. Empty means no compute agent is
	// configured, which the authorize stage treats as a hard failure
	// rather than falling back to in-process authorization.
	ComputeLabels []string `cbor:"compute_labels,omitempty" yaml:"compute_labels,omitempty"`

	AuthorizeWorkers int `cbor:"authorize_workers,omitempty" yaml:"authorize_workers,omitempty"` // default 4
	ExecuteWorkers   int `cbor:"execute_workers,omitempty" yaml:"execute_workers,omitempty"`     // default 8
	BroadcastWorkers int `cbor:"broadcast_workers,omitempty" yaml:"broadcast_workers,omitempty"` // default 4
	QueueCapacity    int `cbor:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`        // default 1024

	AuthorizeAttempts int           `cbor:"authorize_attempts,omitempty" yaml:"authorize_attempts,omitempty"` // 0 = unbounded
	AuthorizeTimeout  time.Duration `cbor:"authorize_timeout,omitempty" yaml:"authorize_timeout,omitempty"`   // 0 = none
	BroadcastAttempts int           `cbor:"broadcast_attempts,omitempty" yaml:"broadcast_attempts,omitempty"`
	BroadcastTimeout  time.Duration `cbor:"broadcast_timeout,omitempty" yaml:"broadcast_timeout,omitempty"`

	DrainDeadline time.Duration `cbor:"drain_deadline,omitempty" yaml:"drain_deadline,omitempty"` // default 30s
}

// CannonSourceKind discriminates the closed set of transaction sources
// Modeled as a tagged sum: Kind selects which fields apply.
type CannonSourceKind string

const (
	CannonSourcePlayback CannonSourceKind = "playback"
	CannonSourceRealtime CannonSourceKind = "realtime"
	CannonSourceListen   CannonSourceKind = "listen"
)

// CannonSourceSpec configures one of the three source kinds. Only the
// fields matching Kind are meaningful.
type CannonSourceSpec struct {
	Kind CannonSourceKind `cbor:"kind" yaml:"kind"`

	PlaybackFile string `cbor:"playback_file,omitempty" yaml:"playback_file,omitempty"`

	RealtimeTxModes []string `cbor:"realtime_tx_modes,omitempty" yaml:"realtime_tx_modes,omitempty"`
	RealtimeKeys    []string `cbor:"realtime_keys,omitempty" yaml:"realtime_keys,omitempty"`
	RealtimeAddrs   []string `cbor:"realtime_addrs,omitempty" yaml:"realtime_addrs,omitempty"`
	RealtimeCount   int      `cbor:"realtime_count,omitempty" yaml:"realtime_count,omitempty"`

	ListenAddr string `cbor:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// CannonSinkKind discriminates the closed set of broadcast sinks.
type CannonSinkKind string

const (
	CannonSinkRecord CannonSinkKind = "record"
	CannonSinkTarget CannonSinkKind = "target"
)

// CannonSinkSpec configures one of the two sink kinds.
type CannonSinkSpec struct {
	Kind CannonSinkKind `cbor:"kind" yaml:"kind"`

	RecordFile string   `cbor:"record_file,omitempty" yaml:"record_file,omitempty"`
	TargetSel  Selector `cbor:"target_sel,omitempty" yaml:"target_sel,omitempty"`
}

// EnvironmentRecord is the control plane's durable representation of
// an applied environment document. Created by apply, destroyed by
// delete.
type EnvironmentRecord struct {
	ID         EnvID                       `cbor:"id" yaml:"id"`
	StorageRef string                      `cbor:"storage_ref" yaml:"storage_ref,omitempty"`
	Topology   map[string]InternalNode     `cbor:"topology" yaml:"topology,omitempty"` // key: NodeKey.String()
	External   map[string]ExternalEndpoint `cbor:"external" yaml:"external,omitempty"` // key: NodeKey.String()
	Cannons    map[string]CannonSpec       `cbor:"cannons" yaml:"cannons,omitempty"`   // key: CannonName.String()
	NetworkID  string                      `cbor:"network_id" yaml:"network_id,omitempty"`
}

// ExpandedTopology returns every internal topology key as a parsed NodeKey,
// expanding Replicas > 1 into indexed siblings ("validator/0-0",
// "validator/0-1", ...) the way the Delegator consumes the topology.
// Keys that fail to parse are skipped — EnvironmentRecord is assumed
// already validated by the time it reaches this package; document
// validation happens upstream, at apply time.
func (e EnvironmentRecord) ExpandedTopology() map[NodeKey]InternalNode {
	expanded := make(map[NodeKey]InternalNode, len(e.Topology))
	for rawKey, node := range e.Topology {
		base, err := ParseNodeKey(rawKey)
		if err != nil {
			continue
		}
		if node.Replicas <= 1 {
			expanded[base] = node
			continue
		}
		for i := uint32(0); i < node.Replicas; i++ {
			replica := NodeKey{Type: base.Type, Name: indexedName(base.Name, i)}
			expanded[replica] = node
		}
	}
	return expanded
}

func indexedName(base string, index uint32) string {
	digits := [10]byte{}
	n := index
	pos := len(digits)
	for {
		pos--
		digits[pos] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return base + "-" + string(digits[pos:])
}

// ExternalTable returns the parsed keys of the external endpoint
// table, for selector resolution against non-internal nodes.
func (e EnvironmentRecord) ExternalTable() map[NodeKey]ExternalEndpoint {
	table := make(map[NodeKey]ExternalEndpoint, len(e.External))
	for rawKey, endpoint := range e.External {
		key, err := ParseNodeKey(rawKey)
		if err != nil {
			continue
		}
		table[key] = endpoint
	}
	return table
}
