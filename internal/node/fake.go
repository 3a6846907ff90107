// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeLedger is an in-memory Ledger for tests: no genesis block until
// Seed is called, checkpoints tracked as a plain slice.
type FakeLedger struct {
	mu          sync.Mutex
	hasGenesis  bool
	height      uint64
	exists      bool
	checkpoints []Checkpoint
}

// Seed installs a genesis block, as if the storage bundle had shipped one.
func (f *FakeLedger) Seed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasGenesis = true
}

// AddCheckpoint records a retained checkpoint for later resolution.
func (f *FakeLedger) AddCheckpoint(cp Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
}

func (f *FakeLedger) Height(ctx context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.exists, nil
}

func (f *FakeLedger) Genesis(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasGenesis {
		return fmt.Errorf("node: fake ledger has no stored genesis block")
	}
	f.height = 0
	f.exists = true
	return nil
}

func (f *FakeLedger) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Checkpoint(nil), f.checkpoints...), nil
}

func (f *FakeLedger) RewindTo(ctx context.Context, height uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = height
	f.exists = true
	return nil
}

func (f *FakeLedger) RestoreCheckpoint(ctx context.Context, cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = cp.Height
	f.exists = true
	return nil
}

// FakeREST is an in-memory REST for tests: fixed block/balance/mapping
// data plus a log of every broadcast call.
type FakeREST struct {
	mu sync.Mutex

	height    uint64
	blocks    map[uint64]json.RawMessage
	balances  map[string]uint64
	mappings  map[string]json.RawMessage
	programs  map[string]json.RawMessage
	broadcast [][]byte
	seenAt    map[string]uint64 // tx id -> height first accepted, for duplicate detection
}

// NewFakeREST returns an empty FakeREST at height 0.
func NewFakeREST() *FakeREST {
	return &FakeREST{
		blocks:   make(map[uint64]json.RawMessage),
		balances: make(map[string]uint64),
		mappings: make(map[string]json.RawMessage),
		programs: make(map[string]json.RawMessage),
		seenAt:   make(map[string]uint64),
	}
}

func (f *FakeREST) SetHeight(h uint64) { f.mu.Lock(); f.height = h; f.mu.Unlock() }

func (f *FakeREST) SetBlock(h uint64, raw json.RawMessage) {
	f.mu.Lock()
	f.blocks[h] = raw
	f.mu.Unlock()
}

func (f *FakeREST) SetBalance(addr string, microcredits uint64) {
	f.mu.Lock()
	f.balances[addr] = microcredits
	f.mu.Unlock()
}

func (f *FakeREST) SetMapping(program, mapping, key string, raw json.RawMessage) {
	f.mu.Lock()
	f.mappings[mappingKey(program, mapping, key)] = raw
	f.mu.Unlock()
}

func (f *FakeREST) SetProgram(id string, raw json.RawMessage) {
	f.mu.Lock()
	f.programs[id] = raw
	f.mu.Unlock()
}

// Broadcasts returns every tx body handed to Broadcast, in call order.
func (f *FakeREST) Broadcasts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.broadcast...)
}

// Broadcast records txBytes, keyed by its content hash, against the
// fake's current height. A resubmission of the same body while the
// height hasn't advanced simulates a node that already has the
// transaction in its mempool: it returns ErrDuplicateTransaction
// instead of re-recording it.
func (f *FakeREST) Broadcast(ctx context.Context, endpoint string, txBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := txID(txBytes)
	if h, ok := f.seenAt[id]; ok && h == f.height {
		return ErrDuplicateTransaction
	}
	f.seenAt[id] = f.height
	f.broadcast = append(f.broadcast, txBytes)
	return nil
}

func txID(txBytes []byte) string {
	sum := sha256.Sum256(txBytes)
	return hex.EncodeToString(sum[:])
}

func (f *FakeREST) Height(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *FakeREST) Block(ctx context.Context, h uint64) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.blocks[h]
	if !ok {
		return nil, fmt.Errorf("node: no block at height %d", h)
	}
	return raw, nil
}

func (f *FakeREST) Balance(ctx context.Context, addr string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr], nil
}

func (f *FakeREST) Mapping(ctx context.Context, program, mapping, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.mappings[mappingKey(program, mapping, key)]
	if !ok {
		return nil, fmt.Errorf("node: no mapping entry %s/%s/%s", program, mapping, key)
	}
	return raw, nil
}

func (f *FakeREST) Program(ctx context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.programs[id]
	if !ok {
		return nil, fmt.Errorf("node: no program %s", id)
	}
	return raw, nil
}

func mappingKey(program, mapping, key string) string {
	return program + "/" + mapping + "/" + key
}

// FakeProver returns deterministic, non-cryptographic stand-ins for
// authorization/execution bytes: an "auth:" prefix over the program,
// function and key reference (Authorize) or a "tx:" prefix over the
// authorization bytes (Execute), enough for a test to assert
// on without a real proving toolchain.
type FakeProver struct {
	mu    sync.Mutex
	calls int
	err   error // if set, every call fails with this error
}

// FailNext arranges for every subsequent call to return err.
func (p *FakeProver) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *FakeProver) Authorize(ctx context.Context, program, fn string, inputs []string, keyRef string, seed *int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []byte(fmt.Sprintf("auth:%s/%s:%s", program, fn, keyRef)), nil
}

func (p *FakeProver) Execute(ctx context.Context, authBytes []byte, queryEndpoint string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []byte(fmt.Sprintf("tx:%s", authBytes)), nil
}

// Calls reports how many Authorize+Execute calls this prover has seen.
func (p *FakeProver) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
