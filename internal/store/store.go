// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the control plane's durable state store
// (C1): an ordered key/value namespace with atomic batch
// writes, backed by lib/sqlitepool. Keys are typed strings —
// "agent/<id>", "env/<id>", "env/<id>/target/<node_key>",
// "event/<generation>/<seq>", "meta/generation" — stored in a single table with a
// byte-ordered primary key, which gives prefix scans for free via a
// half-open range query.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/monadic-testbed/snops-core/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// StorageError wraps any I/O failure from the state store. A
// StorageError is fatal for the enclosing batch; the caller must
// either retry the whole batch or fail the containing request.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// OpKind discriminates the two operations a Batch may contain.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write within a Batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte // ignored for OpDelete
}

func Put(key string, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }
func Delete(key string) Op            { return Op{Kind: OpDelete, Key: key} }

// Store is the control plane's single-writer ordered KV namespace.
// Safe for concurrent use; concurrent writers serialize through
// SQLite's own write lock (busy_timeout handles contention, per
// lib/sqlitepool's pragma set).
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config configures Open.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for tests.
	Path   string
	Logger *slog.Logger
}

// Open opens (creating if necessary) the state store at cfg.Path and
// applies the kv schema. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	path := cfg.Path
	poolSize := 4
	if path == ":memory:" {
		// Each in-memory connection is an independent database; the
		// pool must be size 1 so every caller shares one connection.
		// The plain ":memory:" DSN cannot be opened by the underlying
		// pool at all (it refuses to open more than one connection
		// against it, even when PoolSize is 1), so it must be
		// translated to a shared-cache URI that keeps the data
		// visible across connections taken from the same pool.
		poolSize = 1
		path = "file::memory:?mode=memory&cache=shared"
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, wrapStorageErr("open", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return wrapStorageErr("close", err)
	}
	return nil
}

// Get returns the value stored at key. The second return value is
// false if the key does not exist (not an error).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, wrapStorageErr("get", err)
	}
	defer s.pool.Put(conn)

	var value []byte
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			length := stmt.ColumnLen(0)
			value = make([]byte, length)
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, false, wrapStorageErr("get", err)
	}
	return value, found, nil
}

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Scan returns every entry whose key begins with prefix, ordered by
// key. Because SQLite's TEXT PRIMARY KEY is stored in memcmp order, a
// prefix scan is a half-open range query — no LIKE, no secondary
// index.
func (s *Store) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrapStorageErr("scan", err)
	}
	defer s.pool.Put(conn)

	upperBound := prefixUpperBound(prefix)

	var entries []Entry
	query := "SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key"
	args := []any{prefix, upperBound}
	if upperBound == "" {
		// prefix is all 0xff bytes (or empty with no successor) —
		// fall back to a key >= prefix scan with no upper bound.
		query = "SELECT key, value FROM kv WHERE key >= ? ORDER BY key"
		args = []any{prefix}
	}

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			key := stmt.ColumnText(0)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			length := stmt.ColumnLen(1)
			value := make([]byte, length)
			stmt.ColumnBytes(1, value)
			entries = append(entries, Entry{Key: key, Value: value})
			return nil
		},
	})
	if err != nil {
		return nil, wrapStorageErr("scan", err)
	}
	return entries, nil
}

// prefixUpperBound returns the smallest string greater than every
// string beginning with prefix, for use as an exclusive range bound.
// Returns "" if prefix has no successor (all bytes are 0xff).
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// ErrEmptyBatch is returned by Batch when given no operations.
var ErrEmptyBatch = errors.New("store: batch must contain at least one operation")

// Batch applies every op atomically inside one immediate transaction:
// all writes are durable before Batch returns, and either every op
// commits or none do.
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return ErrEmptyBatch
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapStorageErr("batch", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wrapStorageErr("batch: begin", err)
	}
	var txErr error
	defer func() { endFn(&txErr) }()

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			txErr = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", &sqlitex.ExecOptions{
				Args: []any{op.Key, op.Value},
			})
		case OpDelete:
			txErr = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
				Args: []any{op.Key},
			})
		default:
			txErr = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if txErr != nil {
			break
		}
	}

	if txErr != nil {
		return wrapStorageErr("batch", txErr)
	}
	return nil
}

// Bootstrap reads the current generation counter, increments it, and
// writes it back in the same batch — every control-plane cold start
// bumps the generation so event subscribers and connected agents can
// tell they're talking to a fresh process. It returns the new
// generation.
func (s *Store) Bootstrap(ctx context.Context) (uint64, error) {
	raw, found, err := s.Get(ctx, generationKey)
	if err != nil {
		return 0, err
	}
	var current uint64
	if found {
		current = decodeUint64(raw)
	}
	next := current + 1

	if err := s.Batch(ctx, []Op{Put(generationKey, encodeUint64(next))}); err != nil {
		return 0, err
	}
	s.logger.Info("state store generation bumped", "generation", next)
	return next, nil
}

const generationKey = "meta/generation"

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// AgentKey returns the storage key for an agent record.
func AgentKey(id string) string { return "agent/" + id }

// EnvKey returns the storage key for an environment record.
func EnvKey(id string) string { return "env/" + id }

// EnvPrefix returns the scan prefix for every environment record.
func EnvPrefix() string { return "env/" }

// AgentPrefix returns the scan prefix for every agent record.
func AgentPrefix() string { return "agent/" }

// TargetKey returns the storage key for one node key's target state
// within an environment.
func TargetKey(envID, nodeKey string) string { return "env/" + envID + "/target/" + nodeKey }

// TargetPrefix returns the scan prefix for every target state in an
// environment.
func TargetPrefix(envID string) string { return "env/" + envID + "/target/" }

// EventKey returns the storage key for a persisted event, scoped by
// the process generation that published it (see Store.Bootstrap) so a
// restarted process's sequence numbers, which always start again from
// 0, never collide with a prior generation's mirrored rows at the same
// seq. Zero-padded so lexicographic and numeric order agree within a
// generation.
func EventKey(generation, seq uint64) string {
	return fmt.Sprintf("event/%020d/%020d", generation, seq)
}

// EventPrefix is the scan prefix for every event mirrored under the
// given generation.
func EventPrefix(generation uint64) string {
	return fmt.Sprintf("event/%020d/", generation)
}

// SortedKeys is a small helper used by callers that need deterministic
// map iteration order before writing a batch (Go map iteration is
// randomized; the Delegator and Reconciler both need byte-stable
// output for their idempotence guarantees).
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
