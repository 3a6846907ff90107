// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink implements internal/cannon.Sink for the two configured
// cannon sink kinds.
package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type recordLine struct {
	TxBytes string `json:"tx_bytes"`
}

// Record appends each broadcast transaction body to a JSON-lines file.
type Record struct {
	mu   sync.Mutex
	file *os.File
}

// OpenRecord opens (creating if necessary) path for append.
func OpenRecord(path string) (*Record, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannon/sink: opening record file: %w", err)
	}
	return &Record{file: f}, nil
}

func (r *Record) Broadcast(ctx context.Context, txBytes []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(recordLine{TxBytes: hex.EncodeToString(txBytes)})
	if err != nil {
		return fmt.Errorf("cannon/sink: encoding record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.file.Write(line)
	return err
}

func (r *Record) Close() error { return r.file.Close() }
