// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package source implements internal/cannon.Source for the three
// configured cannon source kinds.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/monadic-testbed/snops-core/internal/cannon"
)

type playbackLine struct {
	TxBytes string `json:"tx_bytes"`
}

// Playback replays a JSON-lines file of prerecorded, already-signed
// transaction bodies, one per Next call, in file order. Each item
// skips the authorize/execute stages entirely and goes straight to
// broadcast. Exhausting the file reports io.EOF, which ends the
// pipeline's pump loop the same way a closed channel would.
type Playback struct {
	file    *os.File
	scanner *bufio.Scanner
}

// OpenPlayback opens path for line-by-line replay.
func OpenPlayback(path string) (*Playback, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannon/source: opening playback file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Playback{file: f, scanner: scanner}, nil
}

func (p *Playback) Next(ctx context.Context) (cannon.Item, error) {
	if err := ctx.Err(); err != nil {
		return cannon.Item{}, err
	}
	for p.scanner.Scan() {
		line := bytes.TrimSpace(p.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var decoded playbackLine
		if err := json.Unmarshal(line, &decoded); err != nil {
			return cannon.Item{}, fmt.Errorf("cannon/source: decoding playback line: %w", err)
		}
		txBytes, err := hex.DecodeString(decoded.TxBytes)
		if err != nil {
			return cannon.Item{}, fmt.Errorf("cannon/source: decoding tx_bytes: %w", err)
		}
		return cannon.Item{TxBytes: txBytes}, nil
	}
	if err := p.scanner.Err(); err != nil {
		return cannon.Item{}, err
	}
	return cannon.Item{}, io.EOF
}

func (p *Playback) Close() error { return p.file.Close() }
