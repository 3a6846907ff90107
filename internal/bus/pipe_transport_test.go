// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"io"
	"net"
)

// pipeTransport is an in-process Transport backed by net.Pipe, used by
// tests that need a real Server<->Client connection without binding a
// TCP socket.
type pipeTransport struct {
	accept chan io.ReadWriteCloser
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{accept: make(chan io.ReadWriteCloser, 4)}
}

func (p *pipeTransport) Listen(_ string) (ConnListener, error) {
	return &pipeListener{accept: p.accept, done: make(chan struct{})}, nil
}

func (p *pipeTransport) Dial(ctx context.Context, _ string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	select {
	case p.accept <- server:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

type pipeListener struct {
	accept chan io.ReadWriteCloser
	done   chan struct{}
}

func (l *pipeListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, io.EOF
	}
}

func (l *pipeListener) Addr() string { return "pipe" }
func (l *pipeListener) Close() error {
	close(l.done)
	return nil
}
