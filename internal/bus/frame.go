// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the agent bus (C2): a long-lived,
// auto-reconnecting, bidirectional connection between the control
// plane and each agent. Every message is one frame: a 4-byte
// big-endian length prefix, a 1-byte tag, and a CBOR-encoded body
// one frame at a time.
package bus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/monadic-testbed/snops-core/lib/codec"
)

// Tag discriminates the frame's payload type.
type Tag byte

const (
	TagHandshake  Tag = 1
	TagCmd        Tag = 2
	TagResp       Tag = 3
	TagEvent      Tag = 4
	TagPing       Tag = 5
	TagPong       Tag = 6
	TagCancel     Tag = 7
	TagAuthFailed Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "Handshake"
	case TagCmd:
		return "Cmd"
	case TagResp:
		return "Resp"
	case TagEvent:
		return "Event"
	case TagPing:
		return "Ping"
	case TagPong:
		return "Pong"
	case TagCancel:
		return "Cancel"
	case TagAuthFailed:
		return "AuthFailed"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// maxFrameSize bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 16 * 1024 * 1024

// Frame is one length-prefixed, tagged message on the wire.
type Frame struct {
	Tag     Tag
	Payload []byte // CBOR-encoded body
}

// WriteFrame encodes and writes one frame to w: 4-byte big-endian
// length (of tag + payload), tag byte, payload bytes.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(1 + len(f.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(f.Tag)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("bus: write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("bus: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and decodes one frame from r. Returns io.EOF exactly
// when the connection is cleanly closed before any bytes of a new
// frame arrive; any other short read is a wrapped error.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("bus: read frame header: %w", err)
		}
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return Frame{}, fmt.Errorf("bus: frame length 0: missing tag byte")
	}
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("bus: frame length %d exceeds max %d", length, maxFrameSize)
	}

	tag := Tag(header[4])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("bus: read frame payload: %w", err)
		}
	}

	return Frame{Tag: tag, Payload: payload}, nil
}

// EncodeFrame CBOR-encodes body and wraps it in a Frame with the given
// tag.
func EncodeFrame(tag Tag, body any) (Frame, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("bus: encode %s frame: %w", tag, err)
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// DecodeFrame CBOR-decodes f's payload into dst, which must match the
// shape expected for f.Tag.
func DecodeFrame(f Frame, dst any) error {
	if err := codec.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("bus: decode %s frame: %w", f.Tag, err)
	}
	return nil
}
