// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package ws

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
)

// Opcode is the 4-bit frame type from the low nibble of the first header byte.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// String returns a human-readable opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

// DefaultMaxPayload is the per-frame payload limit applied when a
// configuration leaves MaxPayload unset. It protects against a peer
// declaring an enormous length and exhausting memory.
const DefaultMaxPayload int64 = 1 << 24 // 16 MiB

// Frame is a single WebSocket frame. Frames are transient values produced
// and consumed synchronously by the codec; they are never retained.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("ws: reading mask key: " + err.Error())
	}
	return key
}

// applyMask XORs b in place with key, position i against key[i%4].
func applyMask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// Marshal encodes f into wire format using the minimal length
// representation (7-bit, 16-bit, or 64-bit big-endian). When f.Masked is
// set the payload is masked into the output buffer; the input slice is
// left untouched.
func Marshal(f Frame) []byte {
	b0 := byte(f.Opcode) & 0x0f
	if f.Fin {
		b0 |= 0x80
	}

	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}

	n := len(f.Payload)
	var hdr [10]byte
	hdr[0] = b0

	var header []byte
	switch {
	case n <= 125:
		hdr[1] = maskBit | byte(n)
		header = hdr[:2]
	case n <= 0xffff:
		hdr[1] = maskBit | 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(n))
		header = hdr[:4]
	default:
		hdr[1] = maskBit | 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(n))
		header = hdr[:10]
	}

	out := make([]byte, 0, len(header)+4+n)
	out = append(out, header...)
	if f.Masked {
		out = append(out, f.MaskKey[:]...)
	}
	start := len(out)
	out = append(out, f.Payload...)
	if f.Masked {
		applyMask(out[start:], f.MaskKey)
	}
	return out
}

// ReadFrame reads exactly one frame from r, blocking until it is complete.
// Masked payloads are unmasked before returning. io.EOF before the first
// header byte means a clean end-of-stream; a stream that ends anywhere
// inside a frame is reported as ErrMalformedFrame.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: short header read: %v", kerrors.ErrMalformedFrame, err)
	}

	f := Frame{
		Fin:    hdr[0]&0x80 != 0,
		Opcode: Opcode(hdr[0] & 0x0f),
		Masked: hdr[1]&0x80 != 0,
	}
	length := int64(hdr[1] & 0x7f)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: short extended length: %v", kerrors.ErrMalformedFrame, err)
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: short extended length: %v", kerrors.ErrMalformedFrame, err)
		}
		u := binary.BigEndian.Uint64(ext[:])
		if u > uint64(maxPayload) {
			return Frame{}, fmt.Errorf("%w: declared %d bytes", kerrors.ErrFrameTooLarge, u)
		}
		length = int64(u)
	}

	if length > maxPayload {
		return Frame{}, fmt.Errorf("%w: declared %d bytes", kerrors.ErrFrameTooLarge, length)
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: short mask key: %v", kerrors.ErrMalformedFrame, err)
		}
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: short payload: %v", kerrors.ErrMalformedFrame, err)
		}
		if f.Masked {
			applyMask(f.Payload, f.MaskKey)
		}
	}

	return f, nil
}

// DecodeFrame parses one frame from the front of buf without blocking.
// It returns the decoded frame and the number of bytes consumed. When buf
// does not yet hold a complete frame it returns (Frame{}, 0, nil) so the
// caller can retry once more bytes arrive.
func DecodeFrame(buf []byte, maxPayload int64) (Frame, int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(buf) < 2 {
		return Frame{}, 0, nil
	}

	f := Frame{
		Fin:    buf[0]&0x80 != 0,
		Opcode: Opcode(buf[0] & 0x0f),
		Masked: buf[1]&0x80 != 0,
	}
	length := int64(buf[1] & 0x7f)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, nil
		}
		u := binary.BigEndian.Uint64(buf[offset:])
		if u > uint64(maxPayload) {
			return Frame{}, 0, fmt.Errorf("%w: declared %d bytes", kerrors.ErrFrameTooLarge, u)
		}
		length = int64(u)
		offset += 8
	}

	if length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: declared %d bytes", kerrors.ErrFrameTooLarge, length)
	}

	if f.Masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, nil
		}
		copy(f.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, buf[offset:total])
		if f.Masked {
			applyMask(f.Payload, f.MaskKey)
		}
	}

	return f, total, nil
}
