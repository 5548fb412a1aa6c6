// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package ws

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
)

// GUID is the fixed value appended to the client key when deriving the
// accept key, per RFC 6455 section 4.2.2.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHeaderBytes bounds how much header data a peer may send before the
// end-of-headers delimiter.
const maxHeaderBytes = 8 << 10

// HandshakeResult captures the outcome of a server-side negotiation.
type HandshakeResult struct {
	// Accepted reports whether the upgrade request was valid.
	Accepted bool

	// AcceptKey is the derived Sec-WebSocket-Accept value.
	AcceptKey string

	// Path is the request target from the upgrade request line.
	Path string

	// Header holds the request headers, keys lowercased.
	Header map[string]string
}

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + GUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// NewKey returns a base64-encoded random 16-byte handshake key.
func NewKey() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("ws: reading handshake key: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(raw[:])
}

// ParseUpgradeRequest validates a complete upgrade request, header block
// terminator included, and derives the accept key. Header keys are matched
// case-insensitively.
func ParseUpgradeRequest(raw []byte) (HandshakeResult, error) {
	res := HandshakeResult{Header: make(map[string]string)}

	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return res, fmt.Errorf("%w: empty request", kerrors.ErrHandshakeFailed)
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || parts[0] != "GET" {
		return res, fmt.Errorf("%w: malformed request line %q", kerrors.ErrHandshakeFailed, lines[0])
	}
	res.Path = parts[1]

	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		res.Header[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	key := res.Header["sec-websocket-key"]
	if key == "" {
		return res, kerrors.ErrMissingKey
	}

	res.Accepted = true
	res.AcceptKey = AcceptKey(key)
	return res, nil
}

// AppendAcceptResponse appends the 101 Switching Protocols response for
// the given accept key to dst and returns the extended buffer.
func AppendAcceptResponse(dst []byte, acceptKey string) []byte {
	dst = append(dst, "HTTP/1.1 101 Switching Protocols\r\n"...)
	dst = append(dst, "Upgrade: websocket\r\n"...)
	dst = append(dst, "Connection: Upgrade\r\n"...)
	dst = append(dst, "Sec-WebSocket-Accept: "...)
	dst = append(dst, acceptKey...)
	dst = append(dst, "\r\n\r\n"...)
	return dst
}

// BuildUpgradeRequest serializes the client upgrade request for the given
// host, request path, and handshake key. Extra headers are appended after
// the standard set.
func BuildUpgradeRequest(host, path, key string, extra map[string]string) []byte {
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ParseUpgradeResponse validates a complete upgrade response against the
// key sent in the request. The status line must carry 101 and the
// Sec-WebSocket-Accept header must match the derived accept key.
func ParseUpgradeResponse(raw []byte, sentKey string) error {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return fmt.Errorf("%w: empty response", kerrors.ErrHandshakeFailed)
	}
	if !strings.Contains(lines[0], "101") {
		return fmt.Errorf("%w: %q", kerrors.ErrBadStatus, lines[0])
	}

	var accept string
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(v)
		}
	}

	if accept != AcceptKey(sentKey) {
		return kerrors.ErrAcceptMismatch
	}
	return nil
}

// readHeaderBlock consumes br through the blank line ending the header
// block and returns everything read, terminator included. Input exhausted
// before the delimiter is a handshake failure.
func readHeaderBlock(br *bufio.Reader) ([]byte, error) {
	var block []byte
	for {
		line, err := br.ReadBytes('\n')
		block = append(block, line...)
		if err != nil {
			return nil, fmt.Errorf("%w: connection ended before end of headers: %v", kerrors.ErrHandshakeFailed, err)
		}
		if bytes.HasSuffix(block, []byte("\r\n\r\n")) {
			return block, nil
		}
		if len(block) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: header block exceeds %d bytes", kerrors.ErrHandshakeFailed, maxHeaderBytes)
		}
	}
}

// ServerHandshake negotiates the server side of the upgrade. br must be
// the only reader attached to the transport; the session keeps using it
// afterwards so buffered frame bytes are not lost.
func ServerHandshake(br *bufio.Reader, w io.Writer) (HandshakeResult, error) {
	block, err := readHeaderBlock(br)
	if err != nil {
		return HandshakeResult{}, err
	}

	res, err := ParseUpgradeRequest(block)
	if err != nil {
		return res, err
	}

	if _, err := w.Write(AppendAcceptResponse(nil, res.AcceptKey)); err != nil {
		return res, fmt.Errorf("%w: writing upgrade response: %v", kerrors.ErrHandshakeFailed, err)
	}
	return res, nil
}

// ClientHandshake negotiates the client side of the upgrade and verifies
// the returned Sec-WebSocket-Accept against the sent key.
func ClientHandshake(br *bufio.Reader, w io.Writer, cfg ClientConfig) error {
	key := NewKey()
	if _, err := w.Write(BuildUpgradeRequest(cfg.Host, cfg.Path, key, cfg.Header)); err != nil {
		return fmt.Errorf("%w: writing upgrade request: %v", kerrors.ErrHandshakeFailed, err)
	}

	block, err := readHeaderBlock(br)
	if err != nil {
		return err
	}
	return ParseUpgradeResponse(block, key)
}
