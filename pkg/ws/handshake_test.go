// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package ws

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
)

func TestAcceptKey_KnownVector(t *testing.T) {
	// RFC 6455 section 1.3 example.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("AcceptKey() = %q, want %q", got, want)
	}
}

func TestNewKey(t *testing.T) {
	key := NewKey()

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("key is not valid base64: %v", err)
	}
	if len(raw) != 16 {
		t.Errorf("key decodes to %d bytes, want 16", len(raw))
	}
	if NewKey() == key {
		t.Error("two keys are identical; expected random keys")
	}
}

func TestParseUpgradeRequest(t *testing.T) {
	raw := []byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"X-Client-Token: abc123\r\n" +
		"\r\n")

	res, err := ParseUpgradeRequest(raw)
	if err != nil {
		t.Fatalf("ParseUpgradeRequest() error = %v", err)
	}
	if !res.Accepted {
		t.Error("Accepted = false, want true")
	}
	if res.Path != "/chat" {
		t.Errorf("Path = %q, want %q", res.Path, "/chat")
	}
	if res.AcceptKey != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey = %q", res.AcceptKey)
	}
	if res.Header["x-client-token"] != "abc123" {
		t.Errorf("Header[x-client-token] = %q, want %q", res.Header["x-client-token"], "abc123")
	}
}

func TestParseUpgradeRequest_HeaderCase(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n" +
		"SEC-WEBSOCKET-KEY:   dGhlIHNhbXBsZSBub25jZQ==  \r\n" +
		"\r\n")

	res, err := ParseUpgradeRequest(raw)
	if err != nil {
		t.Fatalf("ParseUpgradeRequest() error = %v", err)
	}
	if res.AcceptKey != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey = %q; header name case or padding not handled", res.AcceptKey)
	}
}

func TestParseUpgradeRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name:    "missing key",
			raw:     "GET / HTTP/1.1\r\nHost: example.test\r\n\r\n",
			wantErr: kerrors.ErrMissingKey,
		},
		{
			name:    "empty key",
			raw:     "GET / HTTP/1.1\r\nSec-WebSocket-Key: \r\n\r\n",
			wantErr: kerrors.ErrMissingKey,
		},
		{
			name:    "wrong method",
			raw:     "POST / HTTP/1.1\r\nSec-WebSocket-Key: abc\r\n\r\n",
			wantErr: kerrors.ErrHandshakeFailed,
		},
		{
			name:    "not a request line",
			raw:     "garbage\r\n\r\n",
			wantErr: kerrors.ErrHandshakeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUpgradeRequest([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseUpgradeRequest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAppendAcceptResponse(t *testing.T) {
	got := AppendAcceptResponse(nil, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"
	if string(got) != want {
		t.Errorf("AppendAcceptResponse() = %q, want %q", got, want)
	}
}

func TestBuildUpgradeRequest(t *testing.T) {
	raw := string(BuildUpgradeRequest("example.test:9000", "/ws", "dGhlIHNhbXBsZSBub25jZQ==", map[string]string{
		"X-Client-Token": "abc123",
	}))

	for _, want := range []string{
		"GET /ws HTTP/1.1\r\n",
		"Host: example.test:9000\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n",
		"Sec-WebSocket-Version: 13\r\n",
		"X-Client-Token: abc123\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("request missing %q:\n%s", want, raw)
		}
	}
	if !strings.HasSuffix(raw, "\r\n\r\n") {
		t.Error("request does not end with blank line")
	}
}

func TestBuildUpgradeRequest_DefaultPath(t *testing.T) {
	raw := string(BuildUpgradeRequest("example.test", "", "abc", nil))
	if !strings.HasPrefix(raw, "GET / HTTP/1.1\r\n") {
		t.Errorf("request line = %q, want GET /", raw[:strings.Index(raw, "\r\n")])
	}
}

func TestParseUpgradeResponse(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "valid",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\n" +
				"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
				"\r\n",
		},
		{
			name: "lowercase accept header",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"sec-websocket-accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
				"\r\n",
		},
		{
			name:    "bad status",
			raw:     "HTTP/1.1 403 Forbidden\r\n\r\n",
			wantErr: kerrors.ErrBadStatus,
		},
		{
			name: "accept mismatch",
			raw: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Sec-WebSocket-Accept: bm90IHRoZSByaWdodCBrZXk=\r\n" +
				"\r\n",
			wantErr: kerrors.ErrAcceptMismatch,
		},
		{
			name:    "missing accept header",
			raw:     "HTTP/1.1 101 Switching Protocols\r\n\r\n",
			wantErr: kerrors.ErrAcceptMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseUpgradeResponse([]byte(tt.raw), key)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ParseUpgradeResponse() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseUpgradeResponse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerHandshake(t *testing.T) {
	request := "GET /echo HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"
	// A frame already sitting behind the handshake must stay readable
	// through the same bufio.Reader.
	frame := "\x81\x02hi"

	br := bufio.NewReader(strings.NewReader(request + frame))
	var out bytes.Buffer

	res, err := ServerHandshake(br, &out)
	if err != nil {
		t.Fatalf("ServerHandshake() error = %v", err)
	}
	if res.Path != "/echo" {
		t.Errorf("Path = %q, want %q", res.Path, "/echo")
	}
	if !strings.Contains(out.String(), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Errorf("response missing accept header:\n%s", out.String())
	}

	rest := make([]byte, len(frame))
	if _, err := io.ReadFull(br, rest); err != nil {
		t.Fatalf("reading buffered frame: %v", err)
	}
	if string(rest) != frame {
		t.Errorf("buffered bytes = %q, want %q", rest, frame)
	}
}

func TestServerHandshake_TruncatedRequest(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: example.test\r\n"))
	var out bytes.Buffer

	_, err := ServerHandshake(br, &out)
	if !errors.Is(err, kerrors.ErrHandshakeFailed) {
		t.Errorf("ServerHandshake() error = %v, want ErrHandshakeFailed", err)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %d bytes for a failed handshake, want 0", out.Len())
	}
}

func TestServerHandshake_OversizedHeaders(t *testing.T) {
	request := "GET / HTTP/1.1\r\n" +
		strings.Repeat("X-Padding: "+strings.Repeat("a", 120)+"\r\n", 100)
	br := bufio.NewReader(strings.NewReader(request))

	_, err := ServerHandshake(br, &bytes.Buffer{})
	if !errors.Is(err, kerrors.ErrHandshakeFailed) {
		t.Errorf("ServerHandshake() error = %v, want ErrHandshakeFailed", err)
	}
}

func TestClientHandshake_BadStatus(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	var out bytes.Buffer

	err := ClientHandshake(br, &out, ClientConfig{Host: "example.test"})
	if !errors.Is(err, kerrors.ErrBadStatus) {
		t.Errorf("ClientHandshake() error = %v, want ErrBadStatus", err)
	}
	if !strings.Contains(out.String(), "Sec-WebSocket-Key: ") {
		t.Error("client never sent its upgrade request")
	}
}

func TestHandshake_EndToEnd(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type serverResult struct {
		res HandshakeResult
		err error
	}
	done := make(chan serverResult, 1)
	go func() {
		res, err := ServerHandshake(bufio.NewReader(server), server)
		done <- serverResult{res, err}
	}()

	err := ClientHandshake(bufio.NewReader(client), client, ClientConfig{
		Host:   "example.test",
		Path:   "/live",
		Header: map[string]string{"X-Client-Token": "abc123"},
	})
	if err != nil {
		t.Fatalf("ClientHandshake() error = %v", err)
	}

	sr := <-done
	if sr.err != nil {
		t.Fatalf("ServerHandshake() error = %v", sr.err)
	}
	if sr.res.Path != "/live" {
		t.Errorf("server saw path %q, want %q", sr.res.Path, "/live")
	}
	if sr.res.Header["x-client-token"] != "abc123" {
		t.Errorf("server saw token %q, want %q", sr.res.Header["x-client-token"], "abc123")
	}
}
