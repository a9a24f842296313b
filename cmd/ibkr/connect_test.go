package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
)

// stubTWS accepts API sessions, completes the handshake and reports one
// managed account. It reads and discards everything else.
func stubTWS(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveStub(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func serveStub(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return
	}
	if _, err := readStubFrame(r); err != nil {
		return
	}
	writeStubFrame(conn, "151", "20250919 10:00:00 EST")
	if _, err := readStubFrame(r); err != nil { // START_API
		return
	}
	writeStubFrame(conn, "15", "1", "DU123")
	writeStubFrame(conn, "9", "1", "1")

	for {
		if _, err := readStubFrame(r); err != nil {
			return
		}
	}
}

func readStubFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err := io.ReadFull(r, payload)
	return payload, err
}

func writeStubFrame(w io.Writer, fields ...string) {
	payload := strings.Join(fields, "\x00") + "\x00"
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, _ = w.Write(frame)
}

func TestConnectCommand(t *testing.T) {
	cfg := writeConfig(t)
	port := strconv.Itoa(stubTWS(t))

	tests := []struct {
		name  string
		flags []string
		want  []string
	}{
		{"explicit port", nil, []string{"accounts: DU123", "server_version: 151", "paper: false"}},
		{"gateway paper", []string{"--gateway"}, []string{"accounts: DU123", "paper: true"}},
		{"gateway live", []string{"--gateway", "--live"}, []string{"paper: false"}},
		{"tws live", []string{"--live"}, []string{"paper: false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"connect", "-c", cfg, "--host", "127.0.0.1", "--port", port}, tt.flags...)
			out, err := run(t, args...)
			if err != nil {
				t.Fatalf("connect: %v\n%s", err, out)
			}
			if !strings.Contains(out, "port: "+port) {
				t.Errorf("explicit port not kept:\n%s", out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestConnectCommand_Refused(t *testing.T) {
	cfg := writeConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	if _, err := run(t, "connect", "-c", cfg, "--gateway", "--host", "127.0.0.1", "--port", port); err == nil {
		t.Error("connect to a closed port should fail")
	}
}
