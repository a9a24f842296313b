package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTimestamped(t *testing.T) {
	ts := time.Date(2025, 9, 19, 9, 30, 5, 0, time.UTC)

	if got := Timestamped(ts, "Connected to IBKR"); got != "2025-09-19 09:30:05 - Connected to IBKR" {
		t.Errorf("Timestamped() = %q", got)
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	p.Printf("client %d ready", 5)
	p.Println("done")

	want := "2025-01-02 03:04:05 - client 5 ready\n2025-01-02 03:04:05 - done\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetup_TextLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = "warn"

	logger, closer, err := Setup(cfg, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "port", 7497)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "port=7497") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestSetup_JSONWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ibkr.log")

	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.File = path

	logger, closer, err := Setup(cfg, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Info("connected", "client_id", 5)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("stdout is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "connected" || rec["client_id"] != float64(5) {
		t.Errorf("record = %v", rec)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Equal(data, buf.Bytes()) {
		t.Errorf("file copy differs from stdout:\n%s\n%s", data, buf.String())
	}
}

func TestSetup_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	if _, _, err := Setup(cfg, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}

	cfg = DefaultConfig()
	cfg.Format = "xml"
	if _, _, err := Setup(cfg, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}
