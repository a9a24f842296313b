package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %s, want /metrics", cfg.MetricsPath)
	}
	if cfg.HealthPath != "/health" {
		t.Errorf("HealthPath = %s, want /health", cfg.HealthPath)
	}
}

func TestServer_HealthHandler(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)

	server.RegisterHealthCheck("broker", ConnectionChecker(func() (bool, string) {
		return true, "connected"
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if status.Status != "healthy" {
		t.Errorf("status = %s, want healthy", status.Status)
	}
	if got := status.Checks["broker"]; got.Status != "healthy" || got.Message != "connected" {
		t.Errorf("broker check = %+v", got)
	}
}

func TestServer_HealthHandler_Disconnected(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)

	server.RegisterHealthCheck("broker", ConnectionChecker(func() (bool, string) {
		return false, "disconnected"
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.healthHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", status.Status)
	}
}

func TestServer_ReadyHandler(t *testing.T) {
	tests := []struct {
		name     string
		check    Check
		wantCode int
		wantBody string
	}{
		{"ready", Check{Status: "healthy"}, http.StatusOK, "ready"},
		{"not ready", Check{Status: "unhealthy"}, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(DefaultServerConfig(), nil)
			server.RegisterHealthCheck("c", func() Check { return tt.check })

			w := httptest.NewRecorder()
			server.readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_LiveHandler(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)

	w := httptest.NewRecorder()
	server.liveHandler(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "alive" {
		t.Errorf("body = %s, want alive", w.Body.String())
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	NewRecorder().RecordMessageSent("REQ_IDS")

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ibkr_messages_sent_total") {
		t.Error("expected ibkr_messages_sent_total in metrics output")
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Port = 0
	server := NewServer(cfg, nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("expected bound address")
	}

	resp, err := http.Get("http://" + server.Addr() + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Port = 0
	first := NewServer(cfg, nil)
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Shutdown(context.Background())

	_, port, _ := strings.Cut(first.Addr(), ":")
	var p int
	for _, ch := range port {
		p = p*10 + int(ch-'0')
	}
	cfg.Port = p

	if err := NewServer(cfg, nil).Start(); err == nil {
		t.Error("expected error binding a port already in use")
	}
}
