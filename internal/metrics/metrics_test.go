package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// value reads the current value of a gauge or counter.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Counter != nil:
		return out.Counter.GetValue()
	default:
		t.Fatal("unsupported metric type")
		return 0
	}
}

func TestRecorder_RecordConnectionState(t *testing.T) {
	r := NewRecorder()

	r.RecordConnectionState("connected")
	if got := value(t, ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := value(t, BrokerConnected); got != 1 {
		t.Errorf("broker_connected = %v, want 1", got)
	}

	r.RecordConnectionState("disconnected")
	if got := value(t, ConnectionState.WithLabelValues("connected")); got != 0 {
		t.Errorf("connected gauge after reset = %v, want 0", got)
	}
	if got := value(t, BrokerConnected); got != 0 {
		t.Errorf("broker_connected = %v, want 0", got)
	}
}

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	before := value(t, APIErrorsTotal.WithLabelValues("200"))
	r.RecordAPIError(200)
	r.RecordAPIError(200)
	if got := value(t, APIErrorsTotal.WithLabelValues("200")); got != before+2 {
		t.Errorf("api errors = %v, want %v", got, before+2)
	}

	before = value(t, OrdersTotal.WithLabelValues("STK", "BUY", "Submitted"))
	r.RecordOrder("STK", "BUY", "Submitted")
	if got := value(t, OrdersTotal.WithLabelValues("STK", "BUY", "Submitted")); got != before+1 {
		t.Errorf("orders = %v, want %v", got, before+1)
	}

	r.RecordMessageSent("REQ_MKT_DATA")
	r.RecordMessageReceived("TICK_PRICE")
	r.RecordTick("bid")
	r.RecordReconnect(true)
	r.RecordReconnect(false)
	r.RecordOrderRejected("invalid_quantity")
	r.RecordError("decode")
	r.RecordHeartbeat()
	r.RecordRequestLatency("account_summary", 150*time.Millisecond)
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder

	// must not panic
	r.RecordConnectionState("connected")
	r.RecordAPIError(502)
	r.RecordOrder("CASH", "SELL", "Filled")
	r.RecordRequestLatency("positions", time.Second)
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	if elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, expected >= 10ms", elapsed)
	}
	timer.ObserveRequest("test")
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "abc123", "2025-09-01")
	if got := value(t, BuildInfo.WithLabelValues("1.0.0", "abc123", "2025-09-01")); got != 1 {
		t.Errorf("build_info = %v, want 1", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		BrokerConnected,
		ConnectionState,
		ReconnectsTotal,
		MessagesSent,
		MessagesReceived,
		APIErrorsTotal,
		TicksReceived,
		RequestLatency,
		OrdersTotal,
		OrdersRejected,
		HeartbeatTimestamp,
		ErrorsTotal,
		BuildInfo,
	}

	for _, m := range metrics {
		if m == nil {
			t.Error("metric is nil")
		}
	}
}
