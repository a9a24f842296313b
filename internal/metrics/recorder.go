package metrics

import (
	"strconv"
	"time"
)

// Recorder provides methods for recording metrics.
// A nil *Recorder is valid and records nothing.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordConnectionState marks state as the active connection state.
func (r *Recorder) RecordConnectionState(state string) {
	if r == nil {
		return
	}
	ConnectionState.Reset()
	ConnectionState.WithLabelValues(state).Set(1)
	r.RecordBrokerStatus(state == "connected")
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if r == nil {
		return
	}
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordReconnect records the outcome of a reconnect attempt.
func (r *Recorder) RecordReconnect(success bool) {
	if r == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	ReconnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordMessageSent counts an outgoing message.
func (r *Recorder) RecordMessageSent(msg string) {
	if r == nil {
		return
	}
	MessagesSent.WithLabelValues(msg).Inc()
}

// RecordMessageReceived counts an incoming message.
func (r *Recorder) RecordMessageReceived(msg string) {
	if r == nil {
		return
	}
	MessagesReceived.WithLabelValues(msg).Inc()
}

// RecordAPIError counts a TWS error message.
func (r *Recorder) RecordAPIError(code int) {
	if r == nil {
		return
	}
	APIErrorsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordTick counts a market data tick.
func (r *Recorder) RecordTick(tick string) {
	if r == nil {
		return
	}
	TicksReceived.WithLabelValues(tick).Inc()
}

// RecordRequestLatency records the round trip of a correlated request.
func (r *Recorder) RecordRequestLatency(request string, d time.Duration) {
	if r == nil {
		return
	}
	RequestLatency.WithLabelValues(request).Observe(d.Seconds())
}

// RecordOrder records an order metric.
func (r *Recorder) RecordOrder(secType, action, status string) {
	if r == nil {
		return
	}
	OrdersTotal.WithLabelValues(secType, action, status).Inc()
}

// RecordOrderRejected records an order refused before it reached the broker.
func (r *Recorder) RecordOrderRejected(reason string) {
	if r == nil {
		return
	}
	OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	if r == nil {
		return
	}
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	if r == nil {
		return
	}
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveRequest observes the elapsed time as request latency.
func (t *Timer) ObserveRequest(request string) {
	RequestLatency.WithLabelValues(request).Observe(t.Elapsed().Seconds())
}
