package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter records alerts in memory for tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	err    error
}

// MockAlert is one recorded alert. Event is set when the alert was sent
// through Event.
type MockAlert struct {
	Severity Severity
	Message  string
	Event    AlertEvent
	Fields   []any
}

// Field returns the value recorded for key.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

// FailWith makes every following Alert call record the alert and return err.
func (m *MockAlerter) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	a := MockAlert{Severity: severity, Message: message, Fields: fields}
	if v, ok := a.Field("event"); ok {
		if s, ok := v.(string); ok {
			a.Event = AlertEvent(s)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return m.err
}

// Alerts returns a copy of the recorded alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Reset drops the recorded alerts.
func (m *MockAlerter) Reset() {
	m.mu.Lock()
	m.alerts = nil
	m.mu.Unlock()
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *MockAlerter) matches(match func(MockAlert) bool) bool {
	for _, a := range m.Alerts() {
		if match(a) {
			return true
		}
	}
	return false
}

func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.matches(func(a MockAlert) bool { return a.Severity == severity })
}

func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.matches(func(a MockAlert) bool { return strings.Contains(a.Message, substr) })
}

// HasEvent reports whether an alert for event was recorded.
func (m *MockAlerter) HasEvent(event AlertEvent) bool {
	return m.matches(func(a MockAlert) bool { return a.Event == event })
}

// LastAlert returns the most recent alert, or nil.
func (m *MockAlerter) LastAlert() *MockAlert {
	alerts := m.Alerts()
	if len(alerts) == 0 {
		return nil
	}
	return &alerts[len(alerts)-1]
}
