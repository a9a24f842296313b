// Package alerting sends operator notifications about connection and order events.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key without
// a value is dropped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// AlertEvent is a predefined alert type.
type AlertEvent string

const (
	EventConnectionLost     AlertEvent = "connection_lost"
	EventConnectionRestored AlertEvent = "connection_restored"
	EventReconnectFailed    AlertEvent = "reconnect_failed"
	EventOrderSubmitted     AlertEvent = "order_submitted"
	EventOrderFilled        AlertEvent = "order_filled"
	EventOrderCancelled     AlertEvent = "order_cancelled"
	EventOrderRejected      AlertEvent = "order_rejected"
	EventAPIError           AlertEvent = "api_error"
	EventSessionStarted     AlertEvent = "session_started"
	EventSessionStopped     AlertEvent = "session_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventReconnectFailed:
		return SeverityHigh
	case EventConnectionLost, EventOrderRejected, EventAPIError:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event sends a predefined event through any alerter, tagging it with the event name.
func Event(ctx context.Context, a Alerter, event AlertEvent, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	fields = append([]any{"event", string(event)}, fields...)
	return a.Alert(ctx, EventSeverity(event), message, fields...)
}
