package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ParseSeverity parses info, warning, high or critical. Empty means info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// channel is one destination with its severity floor.
type channel struct {
	alerter Alerter
	min     Severity
}

// MultiAlerter fans an alert out to every channel whose minimum severity
// the alert reaches. Channels are notified concurrently.
type MultiAlerter struct {
	mu       sync.RWMutex
	channels []channel
	logger   *slog.Logger
}

// NewMultiAlerter creates a multi-channel alerter. The given alerters
// receive every severity.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MultiAlerter{logger: logger}
	for _, a := range alerters {
		m.channels = append(m.channels, channel{alerter: a})
	}
	return m
}

func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel that receives every severity.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.AddChannel(alerter, SeverityInfo)
}

// AddChannel adds a channel that only receives alerts at or above floor.
func (m *MultiAlerter) AddChannel(alerter Alerter, floor Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel{alerter: alerter, min: floor})
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Alert sends to the matching channels. Failures are logged and joined.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	targets := make([]Alerter, 0, len(m.channels))
	for _, ch := range m.channels {
		if severity >= ch.min {
			targets = append(targets, ch.alerter)
		}
	}
	m.mu.RUnlock()

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, a := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert channel failed",
					"channel", a.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// AlertEvent sends an alert for a predefined event type.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return Event(ctx, m, event, message, fields...)
}
