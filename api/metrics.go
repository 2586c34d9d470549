package api

import (
	"fmt"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike    AlertType = "login_failure_spike"
	AlertRecoveryFailureSpike AlertType = "recovery_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
// It watches the audit stream for clusters of failed logins and failed
// recovery attempts across all accounts, which the per-email recovery
// limiter cannot see.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	recoveryFailures  []time.Time
	recoveryWindow    time.Duration
	recoveryThreshold int

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow       = 1 * time.Minute
	defaultLoginFailureThreshold    = 50
	defaultRecoveryFailureWindow    = 5 * time.Minute
	defaultRecoveryFailureThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginWindow:       defaultLoginFailureWindow,
		loginThreshold:    defaultLoginFailureThreshold,
		recoveryWindow:    defaultRecoveryFailureWindow,
		recoveryThreshold: defaultRecoveryFailureThreshold,
		alertFn:           alertFn,
	}
}

// recordEvent feeds one audit event into the sliding windows.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	now := time.Now()

	switch event {
	case AuditLoginFailure, AuditRegistrationFailure:
		m.mu.Lock()
		m.loginFailures = pruneWindow(append(m.loginFailures, now), now, m.loginWindow)
		count := len(m.loginFailures)
		threshold := m.loginThreshold
		m.mu.Unlock()
		if count >= threshold {
			m.fire(AlertLoginFailureSpike, count, threshold, now)
		}
	case AuditRecoveryFailure, AuditRecoveryRateLimited:
		m.mu.Lock()
		m.recoveryFailures = pruneWindow(append(m.recoveryFailures, now), now, m.recoveryWindow)
		count := len(m.recoveryFailures)
		threshold := m.recoveryThreshold
		m.mu.Unlock()
		if count >= threshold {
			m.fire(AlertRecoveryFailureSpike, count, threshold, now)
		}
	}
}

func (m *metricsCollector) fire(typ AlertType, count, threshold int, now time.Time) {
	if m.alertFn == nil {
		return
	}
	m.alertFn(AlertEvent{
		Type:      typ,
		Message:   fmt.Sprintf("%s: %d events in window (threshold %d)", typ, count, threshold),
		Count:     count,
		Threshold: threshold,
		Timestamp: now,
	})
}

func pruneWindow(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
