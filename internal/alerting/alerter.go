// Package alerting sends operator notifications for session events:
// connectivity changes, gateway errors, rejected orders, bracket closes and
// trigger fires.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
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
	// Alert sends an alert with the given severity and message. fields are
	// key/value pairs as in slog.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key
// without a value is ignored.
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

// AlertEvent names a class of alert. Configuration enables alerts by these
// names.
type AlertEvent string

const (
	EventSessionStarted     AlertEvent = "session_started"
	EventSessionStopped     AlertEvent = "session_stopped"
	EventSessionSummary     AlertEvent = "session_summary"
	EventConnectionLost     AlertEvent = "connection_lost"
	EventConnectionRestored AlertEvent = "connection_restored"
	EventReconnectAbandoned AlertEvent = "reconnect_abandoned"
	EventGatewayError       AlertEvent = "gateway_error"
	EventProtocolError      AlertEvent = "protocol_error"
	EventOrderFilled        AlertEvent = "order_filled"
	EventOrderRejected      AlertEvent = "order_rejected"
	EventBracketClosed      AlertEvent = "bracket_closed"
	EventTriggerFired       AlertEvent = "trigger_fired"
)

var allEvents = []AlertEvent{
	EventSessionStarted,
	EventSessionStopped,
	EventSessionSummary,
	EventConnectionLost,
	EventConnectionRestored,
	EventReconnectAbandoned,
	EventGatewayError,
	EventProtocolError,
	EventOrderFilled,
	EventOrderRejected,
	EventBracketClosed,
	EventTriggerFired,
}

// AllEvents returns every alert event name.
func AllEvents() []AlertEvent {
	return append([]AlertEvent(nil), allEvents...)
}

// ParseAlertEvent validates an alert event name.
func ParseAlertEvent(s string) (AlertEvent, bool) {
	for _, ev := range allEvents {
		if string(ev) == s {
			return ev, true
		}
	}
	return "", false
}

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventReconnectAbandoned:
		return SeverityCritical
	case EventConnectionLost, EventOrderRejected:
		return SeverityHigh
	case EventGatewayError, EventProtocolError:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
