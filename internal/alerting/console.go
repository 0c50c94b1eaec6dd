package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the process log.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("component", "alert")}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs an alert at a level derived from its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, severityLevel(severity), "[ALERT] "+message, attrs...)
	return nil
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
