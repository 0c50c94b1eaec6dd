package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter sends alerts to multiple channels.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger.With("component", "alerting"),
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerters)
}

func (m *MultiAlerter) snapshot() []Alerter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alerter(nil), m.alerters...)
}

// fanOut runs send concurrently for every channel and joins the errors.
func (m *MultiAlerter) fanOut(send func(Alerter) error) error {
	alerters := m.snapshot()
	if len(alerters) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(alerters))
	for _, alerter := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := send(a); err != nil {
				m.logger.Error("alerter failed", "alerter", a.Name(), "err", err)
				errCh <- err
			}
		}(alerter)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Alert sends an alert to all configured channels. Channel failures are
// joined into the returned error.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return m.fanOut(func(a Alerter) error {
		return a.Alert(ctx, severity, message, fields...)
	})
}

// AlertEvent sends an alert at the event's default severity.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, append([]any{"event", string(event)}, fields...)...)
}

// SendSessionSummary implements SummarySender for every channel.
func (m *MultiAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	return m.fanOut(func(a Alerter) error {
		return SendSummary(ctx, a, s)
	})
}
