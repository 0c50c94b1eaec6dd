package alerting

import (
	"context"
	"sync"
	"time"
)

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// Field returns the value paired with key in the alert fields.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

// Event returns the alert's event field.
func (a MockAlert) Event() AlertEvent {
	v, _ := a.Field("event")
	s, _ := v.(string)
	return AlertEvent(s)
}

// MockAlerter records alerts and summaries for tests. FailWith makes it
// return an error after recording.
type MockAlerter struct {
	mu        sync.Mutex
	alerts    []MockAlert
	summaries []SessionSummary
	err       error
	changed   chan struct{}
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{changed: make(chan struct{})}
}

func (m *MockAlerter) Name() string { return "mock" }

// record appends under the lock and wakes any Wait.
func (m *MockAlerter) record(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
	close(m.changed)
	m.changed = make(chan struct{})
	return m.err
}

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	return m.record(func() {
		m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	})
}

func (m *MockAlerter) SendSessionSummary(_ context.Context, s SessionSummary) error {
	return m.record(func() {
		m.summaries = append(m.summaries, s)
	})
}

func (m *MockAlerter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Wait blocks until at least n alerts are recorded or timeout elapses. It
// reports whether the count was reached.
func (m *MockAlerter) Wait(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		count, changed := len(m.alerts), m.changed
		m.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

func (m *MockAlerter) Summaries() []SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionSummary(nil), m.summaries...)
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// LastAlert returns the last captured alert, or nil if none.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	last := m.alerts[len(m.alerts)-1]
	return &last
}

// Find returns the first alert match accepts.
func (m *MockAlerter) Find(match func(MockAlert) bool) (MockAlert, bool) {
	for _, a := range m.Alerts() {
		if match(a) {
			return a, true
		}
	}
	return MockAlert{}, false
}

// HasEvent reports whether an alert for event was recorded.
func (m *MockAlerter) HasEvent(event AlertEvent) bool {
	_, ok := m.Find(func(a MockAlert) bool { return a.Event() == event })
	return ok
}

func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
	m.summaries = nil
}
