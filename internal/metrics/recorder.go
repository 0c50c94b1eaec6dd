package metrics

import (
	"strconv"
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordEvent records one delivered event and its processing time.
func (r *Recorder) RecordEvent(kind string, d time.Duration) {
	EventsTotal.WithLabelValues(kind).Inc()
	EventLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordGatewayError records a gateway error code.
func (r *Recorder) RecordGatewayError(code int) {
	GatewayErrorsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordProtocolError records a malformed callback.
func (r *Recorder) RecordProtocolError() {
	ProtocolErrorsTotal.Inc()
}

// RecordOrderStatus records an order status transition.
func (r *Recorder) RecordOrderStatus(status string) {
	OrdersTotal.WithLabelValues(status).Inc()
}

// RecordRequest records an outbound request result.
func (r *Recorder) RecordRequest(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RequestsTotal.WithLabelValues(kind, result).Inc()
}

// RecordThrottled records a request delayed by the rate limiter.
func (r *Recorder) RecordThrottled() {
	ThrottledTotal.Inc()
}

// RecordQueueDepth records the outbound queue length.
func (r *Recorder) RecordQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// RecordConnection records gateway connection status.
func (r *Recorder) RecordConnection(connected bool) {
	if connected {
		Connected.Set(1)
	} else {
		Connected.Set(0)
	}
}

// RecordReconnectAttempt records one reconnect attempt.
func (r *Recorder) RecordReconnectAttempt() {
	ReconnectAttempts.Inc()
}

// RecordTriggers records trigger counts by state name.
func (r *Recorder) RecordTriggers(counts map[string]int) {
	for state, n := range counts {
		TriggersByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordObserverPanic records a recovered observer panic.
func (r *Recorder) RecordObserverPanic(kind string) {
	ObserverPanics.WithLabelValues(kind).Inc()
}

// RecordOrderIDLatency records an order-id round trip.
func (r *Recorder) RecordOrderIDLatency(d time.Duration) {
	OrderIDLatency.Observe(d.Seconds())
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

// ObserveOrderID observes the elapsed time as order-id latency.
func (t *Timer) ObserveOrderID() {
	OrderIDLatency.Observe(t.Elapsed().Seconds())
}
