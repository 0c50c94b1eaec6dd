package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

// ObserverConfig holds alert observer configuration.
type ObserverConfig struct {
	// Events lists the enabled alert events. Empty enables all of them.
	Events       []AlertEvent
	QueueSize    int
	AlertTimeout time.Duration
}

// DefaultObserverConfig returns default observer config.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		QueueSize:    64,
		AlertTimeout: 10 * time.Second,
	}
}

type pending struct {
	event   AlertEvent
	message string
	fields  []any
}

// Observer turns delivered events into alerts. OnEvent only enqueues; Run
// sends. A full queue drops the alert.
type Observer struct {
	alerter Alerter
	cfg     ObserverConfig
	enabled map[AlertEvent]bool
	logger  *slog.Logger
	summary *SummaryCollector
	queue   chan pending
	dropped atomic.Int64
}

// NewObserver creates an alert observer sending to alerter.
func NewObserver(alerter Alerter, cfg ObserverConfig, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultObserverConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = def.AlertTimeout
	}

	var enabled map[AlertEvent]bool
	if len(cfg.Events) > 0 {
		enabled = make(map[AlertEvent]bool, len(cfg.Events))
		for _, ev := range cfg.Events {
			enabled[ev] = true
		}
	}

	return &Observer{
		alerter: alerter,
		cfg:     cfg,
		enabled: enabled,
		logger:  logger.With("component", "alerting"),
		summary: NewSummaryCollector(time.Now()),
		queue:   make(chan pending, cfg.QueueSize),
	}
}

// Enabled reports whether an alert event passes the configured filter.
func (o *Observer) Enabled(event AlertEvent) bool {
	return o.enabled == nil || o.enabled[event]
}

// Summary returns the running session counters.
func (o *Observer) Summary() *SummaryCollector { return o.summary }

// Dropped returns the number of alerts dropped on a full queue.
func (o *Observer) Dropped() int64 { return o.dropped.Load() }

// OnEvent implements dispatch.Observer.
func (o *Observer) OnEvent(ev events.Event) {
	o.summary.Observe(ev)

	event, message, fields, ok := classify(ev)
	if !ok {
		return
	}
	o.Notify(event, message, fields...)
}

// Notify queues an alert outside the event stream, such as session start.
func (o *Observer) Notify(event AlertEvent, message string, fields ...any) {
	if !o.Enabled(event) {
		return
	}
	select {
	case o.queue <- pending{event: event, message: message, fields: fields}:
	default:
		o.dropped.Add(1)
		o.logger.Warn("alert queue full, dropping alert", "event", string(event))
	}
}

// Run sends queued alerts until ctx is done. Alerts still queued at that
// point are flushed with a fresh timeout.
func (o *Observer) Run(ctx context.Context) {
	for {
		select {
		case p := <-o.queue:
			o.send(context.WithoutCancel(ctx), p)
		case <-ctx.Done():
			for {
				select {
				case p := <-o.queue:
					o.send(context.WithoutCancel(ctx), p)
				default:
					return
				}
			}
		}
	}
}

func (o *Observer) send(ctx context.Context, p pending) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AlertTimeout)
	defer cancel()

	fields := append([]any{"alert_id", uuid.NewString(), "event", string(p.event)}, p.fields...)
	if err := o.alerter.Alert(ctx, EventSeverity(p.event), p.message, fields...); err != nil {
		o.logger.Error("alert failed", "event", string(p.event), "alerter", o.alerter.Name(), "err", err)
	}
}

// classify maps an event to an alert. Events without an alert report
// ok=false.
func classify(ev events.Event) (AlertEvent, string, []any, bool) {
	switch e := ev.(type) {
	case *events.ConnectionLost:
		return EventConnectionLost, "Gateway connection lost",
			[]any{"code", e.Code, "reason", e.Reason}, true

	case *events.ConnectionRestored:
		return EventConnectionRestored, "Gateway connection restored",
			[]any{"code", e.Code, "data_lost", e.DataLost}, true

	case *events.ErrorOccurred:
		fields := []any{"req_id", e.ReqID, "code", e.Code, "message", e.Message}
		switch {
		case errors.Is(e.Err, types.ErrConnection):
			return EventReconnectAbandoned, "Reconnect abandoned", fields, true
		case errors.Is(e.Err, types.ErrProtocol):
			return EventProtocolError, "Protocol error", fields, true
		default:
			return EventGatewayError, "Gateway error", fields, true
		}

	case *events.OrderStatusChanged:
		if e.Status != types.OrderStatusRejected {
			return "", "", nil, false
		}
		return EventOrderRejected, "Order rejected",
			[]any{"order_id", e.OrderID, "symbol", e.Symbol, "why_held", e.WhyHeld}, true

	case *events.OrderFilled:
		return EventOrderFilled, "Order filled",
			[]any{
				"order_id", e.OrderID,
				"symbol", e.Symbol,
				"side", e.Side.String(),
				"quantity", e.Quantity,
				"avg_fill_price", e.AvgFillPrice.String(),
			}, true

	case *events.BracketClosed:
		return EventBracketClosed, "Bracket closed",
			[]any{"parent_id", e.ParentID, "symbol", e.Symbol, "closed_by", e.ClosedBy, "status", e.Status.String()}, true

	case *events.TriggerFired:
		message := "Trigger fired"
		if e.Trailing {
			message = "Trailing stop ratcheted"
		}
		return EventTriggerFired, message,
			[]any{
				"trigger_id", e.TriggerID,
				"symbol", e.Symbol,
				"old_stop_id", e.OldStopID,
				"new_stop_id", e.NewStopID,
				"last_price", e.LastPrice.String(),
				"new_stop", e.NewStop.String(),
			}, true
	}
	return "", "", nil, false
}
