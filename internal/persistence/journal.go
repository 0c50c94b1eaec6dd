package persistence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
)

// JournalConfig holds journal observer configuration.
type JournalConfig struct {
	QueueSize int
	Timeout   time.Duration
}

// DefaultJournalConfig returns default journal observer config.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}
}

// JournalObserver writes every reported execution to a journal. OnEvent
// only enqueues and Run writes. When the queue is full the write happens
// inline, so executions are delayed rather than lost.
type JournalObserver struct {
	events.NopVisitor
	journal ExecutionJournal
	cfg     JournalConfig
	logger  *slog.Logger
	queue   chan broker.Execution
	inline  atomic.Int64
}

// NewJournalObserver creates a JournalObserver writing to journal.
func NewJournalObserver(journal ExecutionJournal, cfg JournalConfig, logger *slog.Logger) *JournalObserver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultJournalConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &JournalObserver{
		journal: journal,
		cfg:     cfg,
		logger:  logger.With("component", "journal"),
		queue:   make(chan broker.Execution, cfg.QueueSize),
	}
}

// OnEvent implements dispatch.Observer.
func (j *JournalObserver) OnEvent(ev events.Event) {
	ev.Accept(j)
}

// VisitExecution queues the fill.
func (j *JournalObserver) VisitExecution(ev *events.ExecutionReported) {
	select {
	case j.queue <- ev.Execution:
	default:
		j.inline.Add(1)
		j.logger.Warn("journal queue full, writing inline", "exec_id", ev.Execution.ExecID)
		j.save(context.Background(), ev.Execution)
	}
}

// Inline returns the number of executions written on the caller's
// goroutine because the queue was full.
func (j *JournalObserver) Inline() int64 { return j.inline.Load() }

// Pending returns the number of queued executions.
func (j *JournalObserver) Pending() int { return len(j.queue) }

// Run writes queued executions until ctx is done, then drains the queue.
func (j *JournalObserver) Run(ctx context.Context) {
	for {
		select {
		case exec := <-j.queue:
			j.save(context.WithoutCancel(ctx), exec)
		case <-ctx.Done():
			for {
				select {
				case exec := <-j.queue:
					j.save(context.WithoutCancel(ctx), exec)
				default:
					return
				}
			}
		}
	}
}

func (j *JournalObserver) save(ctx context.Context, exec broker.Execution) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	if err := j.journal.SaveExecution(ctx, exec); err != nil {
		j.logger.Error("failed to journal execution",
			"exec_id", exec.ExecID,
			"order_id", exec.OrderID,
			"err", err,
		)
	}
}
