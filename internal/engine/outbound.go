package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/metrics"
	"github.com/tathienbao/ibrecon/internal/types"
	"golang.org/x/time/rate"
)

// pending is one queued outbound request. done is nil for fire-and-forget
// requests.
type pending struct {
	ctx  context.Context
	req  broker.Request
	done chan error
}

// outbound serializes every request to the session in FIFO order through a
// token bucket. The queue is unbounded: throttled requests wait, they are
// never dropped.
type outbound struct {
	session  broker.Session
	limiter  *rate.Limiter
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []*pending
	closed bool
	wake   chan struct{}
}

func newOutbound(session broker.Session, perSecond float64, burst int, recorder *metrics.Recorder, logger *slog.Logger) *outbound {
	return &outbound{
		session:  session,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		recorder: recorder,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

func (o *outbound) push(p *pending) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return types.ErrSessionClosed
	}
	o.queue = append(o.queue, p)
	depth := len(o.queue)
	o.mu.Unlock()

	o.recorder.RecordQueueDepth(depth)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// submit queues req and waits until it has been written or has failed.
func (o *outbound) submit(ctx context.Context, req broker.Request) error {
	p := &pending{ctx: ctx, req: req, done: make(chan error, 1)}
	if err := o.push(p); err != nil {
		return err
	}
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues req without waiting. Failures are logged.
func (o *outbound) enqueue(req broker.Request) {
	if err := o.push(&pending{ctx: context.Background(), req: req}); err != nil {
		o.logger.Debug("request dropped after shutdown", "kind", req.Kind.String(), "id", req.ID)
	}
}

func (o *outbound) pop() (*pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	p := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	o.recorder.RecordQueueDepth(len(o.queue))
	return p, true
}

// run drains the queue until ctx is done, then fails whatever is left.
func (o *outbound) run(ctx context.Context) {
	defer o.close()

	for {
		if ctx.Err() != nil {
			return
		}
		p, ok := o.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}

		if err := p.ctx.Err(); err != nil {
			p.finish(err)
			continue
		}

		if !o.limiter.Allow() {
			o.recorder.RecordThrottled()
			o.logger.Debug("outbound throttled", "kind", p.req.Kind.String(), "id", p.req.ID)
			if err := o.limiter.Wait(ctx); err != nil {
				p.finish(types.ErrSessionClosed)
				return
			}
		}

		err := o.session.SendRequest(p.ctx, p.req)
		o.recorder.RecordRequest(p.req.Kind.String(), err)
		if err != nil && p.done == nil {
			o.logger.Warn("outbound request failed", "kind", p.req.Kind.String(), "id", p.req.ID, "err", err)
		}
		p.finish(err)
	}
}

func (o *outbound) close() {
	o.mu.Lock()
	o.closed = true
	rest := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, p := range rest {
		p.finish(types.ErrSessionClosed)
	}
	o.recorder.RecordQueueDepth(0)
}

func (p *pending) finish(err error) {
	if p.done != nil {
		p.done <- err
	}
}

// depth returns the number of queued requests.
func (o *outbound) depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
