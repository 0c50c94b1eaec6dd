// Package engine runs one gateway session: a single consumer goroutine that
// applies callbacks to the reconciled tables, a throttled FIFO writer,
// order-id allocation and reconnects. It is the caller-facing surface for
// orders, triggers, market data and queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/dispatch"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/metrics"
	"github.com/tathienbao/ibrecon/internal/normalizer"
	"github.com/tathienbao/ibrecon/internal/persistence"
	"github.com/tathienbao/ibrecon/internal/reconciler"
	"github.com/tathienbao/ibrecon/internal/registry"
	"github.com/tathienbao/ibrecon/internal/trigger"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Gateway codes that fail a pending contract-details request.
var contractErrorCodes = map[int]bool{200: true, 203: true, 321: true}

// Engine coordinates the session components.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	session    broker.Session
	registry   *registry.Registry
	normalizer *normalizer.Normalizer
	reconciler *reconciler.Reconciler
	triggers   *trigger.Engine
	dispatcher *dispatch.Dispatcher
	recorder   *metrics.Recorder
	out        *outbound
	ids        *idAllocator
	inject     chan events.Event
	reqSeq     atomic.Int64

	// State
	mu           sync.RWMutex
	running      bool
	stopped      bool
	reconnecting bool
	marketData   map[int64]broker.Request // active subscriptions by ticker id
	depth        map[int64]broker.Request
	waiters      map[int64][]chan error // contract-details waiters by ticker id

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine over session. store may be nil, in which case
// order ids are cached in memory only.
func New(cfg Config, session broker.Session, store persistence.OrderIDStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		session:    session,
		normalizer: normalizer.New(logger),
		dispatcher: dispatch.New(logger),
		recorder:   metrics.NewRecorder(),
		inject:     make(chan events.Event, cfg.InjectBuffer),
		marketData: make(map[int64]broker.Request),
		depth:      make(map[int64]broker.Request),
		waiters:    make(map[int64][]chan error),
		done:       make(chan struct{}),
	}
	e.reqSeq.Store(1 << 20)
	e.runCtx, e.cancel = context.WithCancel(context.Background())

	e.registry = registry.New(registry.SchedulerFunc(e.scheduleContractDetails), logger,
		registry.WithDefaultTickSize(cfg.DefaultTickSize))
	e.reconciler = reconciler.New(e.registry, logger)
	e.triggers = trigger.NewEngine(e.reconciler, logger)
	e.out = newOutbound(session, cfg.MaxRequestsPerSecond, cfg.Burst, e.recorder, e.logger)
	e.ids = newIDAllocator(store, cfg.ClientID, cfg.IDTimeout, func(ctx context.Context) error {
		return e.out.submit(ctx, nextIDRequest())
	}, e.logger)

	e.dispatcher.OnPanic(func(kind events.Kind, _ any) {
		e.recorder.RecordObserverPanic(kind.String())
	})

	return e
}

// Start connects the session, starts the consumer and writer goroutines
// and requests the initial account, position, order and execution
// snapshots.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return types.ErrSessionClosed
	}
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.ids.load(ctx); err != nil {
		e.logger.Warn("order id cache unavailable", "err", err)
	}

	if err := e.connect(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}
	e.reconciler.SetConnected(true)
	e.recorder.RecordConnection(true)

	e.wg.Add(2)
	go e.consumeLoop()
	go func() {
		defer e.wg.Done()
		e.out.run(e.runCtx)
	}()

	if err := e.bootstrap(ctx); err != nil {
		e.logger.Warn("initial snapshot requests failed", "err", err)
	}

	e.logger.Info("engine started",
		"host", e.cfg.Host,
		"port", e.cfg.Port,
		"client_id", e.cfg.ClientID,
		"account", e.cfg.Account,
	)
	return nil
}

// Stop disconnects the session and waits for background work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()

	e.logger.Info("stopping engine")

	e.cancel()
	close(e.done)
	disconnectErr := e.session.Disconnect()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("stop engine: %w", ctx.Err())
	}

	e.mu.Lock()
	for reqID := range e.waiters {
		e.releaseLocked(reqID, types.ErrSessionClosed)
	}
	e.mu.Unlock()

	e.reconciler.SetConnected(false)
	e.recorder.RecordConnection(false)
	e.logger.Info("engine stopped")
	return disconnectErr
}

// IsRunning returns true if engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// OnEvent subscribes obs to every delivered event and returns its
// unsubscribe function.
func (e *Engine) OnEvent(obs dispatch.Observer) (unsubscribe func()) {
	return e.dispatcher.Subscribe(obs)
}

// Stream returns a channel of delivered events that closes when ctx is
// done. Events are dropped when the channel is full.
func (e *Engine) Stream(ctx context.Context, buffer int) <-chan events.Event {
	return e.dispatcher.Stream(ctx, buffer)
}

func (e *Engine) checkRunning() error {
	if !e.IsRunning() {
		return types.ErrSessionClosed
	}
	return nil
}

// goBackground runs fn on a tracked goroutine unless the engine is
// stopping.
func (e *Engine) goBackground(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.runCtx)
	}()
	return true
}

// injectEvent feeds a locally produced event through the consumer. It must
// not be called from the consumer goroutine.
func (e *Engine) injectEvent(ev events.Event) {
	select {
	case e.inject <- ev:
	case <-e.runCtx.Done():
	}
}

func (e *Engine) nextReqID() int64 {
	return e.reqSeq.Add(1)
}

func (e *Engine) scheduleContractDetails(reqID int64, c broker.Contract) {
	e.out.enqueue(broker.Request{Kind: broker.RequestContractDetails, ID: reqID, Contract: c})
}

// consumeLoop is the single writer of the reconciled tables.
func (e *Engine) consumeLoop() {
	defer e.wg.Done()

	e.logger.Info("consumer loop started")
	callbacks := e.session.Events()

	for {
		select {
		case <-e.done:
			e.logger.Info("consumer loop stopped: shutdown requested")
			return
		case cb := <-callbacks:
			e.handleCallback(cb)
		case ev := <-e.inject:
			e.process(ev)
		}
	}
}

func (e *Engine) handleCallback(cb broker.RawCallback) {
	evs, err := e.normalizer.Normalize(cb)
	if err != nil {
		e.recorder.RecordProtocolError()
		e.logger.Warn("dropping malformed callback", "msg_id", cb.MsgID, "err", err)

		at := cb.Received
		if at.IsZero() {
			at = time.Now()
		}
		e.process(&events.ErrorOccurred{Header: events.Header{At: at}, Message: err.Error(), Err: err})
		return
	}
	for _, ev := range evs {
		e.process(ev)
	}
}

// process applies one event and delivers the result to observers.
func (e *Engine) process(ev events.Event) {
	timer := metrics.NewTimer()

	switch ev := ev.(type) {
	case *events.NextValidID:
		e.ids.observe(ev.OrderID)
	case *events.ConnectionLost:
		e.onConnectionLost(ev)
	}

	out := e.reconciler.Apply(ev)

	triggersTouched := false
	for _, o := range out {
		switch o := o.(type) {
		case *events.TickUpdate:
			if o.Field == events.FieldLast && o.Symbol != "" {
				for _, a := range e.triggers.OnTick(o.Symbol, o.Value) {
					e.fire(a)
					triggersTouched = true
				}
			}
		case *events.OrderStatusChanged:
			e.triggers.OnOrderStatus(o.OrderID, o.Status)
			e.recorder.RecordOrderStatus(o.Status.String())
			triggersTouched = true
		case *events.ContractDetailsEnd:
			e.release(o.ReqID, nil)
		case *events.ErrorOccurred:
			if o.Code != 0 {
				e.recorder.RecordGatewayError(o.Code)
			}
			if contractErrorCodes[o.Code] {
				e.release(o.ReqID, o.Err)
			}
		case *events.ConnectionRestored:
			e.recorder.RecordConnection(true)
			if o.Code == normalizer.CodeConnectivityRestoredDataLost {
				e.goBackground(func(ctx context.Context) {
					if err := e.resubscribe(ctx); err != nil {
						e.logger.Warn("resubscribe after data loss failed", "err", err)
					}
				})
			}
		case *events.TriggerFired:
			triggersTouched = true
		}
	}

	e.dispatcher.PublishAll(out)

	elapsed := timer.Elapsed()
	for _, o := range out {
		e.recorder.RecordEvent(o.Kind().String(), elapsed)
	}
	if triggersTouched {
		e.recordTriggers()
	}
}

func (e *Engine) recordTriggers() {
	counts := make(map[string]int)
	for state, n := range e.triggers.Counts() {
		counts[state.String()] = n
	}
	e.recorder.RecordTriggers(counts)
}

func (e *Engine) onConnectionLost(ev *events.ConnectionLost) {
	e.recorder.RecordConnection(false)

	// Gateway-side outages (1100 and friends) keep the socket up; the
	// gateway reports the restore itself.
	if ev.Code != 0 && e.session.State() == broker.StateConnected {
		return
	}
	e.startReconnect()
}

// bootstrap requests every snapshot the gateway does not replay after a
// (re)connect.
func (e *Engine) bootstrap(ctx context.Context) error {
	reqs := []broker.Request{
		{Kind: broker.RequestPositions},
		{Kind: broker.RequestAccountUpdates, Subscribe: true, Account: e.cfg.Account},
		{Kind: broker.RequestOpenOrders},
		{Kind: broker.RequestExecutions, ID: e.nextReqID()},
		nextIDRequest(),
	}

	var errs []error
	for _, req := range reqs {
		if err := e.out.submit(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", req.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// resubscribe repeats every active market-data and depth subscription.
func (e *Engine) resubscribe(ctx context.Context) error {
	e.mu.RLock()
	reqs := make([]broker.Request, 0, len(e.marketData)+len(e.depth))
	for _, req := range e.marketData {
		reqs = append(reqs, req)
	}
	for _, req := range e.depth {
		reqs = append(reqs, req)
	}
	e.mu.RUnlock()

	var errs []error
	for _, req := range reqs {
		if err := e.out.submit(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("%s %d: %w", req.Kind, req.ID, err))
		}
	}
	if len(reqs) > 0 {
		e.logger.Info("subscriptions restored", "count", len(reqs))
	}
	return errors.Join(errs...)
}
