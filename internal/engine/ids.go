package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/metrics"
	"github.com/tathienbao/ibrecon/internal/persistence"
)

// idAllocator hands out order ids. Every allocation asks the gateway for a
// fresh next id and waits for an answer newer than the request, so ids
// never collide with other sessions on the same account. Concurrent
// allocations served by the same answer still get distinct ids because
// each one takes at least last issued + 1.
type idAllocator struct {
	store    persistence.OrderIDStore
	clientID int
	timeout  time.Duration
	request  func(ctx context.Context) error
	logger   *slog.Logger

	mu          sync.Mutex
	gatewayNext int64
	lastIssued  int64
	persisted   int64
	seq         uint64
	changed     chan struct{}
}

func newIDAllocator(store persistence.OrderIDStore, clientID int, timeout time.Duration, request func(context.Context) error, logger *slog.Logger) *idAllocator {
	return &idAllocator{
		store:    store,
		clientID: clientID,
		timeout:  timeout,
		request:  request,
		logger:   logger,
		changed:  make(chan struct{}),
	}
}

// load reads the persisted id. A missing value means start from the
// gateway's base.
func (a *idAllocator) load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	id, ok, err := a.store.LoadLastOrderID(ctx, a.clientID)
	if err != nil {
		return fmt.Errorf("load last order id: %w", err)
	}
	if !ok {
		return nil
	}

	a.mu.Lock()
	a.persisted = id
	a.mu.Unlock()

	a.logger.Info("order id cache loaded", "client_id", a.clientID, "last_order_id", id)
	return nil
}

// observe records a NextValidID answer and wakes waiting allocations.
func (a *idAllocator) observe(id int64) {
	a.mu.Lock()
	if id > a.gatewayNext {
		a.gatewayNext = id
	}
	a.seq++
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

// next allocates one order id.
func (a *idAllocator) next(ctx context.Context) (int64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()

	a.mu.Lock()
	seq := a.seq
	wait := a.changed
	a.mu.Unlock()

	if err := a.request(ctx); err != nil {
		return 0, fmt.Errorf("request next order id: %w", err)
	}

	for {
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, fmt.Errorf("wait for next order id: %w", ctx.Err())
		}

		a.mu.Lock()
		if a.seq == seq {
			wait = a.changed
			a.mu.Unlock()
			continue
		}
		id := max(a.gatewayNext, a.lastIssued+1, a.persisted+1)
		a.lastIssued = id
		a.mu.Unlock()

		timer.ObserveOrderID()
		a.save(ctx, id)
		return id, nil
	}
}

// peek returns the id the next allocation would use if the gateway had no
// newer answer.
func (a *idAllocator) peek() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return max(a.gatewayNext, a.lastIssued+1, a.persisted+1)
}

func (a *idAllocator) save(ctx context.Context, id int64) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveLastOrderID(ctx, a.clientID, id); err != nil {
		a.logger.Warn("failed to persist order id", "order_id", id, "err", err)
		return
	}

	a.mu.Lock()
	if id > a.persisted {
		a.persisted = id
	}
	a.mu.Unlock()
}

func nextIDRequest() broker.Request {
	return broker.Request{Kind: broker.RequestNextIDs}
}
