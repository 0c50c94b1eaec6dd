package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	rc := e.cfg.Reconnect

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = rc.MaxElapsed
	b.Reset()

	var bo backoff.BackOff = b
	if rc.MaxTries > 0 {
		bo = backoff.WithMaxRetries(bo, rc.MaxTries)
	}
	return backoff.WithContext(bo, ctx)
}

// connect performs the initial connect, retrying with backoff when
// reconnects are enabled.
func (e *Engine) connect(ctx context.Context) error {
	params := e.cfg.params()

	if !e.cfg.Reconnect.Enabled {
		if err := e.session.Connect(ctx, params); err != nil {
			return fmt.Errorf("connect gateway: %w", err)
		}
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		return e.session.Connect(ctx, params)
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("connect failed, retrying",
			"attempt", attempt,
			"retry_in", wait.String(),
			"err", err,
		)
	}
	if err := backoff.RetryNotify(op, e.newBackOff(ctx), notify); err != nil {
		return fmt.Errorf("connect gateway after %d attempts: %w", attempt, err)
	}
	return nil
}

func (e *Engine) startReconnect() {
	if !e.cfg.Reconnect.Enabled {
		e.logger.Warn("connection lost, reconnect disabled")
		return
	}

	e.mu.Lock()
	if e.reconnecting || !e.running {
		e.mu.Unlock()
		return
	}
	e.reconnecting = true
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.reconnectLoop(e.runCtx)
	}()
}

// reconnectLoop reconnects with backoff, then injects ConnectionRestored and
// repeats every snapshot request and subscription.
func (e *Engine) reconnectLoop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.reconnecting = false
		e.mu.Unlock()
	}()

	e.logger.Info("reconnect started")

	attempt := 0
	op := func() error {
		attempt++
		e.recorder.RecordReconnectAttempt()
		if e.session.State() == broker.StateConnected {
			return nil
		}
		return e.session.Connect(ctx, e.cfg.params())
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("reconnect failed",
			"attempt", attempt,
			"retry_in", wait.String(),
			"err", err,
		)
	}

	if err := backoff.RetryNotify(op, e.newBackOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("reconnect abandoned", "attempts", attempt, "err", err)
		e.injectEvent(&events.ErrorOccurred{
			Header:  events.Header{At: time.Now()},
			ReqID:   -1,
			Message: "reconnect abandoned",
			Err:     fmt.Errorf("%w: reconnect abandoned after %d attempts: %v", types.ErrConnection, attempt, err),
		})
		return
	}

	e.logger.Info("gateway reconnected", "attempts", attempt)
	e.injectEvent(&events.ConnectionRestored{Header: events.Header{At: time.Now()}, DataLost: true})

	if err := e.bootstrap(ctx); err != nil {
		e.logger.Warn("snapshot requests after reconnect failed", "err", err)
	}
	if err := e.resubscribe(ctx); err != nil {
		e.logger.Warn("resubscribe after reconnect failed", "err", err)
	}
}
