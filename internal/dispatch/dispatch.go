// Package dispatch fans normalized and derived events out to observers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tathienbao/ibrecon/internal/events"
)

// Observer receives events in emission order.
type Observer interface {
	OnEvent(ev events.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev events.Event)

// OnEvent calls f(ev).
func (f ObserverFunc) OnEvent(ev events.Event) { f(ev) }

// Only wraps obs so that it sees only the listed kinds.
func Only(obs Observer, kinds ...events.Kind) Observer {
	set := make(map[events.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return ObserverFunc(func(ev events.Event) {
		if _, ok := set[ev.Kind()]; ok {
			obs.OnEvent(ev)
		}
	})
}

// PanicHook is called with the recovered value when an observer panics.
type PanicHook func(kind events.Kind, recovered any)

type subscription struct {
	id  uint64
	obs Observer
}

// Dispatcher delivers each event to every subscriber sequentially on the
// caller's goroutine. A panicking observer is logged and skipped.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	logger  *slog.Logger
	onPanic PanicHook

	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatch")}
}

// OnPanic installs a hook run after an observer panic is recovered.
func (d *Dispatcher) OnPanic(hook PanicHook) {
	d.mu.Lock()
	d.onPanic = hook
	d.mu.Unlock()
}

// Subscribe registers obs and returns a function that removes it.
func (d *Dispatcher) Subscribe(obs Observer) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, obs: obs})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Publish delivers ev to every subscriber registered at call time.
func (d *Dispatcher) Publish(ev events.Event) {
	d.mu.RLock()
	subs := d.subs
	hook := d.onPanic
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(s.obs, ev, hook)
	}
}

// PublishAll delivers evs in order.
func (d *Dispatcher) PublishAll(evs []events.Event) {
	for _, ev := range evs {
		d.Publish(ev)
	}
}

func (d *Dispatcher) deliver(obs Observer, ev events.Event, hook PanicHook) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("observer panicked",
				"kind", ev.Kind().String(),
				"panic", fmt.Sprint(r),
			)
			if hook != nil {
				hook(ev.Kind(), r)
			}
		}
	}()
	obs.OnEvent(ev)
	d.delivered.Add(1)
}

// Stats returns delivery and panic counts.
func (d *Dispatcher) Stats() (delivered, panics int64) {
	return d.delivered.Load(), d.panics.Load()
}

// Stream subscribes a buffered channel and returns it. Events are dropped
// when the buffer is full. The channel is closed when ctx is done.
func (d *Dispatcher) Stream(ctx context.Context, buffer int) <-chan events.Event {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan events.Event, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := d.Subscribe(ObserverFunc(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			d.logger.Warn("stream buffer full, dropping event", "kind", ev.Kind().String())
		}
	}))

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch
}
