// Package feed hosts the process-scoped change-feed listener. The
// subscription is opened once per process lifetime; which handler consumes
// the events can change at any time without touching the subscription.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/remote"
)

// Handler consumes change events. It runs on the listener's goroutine and
// must not block for long.
type Handler func(remote.ChangeEvent)

// ErrAlreadyStarted indicates a second Start on the same listener.
var ErrAlreadyStarted = errors.New("feed: listener already started")

// Option configures a Listener.
type Option func(*Listener)

// WithDebounce batches events into fixed windows, collapsing repeated
// updates of the same row to the latest snapshot. Inserts and deletes are
// never dropped. Zero keeps the default synchronous forwarding.
func WithDebounce(window time.Duration) Option {
	return func(l *Listener) { l.debounce = window }
}

// Listener forwards change events from one table subscription to the
// current handler. The handler lives behind an atomic cell so a swap never
// tears down the subscription.
type Listener struct {
	sub      remote.Subscriber
	table    string
	logger   *slog.Logger
	debounce time.Duration

	handler atomic.Pointer[Handler]
	started atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   func()
	done   chan struct{}
}

// New constructs a Listener for one table.
func New(sub remote.Subscriber, table string, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{sub: sub, table: table, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetHandler swaps the event consumer. Safe at any time, including before
// Start; events arriving while no handler is set are dropped.
func (l *Listener) SetHandler(h Handler) {
	if h == nil {
		l.handler.Store(nil)
		return
	}
	l.handler.Store(&h)
}

// Start opens the single subscription and begins forwarding.
func (l *Listener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	events, stop, err := l.sub.Subscribe(runCtx, l.table)
	if err != nil {
		cancel()
		l.started.Store(false)
		return err
	}

	l.mu.Lock()
	l.cancel = cancel
	l.stop = stop
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		if l.debounce > 0 {
			l.runDebounced(runCtx, events)
			return
		}
		l.run(runCtx, events)
	}()
	return nil
}

// Stop tears the subscription down and waits for the pump to drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, stop, done := l.cancel, l.stop, l.done
	l.cancel, l.stop, l.done = nil, nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	stop()
	cancel()
	<-done
}

func (l *Listener) dispatch(evt remote.ChangeEvent) {
	h := l.handler.Load()
	if h == nil {
		return
	}
	(*h)(evt)
}

func (l *Listener) run(ctx context.Context, events <-chan remote.ChangeEvent) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					l.logger.Warn("change feed closed", slog.String("table", l.table))
				}
				return
			}
			l.dispatch(evt)
		case <-ctx.Done():
			return
		}
	}
}

// runDebounced collects events per window. Per-id latest-wins applies to
// consecutive updates only; inserts and deletes always flush in order.
func (l *Listener) runDebounced(ctx context.Context, events <-chan remote.ChangeEvent) {
	var (
		pending []remote.ChangeEvent
		updates map[uuid.UUID]int
	)
	reset := func() {
		pending = nil
		updates = make(map[uuid.UUID]int)
	}
	reset()

	flush := func() {
		for _, evt := range pending {
			l.dispatch(evt)
		}
		reset()
	}
	defer flush()

	ticker := time.NewTicker(l.debounce)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					l.logger.Warn("change feed closed", slog.String("table", l.table))
				}
				return
			}
			if evt.Type == remote.EventUpdate && evt.Row != nil {
				if idx, seen := updates[evt.Row.ID]; seen {
					pending[idx] = evt
					continue
				}
				updates[evt.Row.ID] = len(pending)
			}
			pending = append(pending, evt)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}
