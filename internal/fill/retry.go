package fill

import (
	"context"
	"fmt"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/logging"
)

type requestState int

const (
	stateInit requestState = iota
	stateAwaitingFill
	stateResolved
	stateFailed
	stateTimedOut
	stateCancelled
)

func (s requestState) terminal() bool {
	return s != stateInit && s != stateAwaitingFill
}

// retryLoop waits for a single key through at most budget fill ticks
type retryLoop[V any] struct {
	coordinator *Coordinator[V]
	key         string
	remaining   int
	waiter      *Waiter

	state requestState
	value V
}

func newRetryLoop[V any](coordinator *Coordinator[V], key string, budget int) *retryLoop[V] {
	return &retryLoop[V]{
		coordinator: coordinator,
		key:         key,
		remaining:   max(budget, 0),
		waiter:      NewWaiter(),
		state:       stateInit,
	}
}

// Await returns the value for key, waiting through at most budget fills.
//
// Returns domain.ErrNotFound if the lookup source reported the key missing,
// and domain.ErrTimedOut if the key was still unresolved after budget fills.
// If ctx ends while waiting the subscription is removed and ctx.Err() is wrapped.
func Await[V any](ctx context.Context, coordinator *Coordinator[V], key string, budget int) (V, error) {
	loop := newRetryLoop(coordinator, key, budget)
	for !loop.state.terminal() {
		loop.step(ctx)
	}
	return loop.outcome(ctx)
}

func (l *retryLoop[V]) step(ctx context.Context) {
	switch l.state {
	case stateInit:
		l.check(ctx)
	case stateAwaitingFill:
		select {
		case <-l.waiter.Wake():
			l.onWake()
		case <-ctx.Done():
			l.cancel(ctx)
		}
	}
}

func (l *retryLoop[V]) check(ctx context.Context) {
	logger := logging.FromContext(ctx)

	if ctx.Err() != nil {
		l.state = stateCancelled
		return
	}

	slot := l.coordinator.Get(l.key)
	switch slot.State() {
	case domain.SlotFound:
		logger.InfoContext(ctx, "Getting value", "cache", "hit")
		l.value, _ = slot.Value()
		l.state = stateResolved
	case domain.SlotNotFound:
		logger.InfoContext(ctx, "Getting value", "cache", "hit", "found", false)
		l.state = stateFailed
	default:
		if l.remaining == 0 {
			logger.InfoContext(ctx, "Giving up on cache fill", "key", l.key)
			l.state = stateTimedOut
			return
		}
		l.remaining--

		logger.InfoContext(ctx, "Waiting for cache", "cache", "miss", "remaining", l.remaining, "waiter", l.waiter.ID())
		l.coordinator.Subscribe(l.key, l.waiter)
		l.state = stateAwaitingFill
	}
}

func (l *retryLoop[V]) onWake() {
	// Dispatches that arrive after the loop has moved on are ignored
	if l.state != stateAwaitingFill {
		return
	}
	l.state = stateInit
}

func (l *retryLoop[V]) cancel(ctx context.Context) {
	if l.state != stateAwaitingFill {
		return
	}

	logging.FromContext(ctx).InfoContext(ctx, "Removing pending waiter", "key", l.key, "waiter", l.waiter.ID())
	l.coordinator.Unsubscribe(l.key, l.waiter)
	l.state = stateCancelled
}

func (l *retryLoop[V]) outcome(ctx context.Context) (V, error) {
	var empty V
	switch l.state {
	case stateResolved:
		return l.value, nil
	case stateFailed:
		return empty, domain.ErrNotFound
	case stateTimedOut:
		return empty, domain.ErrTimedOut
	case stateCancelled:
		return empty, fmt.Errorf("stopped waiting for cache fill: %w", context.Cause(ctx))
	}
	panic(fmt.Sprintf("logic error: outcome requested in non-terminal state %d", l.state))
}
