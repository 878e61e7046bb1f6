package fill

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/stretchr/testify/require"
)

type stubSource[V any] struct {
	t *testing.T

	mu     sync.Mutex
	calls  [][]string
	lookup func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error)
}

func newStubSource[V any](t *testing.T, lookup func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error)) *stubSource[V] {
	return &stubSource[V]{t: t, lookup: lookup}
}

func (s *stubSource[V]) Lookup(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	s.mu.Lock()
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	s.calls = append(s.calls, sorted)
	s.mu.Unlock()

	return s.lookup(ctx, keys)
}

func (s *stubSource[V]) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}

func staticLookup[V any](slots map[string]domain.Slot[V]) func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	return func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
		result := make(map[string]domain.Slot[V], len(keys))
		for _, key := range keys {
			if slot, ok := slots[key]; ok {
				result[key] = slot
			}
		}
		return result, nil
	}
}

func unreachableLookup[V any](t *testing.T) func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	return func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
		t.Helper()
		t.Errorf("lookup should not be called, got keys %v", keys)
		return nil, nil
	}
}

func failingLookup[V any](err error) func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	return func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
		return nil, err
	}
}

// blockingLookup blocks every lookup until release is closed and signals entered when called
func blockingLookup[V any](entered chan<- struct{}, release <-chan struct{}, slots map[string]domain.Slot[V]) func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	inner := staticLookup(slots)
	return func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
		entered <- struct{}{}
		<-release
		return inner(ctx, keys)
	}
}

func requireWoken(t *testing.T, w *Waiter) {
	t.Helper()
	select {
	case <-w.Wake():
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func requireNotWoken(t *testing.T, w *Waiter) {
	t.Helper()
	select {
	case <-w.Wake():
		t.Fatal("waiter was woken")
	default:
	}
}

func TestCoordinator(t *testing.T) {
	t.Parallel()

	t.Run("unseen keys are unresolved before any tick", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](newStubSource(t, unreachableLookup[int](t)))

		for _, key := range []string{"a", "b", ""} {
			require.Equal(t, domain.Unresolved[int](), c.Get(key))
		}
		require.Equal(t, 0, c.StoredKeys())
	})

	t.Run("empty tick is a no-op", func(t *testing.T) {
		t.Parallel()

		source := newStubSource(t, unreachableLookup[int](t))
		c := NewCoordinator[int](source)

		result := c.Tick(t.Context())
		require.Equal(t, TickResult{}, result)
		require.Empty(t, source.Calls())
	})

	t.Run("waiters on one key are coalesced into one lookup", func(t *testing.T) {
		t.Parallel()

		for _, waiterCount := range []int{1, 2, 10, 100} {
			source := newStubSource(t, staticLookup(map[string]domain.Slot[int]{"a": domain.Found(1)}))
			c := NewCoordinator[int](source)

			waiters := make([]*Waiter, waiterCount)
			for i := range waiters {
				waiters[i] = NewWaiter()
				c.Subscribe("a", waiters[i])
			}

			result := c.Tick(t.Context())
			require.NoError(t, result.Err)
			require.Equal(t, 1, result.Keys)
			require.Equal(t, 1, result.LookedUp)
			require.Equal(t, 1, result.Resolved)
			require.Equal(t, waiterCount, result.Dispatched)

			require.Equal(t, [][]string{{"a"}}, source.Calls())
			for _, w := range waiters {
				requireWoken(t, w)
				requireNotWoken(t, w)
			}
		}
	})

	t.Run("all pending keys are looked up in one batch", func(t *testing.T) {
		t.Parallel()

		source := newStubSource(t, staticLookup(map[string]domain.Slot[string]{
			"a": domain.Found("A"),
			"b": domain.NotFound[string](),
		}))
		c := NewCoordinator[string](source)

		for _, key := range []string{"a", "b", "c", "a"} {
			c.Subscribe(key, NewWaiter())
		}

		result := c.Tick(t.Context())
		require.NoError(t, result.Err)
		require.Equal(t, 3, result.Keys)
		require.Equal(t, 3, result.LookedUp)
		require.Equal(t, 2, result.Resolved)
		require.Equal(t, 4, result.Dispatched)

		require.Equal(t, [][]string{{"a", "b", "c"}}, source.Calls())
		require.Equal(t, domain.Found("A"), c.Get("a"))
		require.Equal(t, domain.NotFound[string](), c.Get("b"))
		require.Equal(t, domain.Unresolved[string](), c.Get("c"))
		require.Equal(t, 3, c.StoredKeys())
		require.Equal(t, 0, c.PendingKeys())
	})

	t.Run("subscribe is idempotent", func(t *testing.T) {
		t.Parallel()

		source := newStubSource(t, staticLookup(map[string]domain.Slot[int]{"a": domain.Found(1)}))
		c := NewCoordinator[int](source)
		w := NewWaiter()

		c.Subscribe("a", w)
		c.Subscribe("a", w)
		require.Equal(t, 1, c.PendingWaiters())

		result := c.Tick(t.Context())
		require.Equal(t, 1, result.Dispatched)
		requireWoken(t, w)
		requireNotWoken(t, w)
	})

	t.Run("subscribing to another key moves the waiter", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](newStubSource(t, staticLookup(map[string]domain.Slot[int]{})))
		w := NewWaiter()

		c.Subscribe("a", w)
		c.Subscribe("b", w)

		require.Equal(t, 0, c.pendingWaitersFor("a"))
		require.Equal(t, 1, c.pendingWaitersFor("b"))
		require.Equal(t, 1, c.PendingKeys())
	})

	t.Run("unsubscribe", func(t *testing.T) {
		t.Parallel()

		t.Run("twice is a no-op", func(t *testing.T) {
			t.Parallel()

			c := NewCoordinator[int](newStubSource(t, unreachableLookup[int](t)))
			w := NewWaiter()

			c.Subscribe("a", w)
			c.Unsubscribe("a", w)
			c.Unsubscribe("a", w)

			require.Equal(t, 0, c.PendingWaiters())
			require.Equal(t, 0, c.PendingKeys())

			result := c.Tick(t.Context())
			require.Equal(t, TickResult{}, result)
			requireNotWoken(t, w)
		})

		t.Run("never subscribed", func(t *testing.T) {
			t.Parallel()

			c := NewCoordinator[int](newStubSource(t, unreachableLookup[int](t)))
			c.Unsubscribe("a", NewWaiter())
			require.Equal(t, 0, c.PendingKeys())
		})

		t.Run("wrong key does not remove the waiter", func(t *testing.T) {
			t.Parallel()

			c := NewCoordinator[int](newStubSource(t, unreachableLookup[int](t)))
			w := NewWaiter()

			c.Subscribe("a", w)
			c.Unsubscribe("b", w)
			require.Equal(t, 1, c.pendingWaitersFor("a"))
		})

		t.Run("other waiters for the key are kept", func(t *testing.T) {
			t.Parallel()

			source := newStubSource(t, staticLookup(map[string]domain.Slot[int]{"a": domain.Found(1)}))
			c := NewCoordinator[int](source)
			w1 := NewWaiter()
			w2 := NewWaiter()
			w3 := NewWaiter()

			c.Subscribe("a", w1)
			c.Subscribe("a", w2)
			c.Subscribe("a", w3)

			c.Unsubscribe("a", w2)
			require.Equal(t, 2, c.pendingWaitersFor("a"))
			require.Equal(t, 1, c.PendingKeys())

			result := c.Tick(t.Context())
			require.Equal(t, 2, result.Dispatched)
			requireWoken(t, w1)
			requireNotWoken(t, w2)
			requireWoken(t, w3)
			require.Equal(t, [][]string{{"a"}}, source.Calls())
		})

		t.Run("removing the last waiter removes the key", func(t *testing.T) {
			t.Parallel()

			c := NewCoordinator[int](newStubSource(t, unreachableLookup[int](t)))
			w1 := NewWaiter()
			w2 := NewWaiter()

			c.Subscribe("a", w1)
			c.Subscribe("a", w2)
			c.Unsubscribe("a", w1)
			c.Unsubscribe("a", w2)

			require.Equal(t, 0, c.PendingKeys())
			require.Equal(t, TickResult{}, c.Tick(t.Context()))
		})
	})

	t.Run("not found is permanent", func(t *testing.T) {
		t.Parallel()

		source := newStubSource(t, staticLookup(map[string]domain.Slot[int]{"b": domain.NotFound[int]()}))
		c := NewCoordinator[int](source)

		c.Subscribe("b", NewWaiter())
		result := c.Tick(t.Context())
		require.Equal(t, 1, result.Resolved)
		require.Equal(t, domain.NotFound[int](), c.Get("b"))

		// A waiter that raced the resolution still gets dispatched, but no new lookup happens
		late := NewWaiter()
		c.Subscribe("b", late)
		result = c.Tick(t.Context())
		require.NoError(t, result.Err)
		require.Equal(t, 1, result.Keys)
		require.Equal(t, 0, result.LookedUp)
		require.Equal(t, 1, result.Dispatched)
		requireWoken(t, late)

		require.Equal(t, [][]string{{"b"}}, source.Calls())
		require.Equal(t, domain.NotFound[int](), c.Get("b"))
	})

	t.Run("found keys are not looked up again", func(t *testing.T) {
		t.Parallel()

		source := newStubSource(t, staticLookup(map[string]domain.Slot[int]{"a": domain.Found(42)}))
		c := NewCoordinator[int](source)

		c.Subscribe("a", NewWaiter())
		c.Tick(t.Context())

		c.Subscribe("a", NewWaiter())
		c.Subscribe("x", NewWaiter())
		result := c.Tick(t.Context())
		require.Equal(t, 2, result.Keys)
		require.Equal(t, 1, result.LookedUp)

		require.Equal(t, [][]string{{"a"}, {"x"}}, source.Calls())
	})

	t.Run("lookup failure leaves keys unresolved and still dispatches", func(t *testing.T) {
		t.Parallel()

		lookupErr := errors.New("backend down")
		source := newStubSource(t, failingLookup[int](lookupErr))
		c := NewCoordinator[int](source)
		w1 := NewWaiter()
		w2 := NewWaiter()

		c.Subscribe("c", w1)
		c.Subscribe("d", w2)

		result := c.Tick(t.Context())
		require.ErrorIs(t, result.Err, lookupErr)
		require.Equal(t, 0, result.Resolved)
		require.Equal(t, 2, result.Dispatched)
		requireWoken(t, w1)
		requireWoken(t, w2)

		require.Equal(t, domain.Unresolved[int](), c.Get("c"))
		require.Equal(t, domain.Unresolved[int](), c.Get("d"))
		require.Equal(t, 2, c.StoredKeys())

		// Waiters that subscribe again are retried on the next tick, keys without waiters are not
		c.Subscribe("c", w1)
		result = c.Tick(t.Context())
		require.ErrorIs(t, result.Err, lookupErr)
		require.Equal(t, [][]string{{"c", "d"}, {"c"}}, source.Calls())
	})

	t.Run("temporarily unavailable is contained", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](newStubSource(t, failingLookup[int](domain.ErrTemporarilyUnavailable)))
		w := NewWaiter()
		c.Subscribe("a", w)

		result := c.Tick(t.Context())
		require.ErrorIs(t, result.Err, domain.ErrTemporarilyUnavailable)
		requireWoken(t, w)
	})

	t.Run("results returned alongside an error are discarded", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](LookupFunc[int](func(ctx context.Context, keys []string) (map[string]domain.Slot[int], error) {
			return map[string]domain.Slot[int]{"a": domain.Found(1)}, errors.New("partial")
		}))
		c.Subscribe("a", NewWaiter())

		result := c.Tick(t.Context())
		require.Error(t, result.Err)
		require.Equal(t, domain.Unresolved[int](), c.Get("a"))
	})

	t.Run("panicking lookup is contained", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](LookupFunc[int](func(ctx context.Context, keys []string) (map[string]domain.Slot[int], error) {
			panic("boom")
		}))
		w := NewWaiter()
		c.Subscribe("a", w)

		var result TickResult
		require.NotPanics(t, func() {
			result = c.Tick(t.Context())
		})
		require.ErrorIs(t, result.Err, errLookupPanicked)
		require.Equal(t, 1, result.Dispatched)
		requireWoken(t, w)
		require.Equal(t, domain.Unresolved[int](), c.Get("a"))
	})

	t.Run("partial results", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](LookupFunc[int](func(ctx context.Context, keys []string) (map[string]domain.Slot[int], error) {
			return map[string]domain.Slot[int]{
				"a":         domain.Found(1),
				"b":         domain.Unresolved[int](),
				"unrelated": domain.Found(3),
			}, nil
		}))
		for _, key := range []string{"a", "b", "c"} {
			c.Subscribe(key, NewWaiter())
		}

		result := c.Tick(t.Context())
		require.NoError(t, result.Err)
		require.Equal(t, 1, result.Resolved)
		require.Equal(t, 3, result.Dispatched)

		require.Equal(t, domain.Found(1), c.Get("a"))
		require.Equal(t, domain.Unresolved[int](), c.Get("b"))
		require.Equal(t, domain.Unresolved[int](), c.Get("c"))
		require.Equal(t, domain.Unresolved[int](), c.Get("unrelated"))
		require.Equal(t, 3, c.StoredKeys())
	})

	t.Run("subscriptions during a tick go to the next tick", func(t *testing.T) {
		t.Parallel()

		entered := make(chan struct{}, 2)
		release := make(chan struct{})
		source := newStubSource(t, blockingLookup(entered, release, map[string]domain.Slot[int]{
			"a": domain.Found(1),
			"b": domain.Found(2),
		}))
		c := NewCoordinator[int](source)

		w1 := NewWaiter()
		c.Subscribe("a", w1)

		done := make(chan TickResult)
		go func() {
			done <- c.Tick(t.Context())
		}()
		<-entered

		// The lock is not held across the lookup
		w2 := NewWaiter()
		c.Subscribe("b", w2)
		w3 := NewWaiter()
		c.Subscribe("a", w3)
		require.Equal(t, domain.Unresolved[int](), c.Get("a"))
		require.Equal(t, 2, c.PendingKeys())

		close(release)
		result := <-done
		require.Equal(t, 1, result.Keys)
		require.Equal(t, 1, result.Dispatched)
		requireWoken(t, w1)
		requireNotWoken(t, w2)
		requireNotWoken(t, w3)

		result = c.Tick(t.Context())
		require.Equal(t, 2, result.Keys)
		require.Equal(t, 1, result.LookedUp)
		require.Equal(t, 2, result.Dispatched)
		requireWoken(t, w2)
		requireWoken(t, w3)

		require.Equal(t, [][]string{{"a"}, {"b"}}, source.Calls())
	})

	t.Run("unsubscribe after capture does not affect the in-flight tick", func(t *testing.T) {
		t.Parallel()

		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		c := NewCoordinator[int](newStubSource(t, blockingLookup(entered, release, map[string]domain.Slot[int]{"a": domain.Found(1)})))

		w := NewWaiter()
		c.Subscribe("a", w)

		done := make(chan TickResult)
		go func() {
			done <- c.Tick(t.Context())
		}()
		<-entered

		c.Unsubscribe("a", w)
		require.Equal(t, 0, c.PendingKeys())

		close(release)
		result := <-done
		require.Equal(t, 1, result.Dispatched)
		requireWoken(t, w)
	})

	t.Run("overlapping ticks are skipped", func(t *testing.T) {
		t.Parallel()

		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		c := NewCoordinator[int](newStubSource(t, blockingLookup(entered, release, map[string]domain.Slot[int]{})))
		c.Subscribe("a", NewWaiter())

		done := make(chan TickResult)
		go func() {
			done <- c.Tick(t.Context())
		}()
		<-entered

		c.Subscribe("b", NewWaiter())
		require.Equal(t, TickResult{Skipped: true}, c.Tick(t.Context()))
		require.Equal(t, 1, c.PendingKeys())

		close(release)
		result := <-done
		require.False(t, result.Skipped)
		require.Equal(t, 1, result.Dispatched)
	})

	t.Run("woken waiters may re-enter the coordinator", func(t *testing.T) {
		t.Parallel()

		c := NewCoordinator[int](newStubSource(t, staticLookup(map[string]domain.Slot[int]{})))
		waiters := make([]*Waiter, 20)
		for i := range waiters {
			waiters[i] = NewWaiter()
			c.Subscribe("a", waiters[i])
		}

		var wg sync.WaitGroup
		for _, w := range waiters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-w.Wake()
				c.Get("a")
				c.Subscribe("a", w)
			}()
		}

		result := c.Tick(t.Context())
		require.Equal(t, 20, result.Dispatched)
		wg.Wait()
		require.Equal(t, 20, c.pendingWaitersFor("a"))
	})
}

func TestWaiter(t *testing.T) {
	t.Parallel()

	t.Run("ids are unique", func(t *testing.T) {
		t.Parallel()

		require.NotEqual(t, NewWaiter().ID(), NewWaiter().ID())
		require.NotEmpty(t, NewWaiter().ID())
	})

	t.Run("dispatch never blocks", func(t *testing.T) {
		t.Parallel()

		w := NewWaiter()
		w.dispatch()
		w.dispatch()

		requireWoken(t, w)
		requireNotWoken(t, w)
	})
}
