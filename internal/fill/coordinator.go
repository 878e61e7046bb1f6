package fill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/logging"
	"github.com/Amund211/batchfill/internal/reporting"
)

var errLookupPanicked = errors.New("lookup source panicked")

type LookupSource[V any] interface {
	// Lookup resolves a batch of keys in one call.
	//
	// Keys missing from the result (or mapped to an unresolved slot) stay
	// unresolved. A non-nil error means none of the keys were resolved.
	//
	// Returns domain.ErrTemporarilyUnavailable for failures believed to be intermittent.
	Lookup(ctx context.Context, keys []string) (map[string]domain.Slot[V], error)
}

type LookupFunc[V any] func(ctx context.Context, keys []string) (map[string]domain.Slot[V], error)

func (f LookupFunc[V]) Lookup(ctx context.Context, keys []string) (map[string]domain.Slot[V], error) {
	return f(ctx, keys)
}

// TickResult summarises one fill pass
type TickResult struct {
	Keys       int
	LookedUp   int
	Resolved   int
	Dispatched int
	Skipped    bool
	Err        error
}

// Coordinator coalesces concurrent lookups of the same key into periodic batch fills.
//
// Callers read with Get and register for the next fill with Subscribe. Tick
// is driven externally (see Driver) and must not be called concurrently;
// overlapping calls are skipped.
type Coordinator[V any] struct {
	source LookupSource[V]

	mu      sync.Mutex
	store   *valueStore[V]
	pending *pendingSet

	ticking atomic.Bool
}

func NewCoordinator[V any](source LookupSource[V]) *Coordinator[V] {
	return &Coordinator[V]{
		source:  source,
		store:   newValueStore[V](),
		pending: newPendingSet(),
	}
}

func (c *Coordinator[V]) Get(key string) domain.Slot[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.get(key)
}

// Subscribe registers w for the next fill of key. Subscribing twice is a no-op.
//
// A waiter pending under a different key is moved to key.
func (c *Coordinator[V]) Subscribe(key string, w *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.pending == c.pending && w.key != key {
		c.pending.remove(w.key, w)
	}

	c.pending.add(key, w)
	w.pending = c.pending
	w.key = key
}

// Unsubscribe removes w from the waiters of key.
//
// Only w is removed: the key stays pending for its other waiters. Removing a
// waiter that is absent or was already captured by a tick is a no-op.
//
// NOTE: This deliberately differs from dropping the whole key entry, which
// would strand every other caller waiting on the same key.
func (c *Coordinator[V]) Unsubscribe(key string, w *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pending.remove(key, w) {
		return
	}

	if w.pending == c.pending && w.key == key {
		w.pending = nil
		w.key = ""
	}
}

func (c *Coordinator[V]) PendingKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending.keyCount()
}

func (c *Coordinator[V]) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending.waiterCount()
}

func (c *Coordinator[V]) StoredKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.len()
}

func (c *Coordinator[V]) pendingWaitersFor(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending.waitersFor(key)
}

// Tick runs one fill pass over every key with pending waiters.
//
// Failures are contained: they are logged, reported and returned in the
// result, and every captured waiter is dispatched regardless.
func (c *Coordinator[V]) Tick(ctx context.Context) TickResult {
	logger := logging.FromContext(ctx)

	if !c.ticking.CompareAndSwap(false, true) {
		logger.WarnContext(ctx, "Skipping tick: previous tick still running")
		return TickResult{Skipped: true}
	}
	defer c.ticking.Store(false)

	snapshot, lookupKeys := c.takeSnapshot()
	if snapshot == nil {
		return TickResult{}
	}

	result := TickResult{
		Keys:     snapshot.keyCount(),
		LookedUp: len(lookupKeys),
	}

	if len(lookupKeys) > 0 {
		start := time.Now()
		slots, err := c.lookup(ctx, lookupKeys)
		recordLookup(ctx, len(lookupKeys), time.Since(start), err)

		if err != nil {
			result.Err = fmt.Errorf("failed to look up %d keys: %w", len(lookupKeys), err)
			logger.ErrorContext(ctx, "Lookup failed", "keys", len(lookupKeys), "error", err.Error())
			if shouldReport(err) {
				reporting.Report(ctx, result.Err)
			}
		} else {
			result.Resolved = c.storeResults(lookupKeys, slots)
		}
	}

	// Dispatch outside the lock: woken callers re-enter the coordinator immediately
	result.Dispatched = snapshot.dispatchAll()
	recordTick(ctx, result)

	logger.InfoContext(ctx, "Filled pending keys",
		"keys", result.Keys,
		"lookedUp", result.LookedUp,
		"resolved", result.Resolved,
		"dispatched", result.Dispatched,
	)

	return result
}

// takeSnapshot swaps in a fresh pending set and seeds unseen keys.
//
// Returns a nil snapshot if nothing is pending. Keys that are already
// resolved are not returned for lookup, but their waiters stay in the snapshot.
func (c *Coordinator[V]) takeSnapshot() (*pendingSet, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.isEmpty() {
		return nil, nil
	}

	snapshot := c.pending
	c.pending = newPendingSet()

	lookupKeys := make([]string, 0, snapshot.keyCount())
	for key := range snapshot.waiters {
		if c.store.seed(key).IsResolved() {
			continue
		}
		lookupKeys = append(lookupKeys, key)
	}

	return snapshot, lookupKeys
}

func (c *Coordinator[V]) lookup(ctx context.Context, keys []string) (slots map[string]domain.Slot[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			slots = nil
			err = fmt.Errorf("%w: %v", errLookupPanicked, r)
		}
	}()

	return c.source.Lookup(ctx, keys)
}

func (c *Coordinator[V]) storeResults(keys []string, slots map[string]domain.Slot[V]) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved := 0
	for _, key := range keys {
		slot, ok := slots[key]
		if !ok || !slot.IsResolved() {
			continue
		}
		c.store.set(key, slot)
		resolved++
	}
	return resolved
}

func shouldReport(err error) bool {
	return !errors.Is(err, domain.ErrTemporarilyUnavailable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
