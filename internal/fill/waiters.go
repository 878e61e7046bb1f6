package fill

import "github.com/google/uuid"

// Waiter identifies one suspended caller.
//
// A Waiter is woken at most once per tick that captured it. It belongs to a
// single Coordinator at a time.
type Waiter struct {
	id   string
	wake chan struct{}

	// Guarded by the owning coordinator's mutex
	pending *pendingSet
	key     string
}

func NewWaiter() *Waiter {
	return &Waiter{
		id:   uuid.NewString(),
		wake: make(chan struct{}, 1),
	}
}

func (w *Waiter) ID() string {
	return w.id
}

// Wake receives once for every tick that dispatched this waiter
func (w *Waiter) Wake() <-chan struct{} {
	return w.wake
}

func (w *Waiter) dispatch() {
	select {
	case w.wake <- struct{}{}:
	default:
		// A wake is already queued and nobody consumed it (the caller went away)
	}
}

// pendingSet maps keys to the waiters awaiting the next fill of that key
type pendingSet struct {
	waiters map[string]map[*Waiter]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		waiters: make(map[string]map[*Waiter]struct{}),
	}
}

func (p *pendingSet) add(key string, w *Waiter) bool {
	set, ok := p.waiters[key]
	if !ok {
		set = make(map[*Waiter]struct{})
		p.waiters[key] = set
	}

	if _, ok := set[w]; ok {
		return false
	}
	set[w] = struct{}{}
	return true
}

// remove drops a single waiter and only deletes the key once no waiters remain
func (p *pendingSet) remove(key string, w *Waiter) bool {
	set, ok := p.waiters[key]
	if !ok {
		return false
	}

	if _, ok := set[w]; !ok {
		return false
	}
	delete(set, w)

	if len(set) == 0 {
		delete(p.waiters, key)
	}
	return true
}

func (p *pendingSet) isEmpty() bool {
	return len(p.waiters) == 0
}

func (p *pendingSet) keyCount() int {
	return len(p.waiters)
}

func (p *pendingSet) waitersFor(key string) int {
	return len(p.waiters[key])
}

func (p *pendingSet) waiterCount() int {
	count := 0
	for _, set := range p.waiters {
		count += len(set)
	}
	return count
}

// dispatchAll wakes every waiter in the set once, in no particular order
func (p *pendingSet) dispatchAll() int {
	dispatched := 0
	for _, set := range p.waiters {
		for w := range set {
			w.dispatch()
			dispatched++
		}
	}
	return dispatched
}
