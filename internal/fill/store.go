package fill

import (
	"github.com/Amund211/batchfill/internal/domain"
	"github.com/jellydator/ttlcache/v3"
)

// valueStore holds the resolved slot for every key a tick has seen.
//
// Entries never expire: a resolved slot short-circuits every later lookup.
type valueStore[V any] struct {
	cache *ttlcache.Cache[string, domain.Slot[V]]
}

func newValueStore[V any]() *valueStore[V] {
	return &valueStore[V]{
		cache: ttlcache.New[string, domain.Slot[V]](
			ttlcache.WithTTL[string, domain.Slot[V]](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, domain.Slot[V]](),
		),
	}
}

func (s *valueStore[V]) get(key string) domain.Slot[V] {
	item := s.cache.Get(key)
	if item == nil {
		return domain.Unresolved[V]()
	}
	return item.Value()
}

// seed stores Unresolved for unseen keys and returns the current slot
func (s *valueStore[V]) seed(key string) domain.Slot[V] {
	item, _ := s.cache.GetOrSet(key, domain.Unresolved[V]())
	return item.Value()
}

func (s *valueStore[V]) set(key string, slot domain.Slot[V]) {
	s.cache.Set(key, slot, ttlcache.NoTTL)
}

func (s *valueStore[V]) len() int {
	return s.cache.Len()
}
