package caching

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/gomc/container/lrucache"
	"github.com/dropbox/gomc/memcache"
	"github.com/dropbox/gomc/time2"
)

// Expirations above this many seconds are absolute unix timestamps, as in
// memcached.
const maxRelativeExpiration = 60 * 60 * 24 * 30

type lruEntry struct {
	item memcache.Item

	// Zero never expires.
	expiresAt time.Time
}

type lruStorage struct {
	clock time2.Clock

	// Gets reorder the LRU list, so reads are exclusive too.
	mu    sync.Mutex
	cache *lrucache.LRUCache[lruEntry]
}

func (s *lruStorage) expiresAt(expiration uint32) time.Time {
	switch {
	case expiration == 0:
		return time.Time{}
	case expiration > maxRelativeExpiration:
		return time.Unix(int64(expiration), 0)
	default:
		return s.clock.Now().Add(time.Duration(expiration) * time.Second)
	}
}

func (s *lruStorage) get(ctx context.Context, key string) (*memcache.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		s.cache.Delete(key)
		return nil, nil
	}
	return copyItem(entry.item), nil
}

func (s *lruStorage) set(ctx context.Context, item *memcache.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(item.Key, lruEntry{
		item:      *copyItem(*item),
		expiresAt: s.expiresAt(item.Expiration),
	})
	return nil
}

func (s *lruStorage) del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(key)
	return nil
}

func (s *lruStorage) flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Clear()
	return nil
}

// This returns an in-process storage holding at most maxItems items, the
// least recently used evicted first.  Item expirations are honored using
// clock (nil means the wall clock).  Layered over a memcache storage with
// NewCacheOnStorage, it serves as a near cache.
func NewLRUStorage(name string, maxItems int, clock time2.Clock) Storage {
	if clock == nil {
		clock = time2.DefaultClock
	}
	storage := &lruStorage{
		clock: clock,
		cache: lrucache.New[lruEntry](maxItems),
	}

	return NewGenericStorage(name, GenericStorageOptions{
		GetFunc:   storage.get,
		SetFunc:   storage.set,
		DelFunc:   storage.del,
		FlushFunc: storage.flush,
	})
}
