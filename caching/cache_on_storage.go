package caching

import (
	"context"

	"github.com/dropbox/gomc/memcache"
)

// A storage implementation where a cache is layered on top of a storage.
// Reads are served from the cache and populated from the storage on a miss;
// writes go to the storage first and then to the cache.  This implementation
// DOES NOT ensure data consistency between cache and storage when writes
// race.
type CacheOnStorage struct {
	cache   Storage
	storage Storage

	// Expiration applied to items populated into the cache on a read miss.
	ttl uint32
}

// This returns a CacheOnStorage, which adds a cache layer on top of the
// storage.  Items copied into the cache on a read miss expire after ttl
// seconds (zero keeps the item's own expiration).
func NewCacheOnStorage(
	cache Storage,
	storage Storage,
	ttl uint32) Storage {

	return &CacheOnStorage{
		cache:   cache,
		storage: storage,
		ttl:     ttl,
	}
}

func (s *CacheOnStorage) populate(item *memcache.Item) *memcache.Item {
	copied := *item
	copied.DataVersionId = 0
	if s.ttl != 0 {
		copied.Expiration = s.ttl
	}
	return &copied
}

// See Storage for documentation.
func (s *CacheOnStorage) Get(
	ctx context.Context,
	key string) (*memcache.Item, error) {

	if item, err := s.cache.Get(ctx, key); err != nil {
		return nil, err
	} else if item != nil {
		return item, nil
	}

	item, err := s.storage.Get(ctx, key)
	if err != nil || item == nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, s.populate(item)); err != nil {
		return nil, err
	}
	return item, nil
}

// See Storage for documentation.
func (s *CacheOnStorage) GetMulti(
	ctx context.Context,
	keys ...string) ([]*memcache.Item, error) {

	results, err := s.cache.GetMulti(ctx, keys...)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(keys))
	uncachedKeys := make([]string, 0, len(keys))
	for i, item := range results {
		if item == nil {
			indices = append(indices, i)
			uncachedKeys = append(uncachedKeys, keys[i])
		}
	}

	if len(uncachedKeys) == 0 {
		return results, nil
	}

	uncachedItems, err := s.storage.GetMulti(ctx, uncachedKeys...)
	if err != nil {
		return nil, err
	}

	foundItems := make([]*memcache.Item, 0, len(uncachedItems))
	for _, item := range uncachedItems {
		if item != nil {
			foundItems = append(foundItems, s.populate(item))
		}
	}

	if len(foundItems) > 0 {
		if err := s.cache.SetMulti(ctx, foundItems...); err != nil {
			return nil, err
		}
	}

	for i, index := range indices {
		results[index] = uncachedItems[i]
	}

	return results, nil
}

// See Storage for documentation.
func (s *CacheOnStorage) Set(ctx context.Context, item *memcache.Item) error {
	if err := s.storage.Set(ctx, item); err != nil {
		return err
	}

	return s.cache.Set(ctx, item)
}

// See Storage for documentation.
func (s *CacheOnStorage) SetMulti(
	ctx context.Context,
	items ...*memcache.Item) error {

	if err := s.storage.SetMulti(ctx, items...); err != nil {
		return err
	}

	return s.cache.SetMulti(ctx, items...)
}

// See Storage for documentation.
func (s *CacheOnStorage) Delete(ctx context.Context, key string) error {
	if err := s.storage.Delete(ctx, key); err != nil {
		return err
	}

	return s.cache.Delete(ctx, key)
}

// See Storage for documentation.
func (s *CacheOnStorage) DeleteMulti(ctx context.Context, keys ...string) error {
	if err := s.storage.DeleteMulti(ctx, keys...); err != nil {
		return err
	}

	return s.cache.DeleteMulti(ctx, keys...)
}

// See Storage for documentation.
func (s *CacheOnStorage) Flush(ctx context.Context) error {
	if err := s.storage.Flush(ctx); err != nil {
		return err
	}

	return s.cache.Flush(ctx)
}
