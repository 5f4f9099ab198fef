package caching

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/dropbox/gomc/memcache"
)

// A storage implementation which limits the maximum number of concurrent
// operations.  Waiting for a slot honors the context.
type RateLimitedStorage struct {
	sem     *semaphore.Weighted
	storage Storage
}

// This returns a RateLimitedStorage.  This is useful for cases where
// high concurrent load may degrade the underlying storage's performance.
// NOTE: when maxConcurrency is non-positive, the original storage is returned
// (i.e., the storage is not rate limited).
func NewRateLimitedStorage(storage Storage, maxConcurrency int) Storage {
	if maxConcurrency < 1 {
		return storage
	}

	return &RateLimitedStorage{
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		storage: storage,
	}
}

func (s *RateLimitedStorage) do(ctx context.Context, op func() error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	return op()
}

// See Storage for documentation.
func (s *RateLimitedStorage) Get(
	ctx context.Context,
	key string) (item *memcache.Item, err error) {

	err = s.do(ctx, func() (opErr error) {
		item, opErr = s.storage.Get(ctx, key)
		return opErr
	})
	return item, err
}

// See Storage for documentation.
func (s *RateLimitedStorage) GetMulti(
	ctx context.Context,
	keys ...string) (items []*memcache.Item, err error) {

	err = s.do(ctx, func() (opErr error) {
		items, opErr = s.storage.GetMulti(ctx, keys...)
		return opErr
	})
	return items, err
}

// See Storage for documentation.
func (s *RateLimitedStorage) Set(ctx context.Context, item *memcache.Item) error {
	return s.do(ctx, func() error { return s.storage.Set(ctx, item) })
}

// See Storage for documentation.
func (s *RateLimitedStorage) SetMulti(
	ctx context.Context,
	items ...*memcache.Item) error {

	return s.do(ctx, func() error { return s.storage.SetMulti(ctx, items...) })
}

// See Storage for documentation.
func (s *RateLimitedStorage) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func() error { return s.storage.Delete(ctx, key) })
}

// See Storage for documentation.
func (s *RateLimitedStorage) DeleteMulti(ctx context.Context, keys ...string) error {
	return s.do(ctx, func() error { return s.storage.DeleteMulti(ctx, keys...) })
}

// See Storage for documentation.
func (s *RateLimitedStorage) Flush(ctx context.Context) error {
	return s.do(ctx, func() error { return s.storage.Flush(ctx) })
}
