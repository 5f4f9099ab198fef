package caching

import (
	"context"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/memcache"
)

// MemcacheStorageOptions controls how a memcache backed storage writes.
type MemcacheStorageOptions struct {
	// Applied to items stored with a zero Expiration.
	DefaultExpiration uint32

	// When set, Set/SetMulti/Delete/DeleteMulti do not wait for the servers'
	// replies.  Errors other than client side errors are lost.
	NoReply bool

	// Delay passed to the servers' flush_all.
	FlushDelay uint32
}

type memcacheStorage struct {
	client  memcache.Client
	options MemcacheStorageOptions
}

// This returns a Storage on top of a memcache client.  Gets always fetch the
// data version id, so the returned items can be used for Cas.
func NewMemcacheStorage(
	name string,
	client memcache.Client,
	options MemcacheStorageOptions) Storage {

	storage := &memcacheStorage{
		client:  client,
		options: options,
	}

	return NewGenericStorage(name, GenericStorageOptions{
		GetMultiFunc: storage.getMulti,
		SetFunc:      storage.set,
		SetMultiFunc: storage.setMulti,
		DelFunc:      storage.del,
		DelMultiFunc: storage.delMulti,
		FlushFunc:    storage.flush,
	})
}

func toItem(resp memcache.GetResponse) (*memcache.Item, error) {
	if err := resp.Error(); err != nil {
		return nil, errors.Wrapf(err, "Failed to get %s", resp.Key())
	}
	if resp.Status() == memcache.StatusKeyNotFound {
		return nil, nil
	}
	return &memcache.Item{
		Key:           resp.Key(),
		Value:         resp.Value(),
		Flags:         resp.Flags(),
		DataVersionId: resp.DataVersionId(),
	}, nil
}

func (s *memcacheStorage) getMulti(
	ctx context.Context,
	keys ...string) ([]*memcache.Item, error) {

	if len(keys) == 1 {
		item, err := toItem(s.client.Gets(ctx, keys[0]))
		if err != nil {
			return nil, err
		}
		return []*memcache.Item{item}, nil
	}

	responses := s.client.GetsMulti(ctx, keys)

	results := make([]*memcache.Item, len(keys))
	for i, key := range keys {
		resp, ok := responses[key]
		if !ok {
			return nil, errors.Newf("No response for %s", key)
		}

		item, err := toItem(resp)
		if err != nil {
			return nil, err
		}
		results[i] = item
	}
	return results, nil
}

func (s *memcacheStorage) withDefaults(item *memcache.Item) *memcache.Item {
	if item.Expiration != 0 || s.options.DefaultExpiration == 0 {
		return item
	}
	copied := *item
	copied.Expiration = s.options.DefaultExpiration
	return &copied
}

func (s *memcacheStorage) set(ctx context.Context, item *memcache.Item) error {
	item = s.withDefaults(item)
	if s.options.NoReply {
		return s.client.SetNoReply(ctx, item)
	}
	if err := s.client.Set(ctx, item).Error(); err != nil {
		return errors.Wrapf(err, "Failed to set %s", item.Key)
	}
	return nil
}

func (s *memcacheStorage) setMulti(
	ctx context.Context,
	items ...*memcache.Item) error {

	if s.options.NoReply {
		for _, item := range items {
			if err := s.set(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}

	prepared := make([]*memcache.Item, len(items))
	for i, item := range items {
		prepared[i] = s.withDefaults(item)
	}

	for _, resp := range s.client.SetMulti(ctx, prepared) {
		if err := resp.Error(); err != nil {
			return errors.Wrapf(err, "Failed to set %s", resp.Key())
		}
	}
	return nil
}

func deleteError(resp memcache.MutateResponse) error {
	if resp.Status() == memcache.StatusKeyNotFound {
		return nil
	}
	if err := resp.Error(); err != nil {
		return errors.Wrapf(err, "Failed to delete %s", resp.Key())
	}
	return nil
}

func (s *memcacheStorage) del(ctx context.Context, key string) error {
	if s.options.NoReply {
		return s.client.DeleteNoReply(ctx, key)
	}
	return deleteError(s.client.Delete(ctx, key))
}

func (s *memcacheStorage) delMulti(ctx context.Context, keys ...string) error {
	if s.options.NoReply {
		for _, key := range keys {
			if err := s.client.DeleteNoReply(ctx, key); err != nil {
				return err
			}
		}
		return nil
	}

	for _, resp := range s.client.DeleteMulti(ctx, keys) {
		if err := deleteError(resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *memcacheStorage) flush(ctx context.Context) error {
	return s.client.Flush(ctx, s.options.FlushDelay).Error()
}
