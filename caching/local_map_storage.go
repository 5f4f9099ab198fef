package caching

import (
	"context"

	"github.com/dropbox/gomc/memcache"
)

type localMapStorage struct {
	items map[string]memcache.Item
}

func copyItem(item memcache.Item) *memcache.Item {
	item.Value = append([]byte(nil), item.Value...)
	return &item
}

func (s *localMapStorage) get(
	ctx context.Context,
	key string) (*memcache.Item, error) {

	if item, inMap := s.items[key]; inMap {
		return copyItem(item), nil
	}
	return nil, nil
}

func (s *localMapStorage) set(ctx context.Context, item *memcache.Item) error {
	s.items[item.Key] = *copyItem(*item)
	return nil
}

func (s *localMapStorage) del(ctx context.Context, key string) error {
	delete(s.items, key)
	return nil
}

func (s *localMapStorage) flush(ctx context.Context) error {
	s.items = make(map[string]memcache.Item)
	return nil
}

func (s *localMapStorage) size() int {
	return len(s.items)
}

func newLocalMapStorage(name string) (*localMapStorage, Storage) {
	storage := &localMapStorage{
		items: make(map[string]memcache.Item),
	}

	options := GenericStorageOptions{
		GetFunc:   storage.get,
		SetFunc:   storage.set,
		DelFunc:   storage.del,
		FlushFunc: storage.flush,
		Serialize: true,
	}

	return storage, NewGenericStorage(name, options)
}

// This returns a local non-persistent storage which keeps copies of the items
// in a map.  Expiration is ignored.
func NewLocalMapStorage(name string) Storage {
	_, storage := newLocalMapStorage(name)
	return storage
}
