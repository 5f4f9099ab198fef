package caching

import (
	"context"
	"sync"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/memcache"
)

// Options used in GenericStorage construction.
type GenericStorageOptions struct {
	// GenericStorage will call either GetFunc or GetMultiFunc in its
	// Get and GetMulti implementations.  When neither one is available,
	// GenericStorage will return error.
	GetFunc      func(ctx context.Context, key string) (*memcache.Item, error)
	GetMultiFunc func(ctx context.Context, keys ...string) ([]*memcache.Item, error)

	// GenericStorage will call either SetFunc or SetMultiFunc in its
	// Set and SetMulti implementations.  When neither one is available,
	// GenericStorage will return error.
	SetFunc      func(ctx context.Context, item *memcache.Item) error
	SetMultiFunc func(ctx context.Context, items ...*memcache.Item) error

	// GenericStorage will call either DelFunc or DelMultiFunc in its
	// Del and DelMulti implementations.  When neither one is available,
	// GenericStorage will return error.
	DelFunc      func(ctx context.Context, key string) error
	DelMultiFunc func(ctx context.Context, keys ...string) error

	// When ErrorOnFlush is true, GenericStorage will always return error
	// on Flush calls.
	ErrorOnFlush bool

	// GenericStorage will call FlushFunc in its Flush implementation.  When
	// FlushFunc is unavailable (and ErrorOnFlush is false), GenericStorage
	// will do nothing and return nil.
	FlushFunc func(ctx context.Context) error

	// When Serialize is true, reads share a read lock and writes take the
	// write lock.  Storages which are already thread safe (e.g., memcache)
	// leave this off.
	Serialize bool
}

// A generic storage implementation.  The functionalities are provided by the
// user through GenericStorageOptions.
type GenericStorage struct {
	name string

	serialize bool
	rwMutex   sync.RWMutex

	get      func(ctx context.Context, key string) (*memcache.Item, error)
	getMulti func(ctx context.Context, keys ...string) ([]*memcache.Item, error)
	set      func(ctx context.Context, item *memcache.Item) error
	setMulti func(ctx context.Context, items ...*memcache.Item) error
	del      func(ctx context.Context, key string) error
	delMulti func(ctx context.Context, keys ...string) error

	errorOnFlush bool
	flush        func(ctx context.Context) error
}

// This creates a GenericStorage.  See GenericStorageOptions for additional
// information.
func NewGenericStorage(name string, options GenericStorageOptions) Storage {
	return &GenericStorage{
		name:         name,
		serialize:    options.Serialize,
		get:          options.GetFunc,
		getMulti:     options.GetMultiFunc,
		set:          options.SetFunc,
		setMulti:     options.SetMultiFunc,
		del:          options.DelFunc,
		delMulti:     options.DelMultiFunc,
		errorOnFlush: options.ErrorOnFlush,
		flush:        options.FlushFunc,
	}
}

func (s *GenericStorage) rlock() func() {
	if !s.serialize {
		return func() {}
	}
	s.rwMutex.RLock()
	return s.rwMutex.RUnlock
}

func (s *GenericStorage) lock() func() {
	if !s.serialize {
		return func() {}
	}
	s.rwMutex.Lock()
	return s.rwMutex.Unlock
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) Get(
	ctx context.Context,
	key string) (*memcache.Item, error) {

	if s.get == nil && s.getMulti == nil {
		return nil, errors.Newf(
			"'%s' does not have Get/GetMulti implementation",
			s.name)
	}

	defer s.rlock()()

	if s.get != nil {
		return s.get(ctx, key)
	}

	items, err := s.getMulti(ctx, key)
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) GetMulti(
	ctx context.Context,
	keys ...string) ([]*memcache.Item, error) {

	if s.get == nil && s.getMulti == nil {
		return nil, errors.Newf(
			"'%s' does not have Get/GetMulti implementation",
			s.name)
	}

	defer s.rlock()()

	if s.getMulti != nil {
		return s.getMulti(ctx, keys...)
	}

	results := make([]*memcache.Item, len(keys))
	for i, key := range keys {
		item, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		results[i] = item
	}
	return results, nil
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) Set(ctx context.Context, item *memcache.Item) error {
	if s.set == nil && s.setMulti == nil {
		return errors.Newf(
			"'%s' does not have Set/SetMulti implementation",
			s.name)
	}

	defer s.lock()()

	if s.set != nil {
		return s.set(ctx, item)
	}
	return s.setMulti(ctx, item)
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) SetMulti(
	ctx context.Context,
	items ...*memcache.Item) error {

	if s.set == nil && s.setMulti == nil {
		return errors.Newf(
			"'%s' does not have Set/SetMulti implementation",
			s.name)
	}

	defer s.lock()()

	if s.setMulti != nil {
		return s.setMulti(ctx, items...)
	}

	for _, item := range items {
		if err := s.set(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) Delete(ctx context.Context, key string) error {
	if s.del == nil && s.delMulti == nil {
		return errors.Newf(
			"'%s' does not have Delete/DeleteMulti implementation",
			s.name)
	}

	defer s.lock()()

	if s.del != nil {
		return s.del(ctx, key)
	}
	return s.delMulti(ctx, key)
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) DeleteMulti(ctx context.Context, keys ...string) error {
	if s.del == nil && s.delMulti == nil {
		return errors.Newf(
			"'%s' does not have Delete/DeleteMulti implementation",
			s.name)
	}

	defer s.lock()()

	if s.delMulti != nil {
		return s.delMulti(ctx, keys...)
	}

	for _, key := range keys {
		if err := s.del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// See Storage/GenericStorageOptions for documentation.
func (s *GenericStorage) Flush(ctx context.Context) error {
	if s.errorOnFlush {
		return errors.Newf("'%s' does not support Flush", s.name)
	}

	if s.flush == nil {
		return nil
	}

	defer s.lock()()

	return s.flush(ctx)
}
