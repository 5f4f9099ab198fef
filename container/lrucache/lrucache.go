// Package lrucache is a size bounded LRU cache.
package lrucache

import "github.com/dropbox/gomc/container/linked_hashmap"

// LRUCache evicts the least recently used entry once it holds more than
// maxSize entries.  Not threadsafe.
type LRUCache[V any] struct {
	lhm     *linked_hashmap.LinkedHashmap[V]
	maxSize int

	// Called with every entry dropped to make room.
	OnEvict func(key string, val V)
}

func New[V any](maxSize int) *LRUCache[V] {
	if maxSize < 1 {
		panic("nonsensical LRU cache size specified")
	}

	return &LRUCache[V]{
		lhm:     linked_hashmap.NewLinkedHashmap[V](maxSize),
		maxSize: maxSize,
	}
}

// Set stores val as the most recently used entry.
func (cache *LRUCache[V]) Set(key string, val V) {
	cache.lhm.PushFront(key, val)

	for cache.lhm.Len() > cache.maxSize {
		evictedKey, evicted, _ := cache.lhm.PopBack()
		if cache.OnEvict != nil {
			cache.OnEvict(evictedKey, evicted)
		}
	}
}

// Get returns key's value and marks it most recently used.
func (cache *LRUCache[V]) Get(key string) (val V, ok bool) {
	val, ok = cache.lhm.Get(key)
	if ok {
		cache.lhm.MoveToFront(key)
	}
	return val, ok
}

// Peek is Get without touching the recency order.
func (cache *LRUCache[V]) Peek(key string) (val V, ok bool) {
	return cache.lhm.Get(key)
}

func (cache *LRUCache[V]) Len() int {
	return cache.lhm.Len()
}

func (cache *LRUCache[V]) Delete(key string) (val V, existed bool) {
	val, existed = cache.lhm.Get(key)
	if existed {
		cache.lhm.Remove(key)
	}
	return val, existed
}

// Clear drops every entry without calling OnEvict.
func (cache *LRUCache[V]) Clear() {
	cache.lhm = linked_hashmap.NewLinkedHashmap[V](cache.maxSize)
}

func (cache *LRUCache[V]) MaxSize() int {
	return cache.maxSize
}
