package linked_hashmap

import "container/list"

// LinkedHashmap is a hashmap which also keeps its entries in a list, so
// entries can be looked up by key and popped from either end in O(1).
// Not threadsafe.
type LinkedHashmap[V any] struct {
	linkedList *list.List
	hashMap    map[string]*list.Element
}

func NewLinkedHashmap[V any](sizeEst int) *LinkedHashmap[V] {
	return &LinkedHashmap[V]{
		linkedList: list.New(),
		hashMap:    make(map[string]*list.Element, sizeEst),
	}
}

// Entries keep their key so that pops can clean up the map.
type entry[V any] struct {
	key   string
	value V
}

func (l *LinkedHashmap[V]) elem(e *list.Element) *entry[V] {
	return e.Value.(*entry[V])
}

// Front returns the first value, or false when empty.
func (l *LinkedHashmap[V]) Front() (val V, ok bool) {
	head := l.linkedList.Front()
	if head == nil {
		return val, false
	}
	return l.elem(head).value, true
}

// Remove drops key.  Returns false when key is absent.
func (l *LinkedHashmap[V]) Remove(key string) bool {
	e, ok := l.hashMap[key]
	if !ok {
		return false
	}
	delete(l.hashMap, key)
	l.linkedList.Remove(e)
	return true
}

// PushBack inserts or replaces key at the back.
func (l *LinkedHashmap[V]) PushBack(key string, val V) {
	l.Remove(key)
	l.hashMap[key] = l.linkedList.PushBack(&entry[V]{key: key, value: val})
}

// PushFront inserts or replaces key at the front.
func (l *LinkedHashmap[V]) PushFront(key string, val V) {
	l.Remove(key)
	l.hashMap[key] = l.linkedList.PushFront(&entry[V]{key: key, value: val})
}

func (l *LinkedHashmap[V]) pop(e *list.Element) (key string, val V, ok bool) {
	if e == nil {
		return "", val, false
	}
	kv := l.elem(e)
	l.Remove(kv.key)
	return kv.key, kv.value, true
}

func (l *LinkedHashmap[V]) PopFront() (key string, val V, ok bool) {
	return l.pop(l.linkedList.Front())
}

func (l *LinkedHashmap[V]) PopBack() (key string, val V, ok bool) {
	return l.pop(l.linkedList.Back())
}

// MoveToFront returns false when key is absent.
func (l *LinkedHashmap[V]) MoveToFront(key string) bool {
	e, ok := l.hashMap[key]
	if ok {
		l.linkedList.MoveToFront(e)
	}
	return ok
}

func (l *LinkedHashmap[V]) Len() int {
	return len(l.hashMap)
}

func (l *LinkedHashmap[V]) Get(key string) (val V, ok bool) {
	e, ok := l.hashMap[key]
	if !ok {
		return val, false
	}
	return l.elem(e).value, true
}
