// Package core provides LRU key tracking for limiter shards.
package core

import "container/list"

// LRUKeys tracks keys in LRU order.
type LRUKeys struct {
	max   int
	items map[string]*list.Element
	list  *list.List
}

// NewLRUKeys constructs an LRUKeys tracker. A max of zero disables eviction.
func NewLRUKeys(max int) *LRUKeys {
	if max < 0 {
		max = 0
	}
	return &LRUKeys{
		max:   max,
		items: make(map[string]*list.Element),
		list:  list.New(),
	}
}

// Touch marks a key as most recently used, inserting it if missing.
func (lru *LRUKeys) Touch(key string) {
	if lru == nil {
		return
	}
	if element, ok := lru.items[key]; ok {
		lru.list.MoveToFront(element)
		return
	}
	lru.items[key] = lru.list.PushFront(key)
}

// Remove deletes a key.
func (lru *LRUKeys) Remove(key string) {
	if lru == nil {
		return
	}
	element, ok := lru.items[key]
	if !ok {
		return
	}
	lru.list.Remove(element)
	delete(lru.items, key)
}

// Len returns the number of tracked keys.
func (lru *LRUKeys) Len() int {
	if lru == nil {
		return 0
	}
	return len(lru.items)
}

// EvictIfNeeded walks from the least recently used end and evicts keys
// accepted by canEvict until size <= max. Rejected keys are skipped, so the
// tracker may stay above max when every candidate is still in use.
func (lru *LRUKeys) EvictIfNeeded(canEvict func(key string) bool) []string {
	if lru == nil || lru.max == 0 {
		return nil
	}
	if len(lru.items) <= lru.max {
		return nil
	}

	var evicted []string
	element := lru.list.Back()
	for element != nil && len(lru.items) > lru.max {
		prev := element.Prev()
		key := element.Value.(string)
		if canEvict == nil || canEvict(key) {
			evicted = append(evicted, key)
			lru.list.Remove(element)
			delete(lru.items, key)
		}
		element = prev
	}
	return evicted
}
