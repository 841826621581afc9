// Package cache suppresses repeated channel values so that sinks only see
// changes, plus a periodic refresh of values that have not changed.
package cache

import (
	"reflect"
	"sync"
	"time"
)

// DefaultMaxAge is how long an unchanged value is held back before it is
// emitted again.
const DefaultMaxAge = 60 * time.Second

type entry struct {
	value any
	at    time.Time
}

// Cache remembers the last emitted value per channel id.
type Cache struct {
	MaxAge time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func New(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{
		MaxAge:  maxAge,
		Now:     time.Now,
		entries: make(map[string]entry),
	}
}

// ShouldEmit reports whether value should be forwarded for id. It returns true
// when id has never been emitted, when the value differs from the last emitted
// one, or when the last emission is older than MaxAge. A true result records
// value and the current time as the new last emission.
func (c *Cache) ShouldEmit(id string, value any) bool {
	now := c.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[id]
	if ok && equal(prev.value, value) && now.Sub(prev.at) <= c.MaxAge {
		return false
	}
	c.entries[id] = entry{value: value, at: now}
	return true
}

func equal(a, b any) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if a == nil {
		return true
	}
	if reflect.TypeOf(a).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
