// Package ttlindex keeps keys ordered by the time they were last refreshed so
// stale entries of a cache can be found without scanning it.
package ttlindex

import (
	"slices"
	"sync"
	"time"
)

// Item associates a key with the time it was last refreshed.
type Item struct {
	Key string
	TS  time.Time
}

// Index holds items sorted by TS, oldest first.
type Index struct {
	mu    sync.Mutex
	items []Item
	pos   map[string]time.Time
}

// New creates an empty index.
func New() *Index {
	return &Index{
		items: make([]Item, 0),
		pos:   make(map[string]time.Time),
	}
}

// Touch inserts key or moves it to ts.
func (i *Index) Touch(key string, ts time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if old, ok := i.pos[key]; ok {
		i.remove(key, old)
	}
	idx, _ := slices.BinarySearchFunc(i.items, ts, func(it Item, t time.Time) int {
		if it.TS.After(t) {
			return 1
		}
		return -1 // equal timestamps keep insertion order
	})
	i.items = slices.Insert(i.items, idx, Item{Key: key, TS: ts})
	i.pos[key] = ts
}

// Expire removes and returns the keys refreshed at or before cutoff.
func (i *Index) Expire(cutoff time.Time) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for n < len(i.items) && !i.items[n].TS.After(cutoff) {
		n++
	}
	expired := make([]string, n)
	for j := 0; j < n; j++ {
		expired[j] = i.items[j].Key
		delete(i.pos, i.items[j].Key)
	}
	i.items = slices.Delete(i.items, 0, n)
	return expired
}

// Remove drops key from the index. Unknown keys are ignored.
func (i *Index) Remove(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if ts, ok := i.pos[key]; ok {
		i.remove(key, ts)
	}
}

// Len returns the number of tracked keys.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

func (i *Index) remove(key string, ts time.Time) {
	start, _ := slices.BinarySearchFunc(i.items, ts, func(it Item, t time.Time) int {
		if it.TS.Before(t) {
			return -1
		}
		return 1
	})
	for j := start; j < len(i.items) && i.items[j].TS.Equal(ts); j++ {
		if i.items[j].Key == key {
			i.items = slices.Delete(i.items, j, j+1)
			break
		}
	}
	delete(i.pos, key)
}
