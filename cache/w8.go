// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package cache

import (
	"container/heap"
	"sync"
)

// W8 is a weight-based cache: the entry with the lowest weight is evicted
// first. The account/storage cache (see AccountStorageCache) uses the
// weight field as a last-touched timestamp, which turns W8 into an LRU
// whose promotions are rate-limited: Promote only reshuffles the heap if
// enough time passed since the entry's last promotion, matching the
// "re-promotes only if >= 1s since last update" rule.
type W8 struct {
	lock      sync.Mutex
	entryMap  map[interface{}]*wentry
	entryHeap wheap
	maxCount  int
}

// NewW8 create a new instance.
func NewW8(maxCount int) *W8 {
	return &W8{
		entryMap: make(map[interface{}]*wentry),
		maxCount: maxCount,
	}
}

// Get get value and weight for given key.
func (c *W8) Get(key interface{}) *struct {
	Value  interface{}
	Weight float64
} {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entryMap[key]; ok {
		return &struct {
			Value  interface{}
			Weight float64
		}{
			entry.value,
			entry.weight,
		}
	}
	return nil
}

// Set set or update value and weight for given key.
// Returns the evicted value if the count value exeeds max count.
func (c *W8) Set(key, value interface{}, weight float64) (evicted *struct {
	Key    interface{}
	Value  interface{}
	Weight float64
}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entryMap[key]; ok {
		entry.value = value
		entry.weight = weight
		heap.Fix(&c.entryHeap, entry.index)
		return nil
	}

	newEntry := &wentry{
		key:    key,
		value:  value,
		weight: weight,
	}
	heap.Push(&c.entryHeap, newEntry)
	c.entryMap[key] = newEntry
	if len(c.entryHeap) > c.maxCount {
		popped := heap.Pop(&c.entryHeap).(*wentry)
		delete(c.entryMap, popped.key)
		return &struct {
			Key    interface{}
			Value  interface{}
			Weight float64
		}{popped.key, popped.value, popped.weight}
	}
	return nil
}

// Promote bumps key's weight to now if and only if at least minInterval has
// elapsed since its weight was last set (weight and now share the same
// unit, typically unix nanoseconds). It reports whether the reshuffle
// happened. A miss (key absent) reports false without error: the caller is
// expected to Set it instead.
func (c *W8) Promote(key interface{}, now, minInterval float64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entryMap[key]
	if !ok {
		return false
	}
	if now-entry.weight < minInterval {
		return false
	}
	entry.weight = now
	heap.Fix(&c.entryHeap, entry.index)
	return true
}

// Remove deletes key if present.
func (c *W8) Remove(key interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entryMap[key]; ok {
		heap.Remove(&c.entryHeap, entry.index)
		delete(c.entryMap, key)
	}
}

// Count returns count of value.
func (c *W8) Count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entryHeap)
}

type wentry struct {
	key    interface{}
	value  interface{}
	weight float64
	index  int
}

type wheap []*wentry

func (h wheap) Len() int           { return len(h) }
func (h wheap) Less(i, j int) bool { return h[i].weight < h[j].weight }
func (h wheap) Swap(i, j int) {
	h[i].index = j
	h[j].index = i
	h[i], h[j] = h[j], h[i]
}

func (h *wheap) Push(value interface{}) {
	ent := value.(*wentry)
	ent.index = len(*h)
	*h = append(*h, ent)
}

func (h *wheap) Pop() interface{} {
	n := len(*h)
	ent := (*h)[n-1]
	ent.index = -1
	*h = (*h)[:n-1]
	return ent
}
