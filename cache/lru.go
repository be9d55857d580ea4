// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// LRU wraps golang-lru with hit/miss bookkeeping, instead of every caller
// tracking its own counters. The trie's decoded-node cache uses it; the
// account and storage tiers use W8 instead.
type LRU struct {
	c         *lru.Cache
	hit, miss atomic.Int64
	flag      atomic.Int32
}

// NewLRU creates an LRU cache capped at maxSize entries.
func NewLRU(maxSize int) *LRU {
	if maxSize < 16 {
		maxSize = 16
	}
	c, _ := lru.New(maxSize)
	return &LRU{c: c}
}

// Loader loads the value for a cache miss.
type Loader func(key interface{}) (interface{}, error)

// Get retrieves a value, promoting it to most-recently-used and recording
// a hit or miss.
func (l *LRU) Get(key interface{}) (interface{}, bool) {
	v, ok := l.c.Get(key)
	if ok {
		l.hit.Add(1)
	} else {
		l.miss.Add(1)
	}
	return v, ok
}

// Peek retrieves a value without promoting it or affecting stats, mirroring
// the rate-limited-reshuffle read path used by the account/storage cache.
func (l *LRU) Peek(key interface{}) (interface{}, bool) {
	return l.c.Peek(key)
}

// Add inserts or updates a value, evicting the least-recently-used entry
// if the cache is at capacity.
func (l *LRU) Add(key, value interface{}) {
	l.c.Add(key, value)
}

// Remove deletes key if present.
func (l *LRU) Remove(key interface{}) {
	l.c.Remove(key)
}

// Len returns the number of entries currently cached.
func (l *LRU) Len() int {
	return l.c.Len()
}

// Stats returns whether the hit rate (rounded to a per-mille bucket) has
// changed since the last call, plus the raw hit/miss counters.
func (l *LRU) Stats() (changed bool, hit, miss int64) {
	hit = l.hit.Load()
	miss = l.miss.Load()
	lookups := hit + miss

	hitRate := float64(0)
	if lookups > 0 {
		hitRate = float64(hit) / float64(lookups)
	}
	flag := int32(hitRate * 1000)

	return l.flag.Swap(flag) != flag, hit, miss
}

// GetOrLoad first tries Get, then loads and caches the value on a miss.
func (l *LRU) GetOrLoad(key interface{}, loader Loader) (interface{}, error) {
	if v, ok := l.Get(key); ok {
		return v, nil
	}
	v, err := loader(key)
	if err != nil {
		return nil, err
	}
	l.Add(key, v)
	return v, nil
}
