package cache

import "time"

// PromoteInterval is the minimum time between LRU re-promotions for an
// already-cached entry, matching the "re-promotes only if >= 1s since
// last update" rule for the account/storage cache.
const PromoteInterval = time.Second

// StorageKey addresses one storage slot within an account.
type StorageKey struct {
	Address    interface{}
	StorageKey interface{}
}

// AccountStorageCache is the two-tier leaf cache described for the
// account/storage layer above the trie: account values are capped and
// evicted independently from storage slot values, each tier backed by a
// W8 (see w8.go) so eviction is weight-ordered by last-touched time and
// re-promotion is rate-limited to avoid hot keys thrashing the heap.
type AccountStorageCache struct {
	accounts *W8
	storage  *W8
}

// NewAccountStorageCache creates a cache capping accounts and storage
// slots independently.
func NewAccountStorageCache(maxAccounts, maxStorage int) *AccountStorageCache {
	return &AccountStorageCache{
		accounts: NewW8(maxAccounts),
		storage:  NewW8(maxStorage),
	}
}

// GetAccount retrieves a cached account value, promoting its position if
// at least PromoteInterval has elapsed since it was last touched.
func (c *AccountStorageCache) GetAccount(address interface{}, now time.Time) (interface{}, bool) {
	return get(c.accounts, address, now)
}

// SetAccount installs or updates an account value, returning the evicted
// entry's key and value if the tier was at capacity.
func (c *AccountStorageCache) SetAccount(address, value interface{}, now time.Time) (evictedKey, evictedValue interface{}, evicted bool) {
	return set(c.accounts, address, value, now)
}

// RemoveAccount evicts address from the account tier, used when an
// account's incarnation changes and its stale entry must not linger.
func (c *AccountStorageCache) RemoveAccount(address interface{}) {
	c.accounts.Remove(address)
}

// GetStorage retrieves a cached storage slot value.
func (c *AccountStorageCache) GetStorage(key StorageKey, now time.Time) (interface{}, bool) {
	return get(c.storage, key, now)
}

// SetStorage installs or updates a storage slot value.
func (c *AccountStorageCache) SetStorage(key StorageKey, value interface{}, now time.Time) (evictedKey, evictedValue interface{}, evicted bool) {
	return set(c.storage, key, value, now)
}

// RemoveStorage evicts a single storage slot, e.g. on account
// incarnation (the whole storage sub-map for that address should be
// dropped by the caller iterating its known keys, since W8 has no
// prefix-scan).
func (c *AccountStorageCache) RemoveStorage(key StorageKey) {
	c.storage.Remove(key)
}

func get(w *W8, key interface{}, now time.Time) (interface{}, bool) {
	e := w.Get(key)
	if e == nil {
		return nil, false
	}
	w.Promote(key, float64(now.UnixNano()), float64(PromoteInterval))
	return e.Value, true
}

func set(w *W8, key, value interface{}, now time.Time) (evictedKey, evictedValue interface{}, evicted bool) {
	ev := w.Set(key, value, float64(now.UnixNano()))
	if ev == nil {
		return nil, nil, false
	}
	return ev.Key, ev.Value, true
}
