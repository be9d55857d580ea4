package mpt

import (
	"time"

	"github.com/catalystdb/mpt/cache"
)

// GetAccountCached looks up address in the account tier of the leaf
// cache without touching the trie, returning ok=false on a miss.
func (e *Engine) GetAccountCached(address interface{}) (value interface{}, ok bool) {
	return e.leafCache.GetAccount(address, time.Now())
}

// PutAccountCached installs or refreshes address's cached value. Callers
// typically do this right after a successful Get/Find against the
// trie, turning the cache into a read-through layer.
func (e *Engine) PutAccountCached(address, value interface{}) {
	e.leafCache.SetAccount(address, value, time.Now())
}

// InvalidateAccountCached drops address from the account tier, used
// when its incarnation changes so a stale cached value cannot outlive
// the trie's own discard-and-rebuild.
func (e *Engine) InvalidateAccountCached(address interface{}) {
	e.leafCache.RemoveAccount(address)
}

// GetStorageCached looks up a storage slot in the storage tier of the
// leaf cache.
func (e *Engine) GetStorageCached(key StorageKey) (value interface{}, ok bool) {
	return e.leafCache.GetStorage(key.toInternal(), time.Now())
}

// PutStorageCached installs or refreshes a storage slot's cached value.
func (e *Engine) PutStorageCached(key StorageKey, value interface{}) {
	e.leafCache.SetStorage(key.toInternal(), value, time.Now())
}

// InvalidateStorageCached drops a single storage slot from the cache.
func (e *Engine) InvalidateStorageCached(key StorageKey) {
	e.leafCache.RemoveStorage(key.toInternal())
}

// StorageKey addresses one storage slot within an account, mirroring
// cache.StorageKey at the exported engine boundary so callers outside
// the module never import the internal cache package directly.
type StorageKey struct {
	Address    interface{}
	StorageKey interface{}
}

func (k StorageKey) toInternal() cache.StorageKey {
	return cache.StorageKey{Address: k.Address, StorageKey: k.StorageKey}
}
