package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catalystdb/mpt/cache"
)

func TestLRU(t *testing.T) {
	assert := assert.New(t)
	lru := cache.NewLRU(10)
	v, err := lru.GetOrLoad("foo", func(interface{}) (interface{}, error) {
		return "bar", nil
	})
	assert.Nil(err)
	assert.Equal(v, "bar")

	v, ok := lru.Get("foo")
	assert.True(ok)
	assert.Equal(v, "bar")

	changed, hit, miss := lru.Stats()
	assert.True(changed)
	assert.Equal(int64(1), hit)
	assert.Equal(int64(1), miss)
}

func TestLRUStatsChangedFlag(t *testing.T) {
	assert := assert.New(t)
	l := cache.NewLRU(10)
	l.Add("a", 1)

	l.Get("a")
	l.Get("missing")
	changed, hit, miss := l.Stats()
	assert.True(changed)
	assert.Equal(int64(1), hit)
	assert.Equal(int64(1), miss)

	changed, _, _ = l.Stats()
	assert.False(changed)

	l.Get("a")
	l.Get("missing")
	changed, hit, miss = l.Stats()
	assert.Equal(int64(2), hit)
	assert.Equal(int64(2), miss)
	assert.False(changed)
}
