package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catalystdb/mpt/cache"
)

func TestW8(t *testing.T) {
	w8 := cache.NewW8(2)
	w8.Set("a", 1, 1)
	w8.Set("b", 2, 2)
	evicted := w8.Set("c", 3, 3)
	assert.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.Key)
	assert.Equal(t, 1, evicted.Value)
	assert.Equal(t, float64(1), evicted.Weight)
	assert.Equal(t, 2, w8.Count())
}

func TestW8Promote(t *testing.T) {
	w8 := cache.NewW8(4)
	w8.Set("a", 1, 100)

	assert.False(t, w8.Promote("a", 100.5, 1))
	assert.Equal(t, float64(100), w8.Get("a").Weight)

	assert.True(t, w8.Promote("a", 101.5, 1))
	assert.Equal(t, float64(101.5), w8.Get("a").Weight)

	assert.False(t, w8.Promote("missing", 200, 1))
}
