package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catalystdb/mpt/internal/offset"
)

func TestRingPublishAndLookup(t *testing.T) {
	r := NewRing()
	r.Publish(0, offset.NewChunkOffset(1, 100))
	r.Publish(1, offset.NewChunkOffset(1, 200))

	off, ok := r.Lookup(0)
	assert.True(t, ok)
	assert.Equal(t, uint32(100), off.ByteOffset())

	off, ok = r.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(200), off.ByteOffset())

	_, ok = r.Lookup(2)
	assert.False(t, ok)
}

func TestRingWindowBounds(t *testing.T) {
	r := NewRing()
	for v := int64(0); v < RingSize+10; v++ {
		r.Publish(v, offset.NewChunkOffset(1, uint32(v)))
	}
	assert.Equal(t, int64(RingSize+9), r.LatestVersion())
	assert.Equal(t, int64(10), r.EarliestVersion())

	_, ok := r.Lookup(9)
	assert.False(t, ok, "version evicted from window")

	_, ok = r.Lookup(10)
	assert.True(t, ok)
}

func TestRingEmptyReportsInvalid(t *testing.T) {
	r := NewRing()
	assert.Equal(t, InvalidVersion, r.EarliestVersion())
	assert.Equal(t, InvalidVersion, r.LatestVersion())
}

func TestRingEncodeDecodeRoundTrip(t *testing.T) {
	r := NewRing()
	r.Publish(0, offset.NewChunkOffset(1, 100))
	r.Publish(1, offset.NewChunkOffset(1, 200))

	got, err := DecodeRing(r.Encode())
	assert.NoError(t, err)
	assert.Equal(t, r.LatestVersion(), got.LatestVersion())
	assert.Equal(t, r.EarliestVersion(), got.EarliestVersion())

	off, ok := got.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(200), off.ByteOffset())
}

func TestRingWaitNextFiresOnPublish(t *testing.T) {
	r := NewRing()
	waiter := r.WaitNext()

	select {
	case <-waiter.C():
		t.Fatal("waiter fired before Publish")
	default:
	}

	r.Publish(0, offset.NewChunkOffset(1, 100))

	select {
	case <-waiter.C():
	default:
		t.Fatal("waiter did not fire after Publish")
	}
}
