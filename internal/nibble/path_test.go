package nibble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromBytesAndBytes(t *testing.T) {
	b := []byte{0xab, 0xcd}
	p := FromBytes(b)
	assert.Equal(t, Path{0xa, 0xb, 0xc, 0xd}, p)
	assert.Equal(t, b, p.Bytes())
}

func TestBytesOddLengthPanics(t *testing.T) {
	assert.Panics(t, func() {
		Path{0x1, 0x2, 0x3}.Bytes()
	})
}

func TestCommonPrefixLen(t *testing.T) {
	a := Path{1, 2, 3, 4}
	b := Path{1, 2, 9, 9}
	assert.Equal(t, 2, a.CommonPrefixLen(b))
	assert.Equal(t, 4, a.CommonPrefixLen(a))
	assert.Equal(t, 0, a.CommonPrefixLen(Path{9}))
}

func TestPathEqual(t *testing.T) {
	assert.True(t, Path{1, 2}.Equal(Path{1, 2}))
	assert.False(t, Path{1, 2}.Equal(Path{1, 2, 3}))
	assert.False(t, Path{1, 2}.Equal(Path{1, 3}))
}

func TestNewPath64(t *testing.T) {
	cases := []struct {
		p Path
		v Path64
	}{
		{nil, 0},
		{Path{2}, 0x2000000000000001},
		{Path{2, 3}, 0x2300000000000002},
		{repeat(0xf, 15), 0xffffffffffffffff},
		{repeat(0xf, 16), 0xffffffffffffffff},
	}
	for _, c := range cases {
		assert.Equal(t, c.v, NewPath64(c.p), "path %v", c.p)
	}
}

func TestPath64Len(t *testing.T) {
	assert.Equal(t, 0, Path64(0).Len())
	assert.Equal(t, 15, Path64(0xffffffffffffffff).Len())
}

func TestPath64At(t *testing.T) {
	p := NewPath64(Path{2, 3, 0xa})
	assert.Equal(t, byte(2), p.At(0))
	assert.Equal(t, byte(3), p.At(1))
	assert.Equal(t, byte(0xa), p.At(2))
}

func TestPath64Append(t *testing.T) {
	cases := []struct {
		p Path64
		e byte
		v Path64
	}{
		{0, 2, 0x2000000000000001},
		{0x2000000000000001, 3, 0x2300000000000002},
		{0xffffffffffffffff, 2, 0xffffffffffffffff},
	}
	for _, c := range cases {
		assert.Equal(t, c.v, c.p.Append(c.e))
	}
}

func TestPath64Expand(t *testing.T) {
	p := Path{2, 3, 0xa, 0xf}
	assert.Equal(t, p, NewPath64(p).Expand())
}

func repeat(v byte, n int) Path {
	p := make(Path, n)
	for i := range p {
		p[i] = v
	}
	return p
}
