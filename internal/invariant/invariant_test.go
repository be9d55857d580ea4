package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPassesSilently(t *testing.T) {
	assert.NotPanics(t, func() {
		Check(true, "unreachable: %d", 1)
	})
}

func TestCheckPanicsWithMessage(t *testing.T) {
	assert.PanicsWithValue(t, "invariant violation: child count 5 exceeds 16", func() {
		Check(false, "child count %d exceeds 16", 5)
	})
}

func TestFailAlwaysPanics(t *testing.T) {
	assert.Panics(t, func() {
		Fail("branch taken with role %d", 3)
	})
}
