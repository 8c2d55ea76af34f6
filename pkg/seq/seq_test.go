package seq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tuntcp/tuntcp/pkg/seq"
)

func TestLessThanWraparound(t *testing.T) {
	// Close to the top of the 32-bit space, wrapping forward to near zero
	// must still compare as "less than".
	iss := uint32(1<<32 - 10)
	assert.True(t, seq.LessThan(iss, iss+5))
	assert.True(t, seq.LessThan(iss+20, iss+21)) // wraps past zero
	assert.False(t, seq.LessThan(iss+21, iss+20))
	assert.False(t, seq.LessThan(iss, iss))
}

func TestBetween(t *testing.T) {
	assert.True(t, seq.Between(100, 101, 200))
	assert.False(t, seq.Between(100, 100, 200)) // strict on left
	assert.False(t, seq.Between(100, 200, 200)) // strict on right
	assert.True(t, seq.Between(1<<32-5, 2, 10))
}

func TestBetweenOrEqual(t *testing.T) {
	assert.True(t, seq.BetweenOrEqual(100, 200, 200))
	assert.False(t, seq.BetweenOrEqual(100, 100, 200))
}

func TestMax(t *testing.T) {
	iss := uint32(1<<32 - 10)
	assert.Equal(t, iss+5, seq.Max(iss, iss+5))
	assert.Equal(t, iss+5, seq.Max(iss+5, iss))
}
