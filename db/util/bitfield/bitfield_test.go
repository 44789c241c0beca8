package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	assert.Equal(t, uint64(0x7), Mask(3, 0))
	assert.Equal(t, uint64(0x7)<<61, Mask(3, 61))
	assert.Equal(t, ^uint64(0), Mask(64, 0))
	assert.Panics(t, func() { Mask(4, 61) })
	assert.Panics(t, func() { Mask(0, 0) })
}

func TestSetGet(t *testing.T) {
	var w uint64
	w = Set(w, 16, 42, 0xBEEF)
	w = Set(w, 42, 0, 12345)
	assert.Equal(t, uint64(0xBEEF), Get(w, 16, 42))
	assert.Equal(t, uint64(12345), Get(w, 42, 0))

	w = Set(w, 16, 42, 7)
	assert.Equal(t, uint64(7), Get(w, 16, 42))
	assert.Equal(t, uint64(12345), Get(w, 42, 0))

	assert.Panics(t, func() { Set(0, 3, 0, 8) })
}

func TestFitsAndIsSet(t *testing.T) {
	assert.True(t, Fits(1<<42-1, 42))
	assert.False(t, Fits(1<<42, 42))
	assert.True(t, Fits(^uint64(0), 64))

	assert.True(t, IsSet(1<<60, 60))
	assert.False(t, IsSet(1<<60, 59))
}
