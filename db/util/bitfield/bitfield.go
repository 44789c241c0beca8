// Package bitfield reads and writes fixed-width fields packed into a 64-bit
// word.
package bitfield

import "fmt"

const wordBits = 64

// Mask returns the in-place mask of a field of width bits starting at shift.
func Mask(width, shift uint) uint64 {
	checkField(width, shift)
	if width == wordBits {
		return ^uint64(0)
	}
	return ((uint64(1) << width) - 1) << shift
}

// Get extracts the field of width bits starting at shift.
func Get(word uint64, width, shift uint) uint64 {
	return (word & Mask(width, shift)) >> shift
}

// Set returns word with the field of width bits at shift replaced by value.
// It panics when value does not fit in width bits.
func Set(word uint64, width, shift uint, value uint64) uint64 {
	if !Fits(value, width) {
		panic(fmt.Sprintf("bitfield: value %#x does not fit in %d bits", value, width))
	}
	mask := Mask(width, shift)
	return (word &^ mask) | ((value << shift) & mask)
}

// Fits reports whether value can be stored in width bits.
func Fits(value uint64, width uint) bool {
	if width >= wordBits {
		return true
	}
	return value>>width == 0
}

// IsSet reports whether the single bit at shift is set.
func IsSet(word uint64, shift uint) bool {
	return Get(word, 1, shift) == 1
}

func checkField(width, shift uint) {
	if width == 0 || width+shift > wordBits {
		panic(fmt.Sprintf("bitfield: invalid field width %d at shift %d", width, shift))
	}
}
