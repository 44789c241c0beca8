// Package memview reinterprets mapped byte regions as word arrays so that
// shared words can be accessed with sync/atomic.
package memview

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

const wordSize = 8

// Words returns the 64-bit word view of b. It panics unless b is 8-byte
// aligned and a whole number of words long.
func Words(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	if len(b)%wordSize != 0 || uintptr(unsafe.Pointer(&b[0]))%wordSize != 0 {
		panic(fmt.Sprintf("memview: region of %d bytes is not word aligned", len(b)))
	}
	var words []uint64
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&words))
	hdr.Data = uintptr(unsafe.Pointer(&b[0]))
	hdr.Len = len(b) / wordSize
	hdr.Cap = hdr.Len
	return words
}

// Alloc returns a zeroed, word-aligned heap region of size bytes rounded up
// to a whole word. It stands in for a mapping in tests and single-process use.
func Alloc(size int) []byte {
	n := (size + wordSize - 1) / wordSize
	if n == 0 {
		return nil
	}
	words := make([]uint64, n)
	var b []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	hdr.Data = uintptr(unsafe.Pointer(&words[0]))
	hdr.Len = n * wordSize
	hdr.Cap = hdr.Len
	runtime.KeepAlive(words)
	return b
}

// AlignUp rounds n up to a multiple of the word size.
func AlignUp(n uint64) uint64 {
	return (n + wordSize - 1) &^ (wordSize - 1)
}
