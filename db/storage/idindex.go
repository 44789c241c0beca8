package storage

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/memview"
)

const idSlotWords = 2

// IDIndexSize returns the bytes of an id index with the given slot count.
func IDIndexSize(slots uint64) uint64 {
	return slots * idSlotWords * 8
}

// IDIndex maps external object ids to locators. It is an open addressing
// table shared by every process: a slot's id word is claimed once and never
// released, and its locator word is 0 while the id is unmapped.
type IDIndex struct {
	words []uint64
	slots uint64
}

func NewIDIndex(region []byte) *IDIndex {
	words := memview.Words(region)
	return &IDIndex{words: words, slots: uint64(len(words) / idSlotWords)}
}

func (x *IDIndex) home(id uint64) uint64 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], id)
	return farm.Fingerprint64(key[:]) % x.slots
}

// probe calls fn on every slot in probe order for id until fn returns true.
func (x *IDIndex) probe(id uint64, fn func(idWord, locWord *uint64) bool) bool {
	start := x.home(id)
	for i := uint64(0); i < x.slots; i++ {
		slot := (start + i) % x.slots
		if fn(&x.words[slot*idSlotWords], &x.words[slot*idSlotWords+1]) {
			return true
		}
	}
	return false
}

// Insert maps id to locator. It fails with *ErrDuplicateID when id is
// already mapped and with ErrIDIndexFull when no slot is left.
func (x *IDIndex) Insert(id, locator uint64) error {
	if id == 0 || locator == 0 {
		return &dberr.ErrInvalidObjectID{ID: id}
	}
	var err error
	found := x.probe(id, func(idWord, locWord *uint64) bool {
		cur := atomic.LoadUint64(idWord)
		if cur == 0 && atomic.CompareAndSwapUint64(idWord, 0, id) {
			cur = id
		} else if cur == 0 {
			cur = atomic.LoadUint64(idWord)
		}
		if cur != id {
			return false
		}
		if !atomic.CompareAndSwapUint64(locWord, 0, locator) {
			err = &dberr.ErrDuplicateID{ID: id}
		}
		return true
	})
	if !found {
		return dberr.ErrIDIndexFull
	}
	return err
}

// Lookup returns the locator mapped to id.
func (x *IDIndex) Lookup(id uint64) (uint64, bool) {
	var locator uint64
	x.probe(id, func(idWord, locWord *uint64) bool {
		cur := atomic.LoadUint64(idWord)
		if cur == id {
			locator = atomic.LoadUint64(locWord)
			return true
		}
		// An empty slot ends the probe sequence.
		return cur == 0
	})
	return locator, locator != 0
}

// Clear unmaps id if it is still mapped to locator.
func (x *IDIndex) Clear(id, locator uint64) bool {
	var cleared bool
	x.probe(id, func(idWord, locWord *uint64) bool {
		cur := atomic.LoadUint64(idWord)
		if cur == id {
			cleared = atomic.CompareAndSwapUint64(locWord, locator, 0)
			return true
		}
		return cur == 0
	})
	return cleared
}
