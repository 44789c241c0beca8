package storage

import (
	"sync/atomic"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/memview"
	"go.uber.org/zap"
)

// LocatorsSize returns the byte size of a locators segment. Locator 0 is
// reserved, so the table has maxLocators+1 entries.
func LocatorsSize(maxLocators uint64) uint64 {
	return (maxLocators + 1) * 8
}

// Locators maps locators to heap offsets. The server's view is shared;
// each transaction reads and writes a private copy-on-write view.
type Locators struct {
	offsets []uint64
}

func NewLocators(region []byte) *Locators {
	return &Locators{offsets: memview.Words(region)}
}

func (l *Locators) check(locator uint64) {
	dberr.Invariant(locator != 0 && locator < uint64(len(l.offsets)), "locator out of range",
		zap.Uint64("locator", locator))
}

// Get returns the heap offset of locator, 0 when it has no object.
func (l *Locators) Get(locator uint64) uint64 {
	l.check(locator)
	return atomic.LoadUint64(&l.offsets[locator])
}

func (l *Locators) Set(locator, offset uint64) {
	l.check(locator)
	atomic.StoreUint64(&l.offsets[locator], offset)
}

// Len returns the number of usable locators.
func (l *Locators) Len() int {
	return len(l.offsets) - 1
}
