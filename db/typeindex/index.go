// Package typeindex keeps one lock-free singly linked list of locators per
// object type, living in shared memory.
//
// The region holds MaxTypes heads followed by one node word per locator. A
// node word packs the next locator of the same type in its low 32 bits and a
// deleted flag in its top bit. Locator 0 terminates a list.
//
// Locators are pushed at the head, so a full traversal yields the newest
// locator first. Deletion is two-phase: DeleteLocator marks a node, and a
// Cursor later unlinks runs of marked nodes.
package typeindex

import (
	"sync/atomic"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/bitfield"
	"github.com/shmdb/shmdb/db/util/memview"
	"go.uber.org/zap"
)

// MaxTypes is the number of distinct types an index can hold.
const MaxTypes = 64

const (
	headWords = 2

	nextBits     = 32
	nextShift    = 0
	deletedShift = 63
)

// MaxLocator is the largest locator a node can link to.
const MaxLocator = uint64(1)<<nextBits - 1

// RegionSize returns the bytes needed for an index over maxLocators locators.
func RegionSize(maxLocators uint64) uint64 {
	return (MaxTypes*headWords + maxLocators + 1) * 8
}

// Index is a view over a type index region.
type Index struct {
	heads []uint64
	nodes []uint64
}

// New wraps region, which must be at least RegionSize(maxLocators) bytes.
func New(region []byte, maxLocators uint64) *Index {
	dberr.Invariant(maxLocators <= MaxLocator, "too many locators for the type index", zap.Uint64("max-locators", maxLocators))
	words := memview.Words(region[:RegionSize(maxLocators)])
	return &Index{
		heads: words[:MaxTypes*headWords],
		nodes: words[MaxTypes*headWords:],
	}
}

func (idx *Index) typeWord(slot int) *uint64  { return &idx.heads[slot*headWords] }
func (idx *Index) firstWord(slot int) *uint64 { return &idx.heads[slot*headWords+1] }

func (idx *Index) node(locator uint64) *uint64 {
	dberr.Invariant(locator != 0 && locator < uint64(len(idx.nodes)), "locator out of range for the type index",
		zap.Uint64("locator", locator))
	return &idx.nodes[locator]
}

// RegisterType returns the head slot of typ, claiming a free slot the first
// time the type is seen.
func (idx *Index) RegisterType(typ uint32) (int, error) {
	dberr.Invariant(typ != 0, "type 0 is reserved")
	for slot := 0; slot < MaxTypes; slot++ {
		w := idx.typeWord(slot)
		cur := atomic.LoadUint64(w)
		if cur == 0 && atomic.CompareAndSwapUint64(w, 0, uint64(typ)) {
			return slot, nil
		}
		// Either the slot was taken already or another process just claimed it.
		if atomic.LoadUint64(w) == uint64(typ) {
			return slot, nil
		}
	}
	return -1, dberr.ErrTypeLimitExceeded
}

func (idx *Index) lookup(typ uint32) (int, bool) {
	for slot := 0; slot < MaxTypes; slot++ {
		cur := atomic.LoadUint64(idx.typeWord(slot))
		if cur == uint64(typ) {
			return slot, true
		}
		if cur == 0 {
			break
		}
	}
	return -1, false
}

// FirstLocator returns the head of typ's list, or 0 when it is empty or the
// type was never registered.
func (idx *Index) FirstLocator(typ uint32) uint64 {
	slot, ok := idx.lookup(typ)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(idx.firstWord(slot))
}

func (idx *Index) setFirstLocator(typ uint32, expected, desired uint64) bool {
	slot, ok := idx.lookup(typ)
	dberr.Invariant(ok, "type is not registered in the type index", zap.Uint32("type", typ))
	return atomic.CompareAndSwapUint64(idx.firstWord(slot), expected, desired)
}

// AddLocator pushes locator onto the head of typ's list.
func (idx *Index) AddLocator(typ uint32, locator uint64) error {
	slot, err := idx.RegisterType(typ)
	if err != nil {
		return err
	}
	node := idx.node(locator)
	head := idx.firstWord(slot)
	for {
		first := atomic.LoadUint64(head)
		atomic.StoreUint64(node, bitfield.Set(0, nextBits, nextShift, first))
		if atomic.CompareAndSwapUint64(head, first, locator) {
			return nil
		}
	}
}

// DeleteLocator marks locator's node as deleted. The node stays linked until
// a cursor unlinks it. It returns false if the node was already marked.
func (idx *Index) DeleteLocator(locator uint64) bool {
	node := idx.node(locator)
	for {
		w := atomic.LoadUint64(node)
		if bitfield.IsSet(w, deletedShift) {
			return false
		}
		if atomic.CompareAndSwapUint64(node, w, bitfield.Set(w, 1, deletedShift, 1)) {
			return true
		}
	}
}

// IsDeleted reports whether locator's node is marked.
func (idx *Index) IsDeleted(locator uint64) bool {
	return bitfield.IsSet(atomic.LoadUint64(idx.node(locator)), deletedShift)
}

// NextLocator returns the locator linked after locator.
func (idx *Index) NextLocator(locator uint64) uint64 {
	return bitfield.Get(atomic.LoadUint64(idx.node(locator)), nextBits, nextShift)
}

// setNextLocator relinks an unmarked node. It fails if the node was marked
// or relinked concurrently.
func (idx *Index) setNextLocator(locator, expected, desired uint64) bool {
	oldWord := bitfield.Set(0, nextBits, nextShift, expected)
	newWord := bitfield.Set(0, nextBits, nextShift, desired)
	return atomic.CompareAndSwapUint64(idx.node(locator), oldWord, newWord)
}

// Locators returns every linked locator of typ, marked or not, in list
// order.
func (idx *Index) Locators(typ uint32) []uint64 {
	var out []uint64
	for c := idx.Cursor(typ); c.Valid(); c.Advance() {
		out = append(out, c.CurrentLocator())
	}
	return out
}

// Sweep unlinks every run of marked nodes from typ's list and returns the
// number of runs removed.
func (idx *Index) Sweep(typ uint32) int {
	runs := 0
	c := idx.Cursor(typ)
	for c.Valid() {
		if !c.IsCurrentNodeDeleted() {
			c.Advance()
			continue
		}
		if c.UnlinkForDeletion() {
			runs++
			continue
		}
		// The predecessor changed under us; start over from the head.
		c.Reset()
	}
	return runs
}
