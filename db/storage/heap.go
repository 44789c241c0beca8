package storage

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/memview"
	"go.uber.org/zap"
)

// Heap is a bump allocator over the shared object arena. Offset 0 is never
// handed out and stands for "no object".
type Heap struct {
	arena     []byte
	next      *uint64
	reclaimed *uint64
}

// firstHeapOffset is where the first object is placed.
const firstHeapOffset = 8

// Allocate reserves an 8-byte aligned slot of size bytes and returns its
// offset. Concurrent callers in any process get disjoint slots.
func (h *Heap) Allocate(size int) (uint64, error) {
	dberr.Invariant(size >= ObjectHeaderSize && size <= MaxObjectSize, "heap allocation out of range", zap.Int("size", size))
	aligned := memview.AlignUp(uint64(size))
	end := atomic.AddUint64(h.next, aligned)
	if end > uint64(len(h.arena)) {
		return 0, dberr.ErrHeapExhausted
	}
	return end - aligned, nil
}

// AllocateObject allocates a slot for the object and initializes it.
func (h *Heap) AllocateObject(id uint64, typ uint32, numRefs int, data []byte) (uint64, Object, error) {
	size, err := ObjectSize(numRefs, len(data))
	if err != nil {
		return 0, nil, err
	}
	offset, err := h.Allocate(size)
	if err != nil {
		return 0, nil, err
	}
	obj := Object(h.arena[offset : offset+uint64(size)])
	obj.Init(id, typ, numRefs, data)
	return offset, obj, nil
}

// CopyObject duplicates the object at offset into a fresh slot.
func (h *Heap) CopyObject(offset uint64) (uint64, Object, error) {
	return h.Insert(h.Object(offset))
}

// Insert copies an encoded object, possibly from outside the heap, into a
// fresh slot.
func (h *Heap) Insert(src Object) (uint64, Object, error) {
	dst, err := h.Allocate(src.Size())
	if err != nil {
		return 0, nil, err
	}
	obj := Object(h.arena[dst : dst+uint64(src.Size())])
	copy(obj, src)
	return dst, obj, nil
}

// Object returns the typed view of the slot at offset.
func (h *Heap) Object(offset uint64) Object {
	dberr.Invariant(offset != 0 && offset+ObjectHeaderSize <= uint64(len(h.arena)), "object offset out of range",
		zap.Uint64("offset", offset))
	payload := binary.LittleEndian.Uint32(h.arena[offset+objPayloadOffset:])
	end := offset + ObjectHeaderSize + uint64(payload)
	dberr.Invariant(end <= uint64(len(h.arena)), "object extends past the heap", zap.Uint64("offset", offset))
	return Object(h.arena[offset:end])
}

// Free accounts the slot at offset as reclaimed. The bump allocator does not
// reuse the space.
func (h *Heap) Free(offset uint64) {
	size := memview.AlignUp(uint64(h.Object(offset).Size()))
	atomic.AddUint64(h.reclaimed, size)
}

// Used returns the bytes handed out so far.
func (h *Heap) Used() uint64 {
	used := atomic.LoadUint64(h.next)
	if used > uint64(len(h.arena)) {
		return uint64(len(h.arena))
	}
	return used
}

func (h *Heap) Reclaimed() uint64 {
	return atomic.LoadUint64(h.reclaimed)
}

func (h *Heap) Capacity() uint64 {
	return uint64(len(h.arena))
}
