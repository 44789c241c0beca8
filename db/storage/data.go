// Package storage provides typed views over the shared segments: the data
// segment (header, metadata array, type index, id index and object heap),
// the locators segment and per-transaction log segments.
package storage

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/typeindex"
	"github.com/shmdb/shmdb/db/util/memview"
)

const (
	dataMagic   = 0x73686d6462000001
	dataVersion = 1

	// HeaderSize is the size of the data segment header.
	HeaderSize = 4096
)

// Header word indices.
const (
	hdrMagic = iota
	hdrVersion
	hdrMaxLocators
	hdrMaxTimestamps
	hdrIDSlots
	hdrHeapSize
	hdrLastTimestamp
	hdrLastLocator
	hdrLastID
	hdrHeapNext
	hdrReclaimed
	hdrLastApplied
)

// Capacity fixes the sizes of every region of the data segment.
type Capacity struct {
	MaxLocators   uint64
	MaxTimestamps uint64
	IDSlots       uint64
	HeapSize      uint64
}

func (c Capacity) metadataSize() uint64  { return c.MaxTimestamps * 8 }
func (c Capacity) typeIndexSize() uint64 { return typeindex.RegionSize(c.MaxLocators) }
func (c Capacity) idIndexSize() uint64   { return IDIndexSize(c.IDSlots) }

// DataSize returns the byte size of a data segment with this capacity.
func (c Capacity) DataSize() uint64 {
	return HeaderSize + c.metadataSize() + c.typeIndexSize() + c.idIndexSize() + memview.AlignUp(c.HeapSize)
}

// Validate checks that the capacity describes a usable segment.
func (c Capacity) Validate() error {
	switch {
	case c.MaxLocators == 0 || c.MaxLocators > typeindex.MaxLocator:
		return errors.Errorf("max locators %d out of range", c.MaxLocators)
	case c.MaxTimestamps < 2:
		return errors.Errorf("max timestamps %d out of range", c.MaxTimestamps)
	case c.IDSlots < c.MaxLocators:
		return errors.Errorf("id index slots %d below max locators %d", c.IDSlots, c.MaxLocators)
	case c.HeapSize <= firstHeapOffset+MaxObjectSize:
		return errors.Errorf("heap size %d too small", c.HeapSize)
	}
	return nil
}

// DataSegment is a view over a mapped data segment.
type DataSegment struct {
	header   []uint64
	capacity Capacity
	metadata []uint64
	types    *typeindex.Index
	ids      *IDIndex
	heap     *Heap
}

// FormatData initializes a zeroed region as an empty data segment.
func FormatData(region []byte, c Capacity) (*DataSegment, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(region)) < c.DataSize() {
		return nil, errors.Errorf("data region of %d bytes is smaller than %d", len(region), c.DataSize())
	}
	header := memview.Words(region[:HeaderSize])
	header[hdrVersion] = dataVersion
	header[hdrMaxLocators] = c.MaxLocators
	header[hdrMaxTimestamps] = c.MaxTimestamps
	header[hdrIDSlots] = c.IDSlots
	header[hdrHeapSize] = memview.AlignUp(c.HeapSize)
	header[hdrHeapNext] = firstHeapOffset
	atomic.StoreUint64(&header[hdrMagic], dataMagic)
	return OpenData(region)
}

// OpenData attaches to a data segment formatted by FormatData, possibly in
// another process.
func OpenData(region []byte) (*DataSegment, error) {
	if len(region) < HeaderSize {
		return nil, errors.Errorf("data region of %d bytes has no header", len(region))
	}
	header := memview.Words(region[:HeaderSize])
	if atomic.LoadUint64(&header[hdrMagic]) != dataMagic || header[hdrVersion] != dataVersion {
		return nil, errors.New("data region is not a formatted data segment")
	}
	c := Capacity{
		MaxLocators:   header[hdrMaxLocators],
		MaxTimestamps: header[hdrMaxTimestamps],
		IDSlots:       header[hdrIDSlots],
		HeapSize:      header[hdrHeapSize],
	}
	if uint64(len(region)) < c.DataSize() {
		return nil, errors.Errorf("data region of %d bytes is smaller than %d", len(region), c.DataSize())
	}

	d := &DataSegment{header: header, capacity: c}
	off := uint64(HeaderSize)
	next := func(size uint64) []byte {
		b := region[off : off+size]
		off += size
		return b
	}
	d.metadata = memview.Words(next(c.metadataSize()))
	d.types = typeindex.New(next(c.typeIndexSize()), c.MaxLocators)
	d.ids = NewIDIndex(next(c.idIndexSize()))
	d.heap = &Heap{
		arena:     next(c.HeapSize),
		next:      &header[hdrHeapNext],
		reclaimed: &header[hdrReclaimed],
	}
	return d, nil
}

func (d *DataSegment) Capacity() Capacity { return d.capacity }

// Metadata returns the metadata array words, indexed by timestamp.
func (d *DataSegment) Metadata() []uint64 { return d.metadata }

// TimestampCounter returns the shared last-allocated-timestamp word.
func (d *DataSegment) TimestampCounter() *uint64 { return &d.header[hdrLastTimestamp] }

func (d *DataSegment) TypeIndex() *typeindex.Index { return d.types }
func (d *DataSegment) IDs() *IDIndex               { return d.ids }
func (d *DataSegment) Heap() *Heap                 { return d.heap }

// AllocateLocator hands out the next unused locator.
func (d *DataSegment) AllocateLocator() (uint64, error) {
	l := atomic.AddUint64(&d.header[hdrLastLocator], 1)
	if l > d.capacity.MaxLocators {
		return 0, dberr.ErrLocatorSpaceExhausted
	}
	return l, nil
}

// AllocateID hands out a fresh object id.
func (d *DataSegment) AllocateID() uint64 {
	return atomic.AddUint64(&d.header[hdrLastID], 1)
}

// ObserveID raises the id counter so that AllocateID never returns id.
func (d *DataSegment) ObserveID(id uint64) {
	raise(&d.header[hdrLastID], id)
}

func (d *DataSegment) LastLocator() uint64 {
	l := atomic.LoadUint64(&d.header[hdrLastLocator])
	if l > d.capacity.MaxLocators {
		return d.capacity.MaxLocators
	}
	return l
}

func (d *DataSegment) LastID() uint64 { return atomic.LoadUint64(&d.header[hdrLastID]) }

// LastApplied returns the newest commit_ts applied to the shared view.
func (d *DataSegment) LastApplied() uint64 { return atomic.LoadUint64(&d.header[hdrLastApplied]) }

func (d *DataSegment) SetLastApplied(ts uint64) { raise(&d.header[hdrLastApplied], ts) }

// Restore raises the counters to values recovered from durable storage.
func (d *DataSegment) Restore(lastTS, lastLocator, lastID uint64) {
	raise(&d.header[hdrLastTimestamp], lastTS)
	raise(&d.header[hdrLastLocator], lastLocator)
	raise(&d.header[hdrLastID], lastID)
	raise(&d.header[hdrLastApplied], lastTS)
}

func raise(w *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(w)
		if cur >= v || atomic.CompareAndSwapUint64(w, cur, v) {
			return
		}
	}
}
