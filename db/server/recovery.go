package server

import (
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/commit"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
	"github.com/shmdb/shmdb/db/txnmeta"
	"github.com/shmdb/shmdb/db/wal"
	"go.uber.org/zap"
)

// recovery rebuilds the shared view from committed WAL records.
type recovery struct {
	store *sharedStore

	lastTS      uint64
	lastLocator uint64
	lastID      uint64
	records     int
	sweep       map[uint32]struct{}
}

func newRecovery(store *sharedStore) *recovery {
	return &recovery{store: store, sweep: make(map[uint32]struct{})}
}

func (r *recovery) replay(rec *wal.Record) error {
	capacity := r.store.data.Capacity()
	if rec.CommitTS >= capacity.MaxTimestamps {
		return errors.Errorf("recovered commit ts %d exceeds the timestamp space %d", rec.CommitTS, capacity.MaxTimestamps)
	}
	for i := range rec.Entries {
		if err := r.replayEntry(&rec.Entries[i], capacity); err != nil {
			return errors.Wrapf(err, "commit ts %d entry %d", rec.CommitTS, i)
		}
	}
	r.lastTS = rec.CommitTS
	r.records++
	return nil
}

func (r *recovery) replayEntry(e *wal.RecordEntry, capacity storage.Capacity) error {
	data := r.store.data
	heap := data.Heap()
	locators := r.store.locators
	if e.Locator == 0 || e.Locator > capacity.MaxLocators {
		return errors.Errorf("locator %d out of range", e.Locator)
	}
	if e.Locator > r.lastLocator {
		r.lastLocator = e.Locator
	}
	prev := locators.Get(e.Locator)

	if e.Operation == storage.OpRemove {
		if prev != 0 {
			r.sweep[heap.Object(prev).Type()] = struct{}{}
			heap.Free(prev)
		}
		locators.Set(e.Locator, 0)
		data.TypeIndex().DeleteLocator(e.Locator)
		data.IDs().Clear(e.DeletedID, e.Locator)
		r.observeID(e.DeletedID)
		return nil
	}

	obj := storage.Object(e.Object)
	if len(obj) < storage.ObjectHeaderSize || obj.Size() != len(obj) {
		return errors.Errorf("malformed object of %d bytes", len(obj))
	}
	offset, obj, err := heap.Insert(obj)
	if err != nil {
		return err
	}
	locators.Set(e.Locator, offset)
	if prev != 0 {
		heap.Free(prev)
	}
	r.observeID(obj.ID())
	if e.Operation == storage.OpCreate {
		if err := data.IDs().Insert(obj.ID(), e.Locator); err != nil {
			return err
		}
		if err := data.TypeIndex().AddLocator(obj.Type(), e.Locator); err != nil {
			return err
		}
	}
	return nil
}

func (r *recovery) observeID(id uint64) {
	if id > r.lastID {
		r.lastID = id
	}
}

// finish sweeps removed locators and moves the counters past everything
// recovered. Every recovered timestamp is sealed, so the metadata array
// never shows them as unclaimed.
func (r *recovery) finish(marks *commit.Watermarks, meta *tso.MetadataArray) {
	types := r.store.data.TypeIndex()
	for typ := range r.sweep {
		types.Sweep(typ)
	}
	if r.lastTS == 0 {
		return
	}
	for ts := uint64(1); ts <= r.lastTS; ts++ {
		meta.Store(ts, txnmeta.Sealed)
	}
	r.store.data.Restore(r.lastTS, r.lastLocator, r.lastID)
	marks.Restore(r.lastTS)
	log.Info("shared view recovered",
		zap.Int("transactions", r.records),
		zap.Uint64("last-commit-ts", r.lastTS),
		zap.Uint64("last-locator", r.lastLocator),
		zap.Uint64("last-id", r.lastID))
}
