package server

import (
	"github.com/pingcap/log"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"go.uber.org/zap"
)

// sharedStore is the server's side of the shared view: the data segment and
// the shared locators mapping.
type sharedStore struct {
	data     *storage.DataSegment
	locators *storage.Locators
	// lockFD is a private description of the locators file. Apply holds an
	// exclusive lock on it so no client maps a snapshot halfway through.
	lockFD int
}

func (st *sharedStore) Apply(commitTS uint64, txnLog *storage.TxnLog) {
	if err := shm.LockExclusive(st.lockFD); err != nil {
		log.Warn("applying without the locators lock", zap.Error(err))
	} else {
		defer shm.Unlock(st.lockFD)
	}
	for i := 0; i < txnLog.Count(); i++ {
		rec := txnLog.Record(i)
		st.locators.Set(rec.Locator, rec.NewOffset)
	}
	st.data.SetLastApplied(commitTS)
}

func (st *sharedStore) Reclaim(txnLog *storage.TxnLog, committed bool) {
	heap := st.data.Heap()
	types := st.data.TypeIndex()
	ids := st.data.IDs()
	sweep := make(map[uint32]struct{})
	for i := 0; i < txnLog.Count(); i++ {
		rec := txnLog.Record(i)
		if committed {
			if rec.OldOffset == 0 {
				continue
			}
			if rec.Operation == storage.OpRemove {
				sweep[heap.Object(rec.OldOffset).Type()] = struct{}{}
				types.DeleteLocator(rec.Locator)
				ids.Clear(rec.DeletedID, rec.Locator)
			}
			heap.Free(rec.OldOffset)
			continue
		}
		if rec.NewOffset == 0 {
			continue
		}
		if rec.Operation == storage.OpCreate {
			obj := heap.Object(rec.NewOffset)
			sweep[obj.Type()] = struct{}{}
			types.DeleteLocator(rec.Locator)
			ids.Clear(obj.ID(), rec.Locator)
		}
		heap.Free(rec.NewOffset)
	}
	for typ := range sweep {
		types.Sweep(typ)
	}
	heapGauge.WithLabelValues("used").Set(float64(heap.Used()))
	heapGauge.WithLabelValues("reclaimed").Set(float64(heap.Reclaimed()))
}
