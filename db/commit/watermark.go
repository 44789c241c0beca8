package commit

import (
	"go.uber.org/atomic"
)

// Watermarks track how far maintenance progressed through the timestamp
// space. Each only moves forward.
//
// The pre-apply and post-apply watermarks form an inchworm: a log is applied
// only by the caller that moved pre-apply from a point where both were
// equal, and post-apply catches up once the log is in the shared view. The
// post-GC watermark trails post-apply and marks the prefix whose resources
// are fully reclaimed.
type Watermarks struct {
	preApply  atomic.Uint64
	postApply atomic.Uint64
	postGC    atomic.Uint64
}

func (w *Watermarks) PreApply() uint64  { return w.preApply.Load() }
func (w *Watermarks) PostApply() uint64 { return w.postApply.Load() }
func (w *Watermarks) PostGC() uint64    { return w.postGC.Load() }

// Restore moves every watermark to ts, which must precede any live
// transaction. Recovery uses it.
func (w *Watermarks) Restore(ts uint64) {
	advance(&w.preApply, ts)
	advance(&w.postApply, ts)
	advance(&w.postGC, ts)
}

// advance moves w to ts unless it is already at or past ts. It reports
// whether this call moved it.
func advance(w *atomic.Uint64, ts uint64) bool {
	for {
		cur := w.Load()
		if ts <= cur {
			return false
		}
		if w.CAS(cur, ts) {
			return true
		}
	}
}
