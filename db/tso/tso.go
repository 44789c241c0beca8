// Package tso allocates timestamps from the shared counter and drives the
// per-timestamp metadata entries through their state machines.
package tso

import (
	"sync/atomic"

	"github.com/pingcap/log"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/txnmeta"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// MetadataArray is the shared array of metadata entries indexed by
// timestamp. Slot 0 is never allocated.
type MetadataArray struct {
	words []uint64
}

func NewMetadataArray(words []uint64) *MetadataArray {
	return &MetadataArray{words: words}
}

func (m *MetadataArray) slot(ts uint64) *uint64 {
	dberr.Invariant(ts != 0 && ts < uint64(len(m.words)), "timestamp out of range", zap.Uint64("ts", ts))
	return &m.words[ts]
}

func (m *MetadataArray) Load(ts uint64) txnmeta.Entry {
	return txnmeta.Entry(atomic.LoadUint64(m.slot(ts)))
}

func (m *MetadataArray) CompareAndSwap(ts uint64, old, new txnmeta.Entry) bool {
	return atomic.CompareAndSwapUint64(m.slot(ts), uint64(old), uint64(new))
}

// Store overwrites a slot. Only recovery uses it, before any client exists.
func (m *MetadataArray) Store(ts uint64, e txnmeta.Entry) {
	atomic.StoreUint64(m.slot(ts), uint64(e))
}

func (m *MetadataArray) Len() int {
	return len(m.words)
}

// update installs fn(current) with a compare-and-swap loop and returns the
// installed entry.
func (m *MetadataArray) update(ts uint64, fn func(txnmeta.Entry) txnmeta.Entry) txnmeta.Entry {
	for {
		cur := m.Load(ts)
		next := fn(cur)
		if next == cur || m.CompareAndSwap(ts, cur, next) {
			return next
		}
	}
}

// warnRatio is the fraction of the timestamp space after which allocation
// logs a warning.
const warnRatio = 0.9

// TimestampOracle hands out timestamps from the shared counter. Every
// timestamp is used at most once, either as a begin_ts or as a commit_ts.
type TimestampOracle struct {
	last    *uint64
	entries *MetadataArray
	limit   uint64
	warned  uatomic.Bool
}

// NewTimestampOracle returns an oracle over the shared counter word last
// and the metadata array words.
func NewTimestampOracle(last *uint64, metadata []uint64) *TimestampOracle {
	limit := uint64(len(metadata))
	if limit > txnmeta.MaxTimestamp {
		limit = txnmeta.MaxTimestamp
	}
	return &TimestampOracle{
		last:    last,
		entries: NewMetadataArray(metadata),
		limit:   limit,
	}
}

func (t *TimestampOracle) Metadata() *MetadataArray {
	return t.entries
}

// Allocate returns the next timestamp. Values are strictly increasing
// across all processes.
func (t *TimestampOracle) Allocate() (uint64, error) {
	ts := atomic.AddUint64(t.last, 1)
	if ts >= t.limit {
		tsoCounter.WithLabelValues("exhausted").Inc()
		return 0, dberr.ErrTimestampSpaceExhausted
	}
	if float64(ts) >= float64(t.limit)*warnRatio && t.warned.CAS(false, true) {
		log.Warn("timestamp space is running out", zap.Uint64("ts", ts), zap.Uint64("limit", t.limit))
	}
	return ts, nil
}

// LastAllocated returns the newest timestamp handed out so far.
func (t *TimestampOracle) LastAllocated() uint64 {
	last := atomic.LoadUint64(t.last)
	if last >= t.limit {
		return t.limit - 1
	}
	return last
}

// BeginTxn allocates a begin_ts and installs it as ACTIVE. A slot sealed by
// a concurrent validator is skipped.
func (t *TimestampOracle) BeginTxn() (uint64, error) {
	for {
		ts, err := t.Allocate()
		if err != nil {
			return 0, err
		}
		if t.entries.CompareAndSwap(ts, txnmeta.Uninitialized, txnmeta.NewBeginEntry()) {
			tsoCounter.WithLabelValues("begin").Inc()
			return ts, nil
		}
		dberr.Invariant(t.entries.Load(ts).IsSealed(), "fresh timestamp is neither uninitialized nor sealed",
			zap.Uint64("ts", ts), zap.Stringer("entry", t.entries.Load(ts)))
	}
}

// RegisterCommit allocates a commit_ts and installs it as VALIDATING for
// beginTS, retrying past sealed slots.
func (t *TimestampOracle) RegisterCommit(beginTS uint64, logFD int) (uint64, error) {
	entry := txnmeta.NewCommitEntry(beginTS, logFD)
	for {
		ts, err := t.Allocate()
		if err != nil {
			return 0, err
		}
		if t.entries.CompareAndSwap(ts, txnmeta.Uninitialized, entry) {
			tsoCounter.WithLabelValues("commit").Inc()
			return ts, nil
		}
		dberr.Invariant(t.entries.Load(ts).IsSealed(), "fresh timestamp is neither uninitialized nor sealed",
			zap.Uint64("ts", ts), zap.Stringer("entry", t.entries.Load(ts)))
	}
}

// Submit registers the commit_ts of an active transaction and links it from
// the begin_ts entry.
func (t *TimestampOracle) Submit(beginTS uint64, logFD int) (uint64, error) {
	cur := t.entries.Load(beginTS)
	dberr.Invariant(cur.IsActive(), "only an active transaction can be submitted",
		zap.Uint64("begin-ts", beginTS), zap.Stringer("entry", cur))
	commitTS, err := t.RegisterCommit(beginTS, logFD)
	if err != nil {
		return 0, err
	}
	next := cur.SetSubmitted(commitTS)
	ok := t.entries.CompareAndSwap(beginTS, cur, next)
	dberr.Invariant(ok, "begin_ts entry changed while submitting", zap.Uint64("begin-ts", beginTS),
		zap.Stringer("entry", t.entries.Load(beginTS)))
	return commitTS, nil
}

// Terminate moves an active begin_ts to TERMINATED.
func (t *TimestampOracle) Terminate(beginTS uint64) {
	t.entries.update(beginTS, func(e txnmeta.Entry) txnmeta.Entry {
		return e.SetTerminated()
	})
	tsoCounter.WithLabelValues("terminate").Inc()
}

// SealUnknown reserves ts if nobody claimed it yet. It reports whether the
// slot is now sealed.
func (t *TimestampOracle) SealUnknown(ts uint64) bool {
	if t.entries.CompareAndSwap(ts, txnmeta.Uninitialized, txnmeta.Sealed) {
		return true
	}
	return t.entries.Load(ts).IsSealed()
}

// UpdateDecision decides commitTS. Racing validators must agree, so a
// second identical decision is a no-op.
func (t *TimestampOracle) UpdateDecision(commitTS uint64, committed bool) txnmeta.Entry {
	return t.entries.update(commitTS, func(e txnmeta.Entry) txnmeta.Entry {
		return e.SetDecision(committed)
	})
}

func (t *TimestampOracle) SetDurable(commitTS uint64) {
	t.entries.update(commitTS, func(e txnmeta.Entry) txnmeta.Entry {
		return e.SetDurable()
	})
}

func (t *TimestampOracle) SetGCComplete(commitTS uint64) {
	t.entries.update(commitTS, func(e txnmeta.Entry) txnmeta.Entry {
		return e.SetGCComplete()
	})
}

// InvalidateLogFD replaces the log descriptor of a decided commitTS with the
// reclaimed sentinel. It returns the previous descriptor only to the one
// caller that performed the replacement.
func (t *TimestampOracle) InvalidateLogFD(commitTS uint64) (int, bool) {
	for {
		cur := t.entries.Load(commitTS)
		fd := cur.LogFD()
		if fd < 0 {
			return -1, false
		}
		if t.entries.CompareAndSwap(commitTS, cur, cur.InvalidateLogFD()) {
			return fd, true
		}
	}
}

// BeginTSOf returns the begin_ts linked from a commit entry.
func (t *TimestampOracle) BeginTSOf(commitTS uint64) uint64 {
	return t.entries.Load(commitTS).BeginTS()
}

// CommitTSOf returns the commit_ts linked from a submitted begin entry.
func (t *TimestampOracle) CommitTSOf(beginTS uint64) uint64 {
	return t.entries.Load(beginTS).CommitTS()
}
