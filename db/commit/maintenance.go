package commit

import (
	"github.com/pingcap/log"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
	"go.uber.org/zap"
)

// VersionStore receives committed logs and obsolete versions.
type VersionStore interface {
	// Apply installs the new versions of a committed log into the shared
	// view. Applying a log twice has no further effect.
	Apply(commitTS uint64, log *storage.TxnLog)
	// Reclaim releases the versions a decided log made unreachable: the
	// superseded versions of a committed log, or the new versions of an
	// aborted one.
	Reclaim(log *storage.TxnLog, committed bool)
}

// Maintainer applies committed logs to the shared view and reclaims the
// resources of transactions nobody can observe anymore. Perform may run
// concurrently from several goroutines.
type Maintainer struct {
	oracle  *tso.TimestampOracle
	marks   *Watermarks
	logs    LogSource
	store   VersionStore
	durable bool
}

// NewMaintainer returns a maintainer. When requireDurable is set, a
// transaction is reclaimed only after its outcome was persisted.
func NewMaintainer(oracle *tso.TimestampOracle, marks *Watermarks, logs LogSource, store VersionStore, requireDurable bool) *Maintainer {
	return &Maintainer{
		oracle:  oracle,
		marks:   marks,
		logs:    logs,
		store:   store,
		durable: requireDurable,
	}
}

func (m *Maintainer) Watermarks() *Watermarks { return m.marks }

// Perform runs one maintenance round.
func (m *Maintainer) Perform() {
	m.applyLogs()
	m.collectGarbage()
	m.advanceTruncationPoint()

	watermarkGauge.WithLabelValues("pre-apply").Set(float64(m.marks.PreApply()))
	watermarkGauge.WithLabelValues("post-apply").Set(float64(m.marks.PostApply()))
	watermarkGauge.WithLabelValues("post-gc").Set(float64(m.marks.PostGC()))
}

// applyLogs advances the apply watermarks as far as possible. It stops at an
// active transaction, at a submitted transaction whose commit is undecided
// and at an undecided commit.
func (m *Maintainer) applyLogs() {
	meta := m.oracle.Metadata()
	last := m.oracle.LastAllocated()
	for ts := m.marks.PreApply() + 1; ts <= last; ts++ {
		m.oracle.SealUnknown(ts)

		e := meta.Load(ts)
		if e.IsCommit() && e.IsValidating() {
			break
		}
		if e.IsBegin() {
			if e.IsActive() {
				break
			}
			if e.IsSubmitted() && meta.Load(e.CommitTS()).IsValidating() {
				break
			}
		}

		prev := ts - 1
		if m.marks.PreApply() != prev || m.marks.PostApply() != prev {
			break
		}
		if !advance(&m.marks.preApply, ts) {
			break
		}

		if e.IsCommit() && e.IsCommitted() {
			m.applyLog(ts)
		}

		ok := advance(&m.marks.postApply, ts)
		dberr.Invariant(ok, "post-apply watermark moved by another caller", zap.Uint64("ts", ts))
	}
}

func (m *Maintainer) applyLog(commitTS uint64) {
	txnLog, release, err := m.logs.OpenLog(commitTS)
	dberr.Invariant(err == nil, "log of an unapplied transaction must be open",
		zap.Uint64("commit-ts", commitTS), zap.Error(err))
	defer release()
	dberr.Invariant(txnLog.BeginTS() == m.oracle.BeginTSOf(commitTS), "log begin_ts does not match its commit entry",
		zap.Uint64("commit-ts", commitTS), zap.Uint64("log-begin-ts", txnLog.BeginTS()))
	m.store.Apply(commitTS, txnLog)
	appliedCounter.Inc()
}

// collectGarbage reclaims every decided transaction between the post-GC and
// post-apply watermarks.
func (m *Maintainer) collectGarbage() {
	meta := m.oracle.Metadata()
	end := m.marks.PostApply()
	for ts := m.marks.PostGC() + 1; ts <= end; ts++ {
		e := meta.Load(ts)
		dberr.Invariant(!e.IsUninitialized() && !e.IsActive(), "unexpected entry behind the apply watermark",
			zap.Uint64("ts", ts), zap.Stringer("entry", e))
		if !e.IsCommit() {
			continue
		}
		if m.durable && !e.IsDurable() {
			break
		}
		fd, ok := m.oracle.InvalidateLogFD(ts)
		if !ok {
			continue
		}
		committed := e.IsCommitted()
		err := m.logs.CloseLog(fd, func(txnLog *storage.TxnLog) {
			m.store.Reclaim(txnLog, committed)
		})
		if err != nil {
			log.Error("reclaiming transaction log failed", zap.Uint64("commit-ts", ts), zap.Error(err))
		}
		m.oracle.SetGCComplete(ts)
		gcCounter.Inc()
	}
}

// advanceTruncationPoint moves the post-GC watermark over the prefix of
// fully reclaimed transactions.
func (m *Maintainer) advanceTruncationPoint() {
	meta := m.oracle.Metadata()
	end := m.marks.PostApply()
	for ts := m.marks.PostGC() + 1; ts <= end; ts++ {
		if e := meta.Load(ts); e.IsCommit() && !e.IsGCComplete() {
			break
		}
		if !advance(&m.marks.postGC, ts) {
			break
		}
	}
}
