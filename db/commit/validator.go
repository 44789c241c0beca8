// Package commit decides transactions and maintains the shared view.
//
// A committing transaction owns the timestamp interval between its begin_ts
// and its commit_ts. It aborts when any transaction that committed inside
// that interval wrote one of the locators it wrote. Validators never take
// locks: unclaimed timestamps inside the interval are sealed so that no
// later commit can register there, and undecided commits are validated
// recursively on behalf of their owners. Decisions are idempotent, so
// racing validators of the same commit are harmless.
package commit

import (
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
	"go.uber.org/zap"
)

// LogSource gives access to the logs of submitted transactions.
type LogSource interface {
	// OpenLog maps the log registered for commitTS. It fails with
	// dberr.ErrLogInvalidated once garbage collection took the log over.
	// The returned function releases the mapping.
	OpenLog(commitTS uint64) (*storage.TxnLog, func(), error)
	// CloseLog maps the log behind fd, which the caller owns after
	// invalidating it, hands it to fn and closes fd.
	CloseLog(fd int, fn func(*storage.TxnLog)) error
}

// Validator runs the conflict scan of the commit protocol.
type Validator struct {
	oracle *tso.TimestampOracle
	logs   LogSource
}

func NewValidator(oracle *tso.TimestampOracle, logs LogSource) *Validator {
	return &Validator{oracle: oracle, logs: logs}
}

// LogsConflict reports whether two locator-sorted logs share a locator.
func LogsConflict(a, b *storage.TxnLog) bool {
	i, j := 0, 0
	for i < a.Count() && j < b.Count() {
		la, lb := a.Record(i).Locator, b.Record(j).Locator
		switch {
		case la == lb:
			return true
		case la < lb:
			i++
		default:
			j++
		}
	}
	return false
}

// decision returns the outcome of a commit_ts that must already be decided.
func (v *Validator) decision(commitTS uint64) bool {
	e := v.oracle.Metadata().Load(commitTS)
	dberr.Invariant(e.IsDecided(), "transaction should have been validated already",
		zap.Uint64("commit-ts", commitTS), zap.Stringer("entry", e))
	return e.IsCommitted()
}

func (v *Validator) decided(commitTS uint64) (bool, bool) {
	e := v.oracle.Metadata().Load(commitTS)
	return e.IsCommitted(), e.IsDecided()
}

// conflictsWith tests our log against the committed log of ts. invalidated
// is set when that log was already reclaimed, which implies our own
// transaction was decided meanwhile.
func (v *Validator) conflictsWith(ours *storage.TxnLog, ts uint64) (conflict, invalidated bool) {
	theirs, release, err := v.logs.OpenLog(ts)
	if errors.Cause(err) == dberr.ErrLogInvalidated {
		return false, true
	}
	dberr.Invariant(err == nil, "cannot open a committed transaction log", zap.Uint64("commit-ts", ts), zap.Error(err))
	defer release()
	return LogsConflict(ours, theirs), false
}

// Validate returns whether the transaction at commitTS may commit. It does
// not record the outcome; see Decide.
func (v *Validator) Validate(commitTS uint64) bool {
	meta := v.oracle.Metadata()
	if committed, ok := v.decided(commitTS); ok {
		return committed
	}
	beginTS := meta.Load(commitTS).BeginTS()

	ours, release, err := v.logs.OpenLog(commitTS)
	if errors.Cause(err) == dberr.ErrLogInvalidated {
		return v.decision(commitTS)
	}
	dberr.Invariant(err == nil, "cannot open the validating transaction log", zap.Uint64("commit-ts", commitTS), zap.Error(err))
	defer release()

	if ours.Count() == 0 {
		return true
	}

	tested := make(map[uint64]struct{})

	// First pass: test committed transactions only, giving undecided ones
	// time to be decided by their owners. Repeat until nothing new shows up.
	for found := true; found; {
		found = false
		for ts := beginTS + 1; ts < commitTS; ts++ {
			if v.oracle.SealUnknown(ts) {
				continue
			}
			if e := meta.Load(ts); e.IsCommit() && e.IsCommitted() {
				if _, ok := tested[ts]; !ok {
					tested[ts] = struct{}{}
					found = true
					conflict, invalidated := v.conflictsWith(ours, ts)
					if invalidated {
						return v.decision(commitTS)
					}
					if conflict {
						return false
					}
				}
			}
			if committed, ok := v.decided(commitTS); ok {
				return committed
			}
		}
	}

	// Second pass: help decide the remaining undecided transactions, oldest
	// first, and test those that committed.
	for ts := beginTS + 1; ts < commitTS; ts++ {
		if e := meta.Load(ts); e.IsCommit() {
			if e.IsValidating() {
				v.oracle.UpdateDecision(ts, v.Validate(ts))
			}
			if _, ok := tested[ts]; !ok && meta.Load(ts).IsCommitted() {
				tested[ts] = struct{}{}
				conflict, invalidated := v.conflictsWith(ours, ts)
				if invalidated {
					return v.decision(commitTS)
				}
				if conflict {
					return false
				}
			}
		}
		if committed, ok := v.decided(commitTS); ok {
			return committed
		}
	}
	return true
}

// Decide validates commitTS and installs the outcome.
func (v *Validator) Decide(commitTS uint64) bool {
	start := time.Now()
	committed := v.oracle.UpdateDecision(commitTS, v.Validate(commitTS)).IsCommitted()
	validationDuration.Observe(time.Since(start).Seconds())
	if committed {
		decisionCounter.WithLabelValues("commit").Inc()
	} else {
		decisionCounter.WithLabelValues("abort").Inc()
	}
	log.Debug("transaction decided", zap.Uint64("commit-ts", commitTS), zap.Bool("committed", committed))
	return committed
}

// ValidateRange seals unclaimed timestamps in [start, end) and decides every
// undecided commit there. A new transaction runs it over the interval
// between the applied watermark and its begin_ts, so no undecided commit
// ever precedes an active begin_ts.
func (v *Validator) ValidateRange(start, end uint64) {
	meta := v.oracle.Metadata()
	if start == 0 {
		start = 1
	}
	for ts := start; ts < end; ts++ {
		v.oracle.SealUnknown(ts)
		if e := meta.Load(ts); e.IsCommit() && e.IsValidating() {
			v.oracle.UpdateDecision(ts, v.Validate(ts))
		}
	}
}
