// Package txnmeta defines the transaction metadata entry: one 64-bit word per
// timestamp describing the transaction that owns it.
//
// Layout, from the most significant bit:
//
//	[status:3][gc:1][persistence:1][reserved:1][log-fd:16][timestamp:42]
//
// A begin_ts entry holds ACTIVE, SUBMITTED or TERMINATED and, once submitted,
// the linked commit_ts. A commit_ts entry holds VALIDATING, COMMITTED or
// ABORTED, the begin_ts it validated for and the descriptor of its log.
//
// Entries are values. Transforms return a new Entry and never touch shared
// memory; the caller installs the result with a compare-and-swap on the slot.
package txnmeta

import (
	"fmt"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/bitfield"
	"go.uber.org/zap"
)

const (
	TimestampBits  = 42
	timestampShift = 0

	logFDBits  = 16
	logFDShift = timestampShift + TimestampBits

	reservedShift    = logFDShift + logFDBits
	persistenceShift = reservedShift + 1
	gcShift          = persistenceShift + 1

	statusBits  = 3
	statusShift = gcShift + 1
)

// MaxTimestamp is one past the largest timestamp an entry can embed.
const MaxTimestamp = uint64(1) << TimestampBits

// InvalidLogFD marks a commit entry whose log has been reclaimed.
const InvalidLogFD = 1<<logFDBits - 1

// Status codes. The 0b100 bit marks the commit_ts namespace; within it the
// 0b010 bit marks a decided transaction.
const (
	StatusTerminated = 0b001
	StatusActive     = 0b010
	StatusSubmitted  = 0b011
	StatusValidating = 0b100
	StatusAborted    = 0b110
	StatusCommitted  = 0b111

	statusCommitFlag  = 0b100
	statusDecidedMask = 0b110
	statusSealed      = 0b101
)

// Entry is the value stored in a metadata array slot.
type Entry uint64

const (
	// Uninitialized is the value of a slot whose timestamp has not been
	// claimed by any transaction.
	Uninitialized Entry = 0
	// Sealed reserves a slot whose role is still unknown so that no
	// transaction can claim it afterwards.
	Sealed Entry = statusSealed << statusShift
)

// NewBeginEntry returns the entry installed for a freshly allocated begin_ts.
func NewBeginEntry() Entry {
	return Entry(bitfield.Set(0, statusBits, statusShift, StatusActive))
}

// NewCommitEntry returns the VALIDATING entry of a commit_ts linked to its
// begin_ts and log descriptor.
func NewCommitEntry(beginTS uint64, logFD int) Entry {
	dberr.Invariant(beginTS != 0 && beginTS < MaxTimestamp, "begin_ts out of range", zap.Uint64("begin-ts", beginTS))
	dberr.Invariant(logFD >= 0 && logFD < InvalidLogFD, "log fd out of range", zap.Int("log-fd", logFD))
	w := bitfield.Set(0, statusBits, statusShift, StatusValidating)
	w = bitfield.Set(w, logFDBits, logFDShift, uint64(logFD))
	w = bitfield.Set(w, TimestampBits, timestampShift, beginTS)
	return Entry(w)
}

func (e Entry) Status() uint64 {
	return bitfield.Get(uint64(e), statusBits, statusShift)
}

func (e Entry) timestamp() uint64 {
	return bitfield.Get(uint64(e), TimestampBits, timestampShift)
}

func (e Entry) IsUninitialized() bool { return e == Uninitialized }
func (e Entry) IsSealed() bool        { return e == Sealed }

// IsBegin reports whether the entry belongs to the begin_ts namespace.
func (e Entry) IsBegin() bool {
	s := e.Status()
	return s != 0 && s&statusCommitFlag == 0
}

// IsCommit reports whether the entry belongs to the commit_ts namespace.
// Sealed entries are in neither namespace.
func (e Entry) IsCommit() bool {
	return e.Status()&statusCommitFlag != 0 && !e.IsSealed()
}

func (e Entry) IsActive() bool     { return e.Status() == StatusActive }
func (e Entry) IsSubmitted() bool  { return e.Status() == StatusSubmitted }
func (e Entry) IsTerminated() bool { return e.Status() == StatusTerminated }
func (e Entry) IsValidating() bool { return e.Status() == StatusValidating }

// IsDecided reports whether a commit entry reached its final outcome.
func (e Entry) IsDecided() bool {
	return e.IsCommit() && e.Status()&statusDecidedMask == statusDecidedMask
}

func (e Entry) IsCommitted() bool { return e.Status() == StatusCommitted }
func (e Entry) IsAborted() bool   { return e.Status() == StatusAborted }

func (e Entry) IsGCComplete() bool { return bitfield.IsSet(uint64(e), gcShift) }
func (e Entry) IsDurable() bool    { return bitfield.IsSet(uint64(e), persistenceShift) }

// BeginTS returns the begin_ts linked from a commit entry.
func (e Entry) BeginTS() uint64 {
	dberr.Invariant(e.IsCommit(), "begin_ts requested from a non-commit entry", zap.Stringer("entry", e))
	return e.timestamp()
}

// CommitTS returns the commit_ts linked from a submitted begin entry.
func (e Entry) CommitTS() uint64 {
	dberr.Invariant(e.IsSubmitted(), "commit_ts requested from an unsubmitted entry", zap.Stringer("entry", e))
	return e.timestamp()
}

// LogFD returns the log descriptor of a commit entry, or -1 once invalidated.
func (e Entry) LogFD() int {
	dberr.Invariant(e.IsCommit(), "log fd requested from a non-commit entry", zap.Stringer("entry", e))
	fd := bitfield.Get(uint64(e), logFDBits, logFDShift)
	if fd == InvalidLogFD {
		return -1
	}
	return int(fd)
}

// SetSubmitted moves an ACTIVE begin entry to SUBMITTED, linking commitTS.
func (e Entry) SetSubmitted(commitTS uint64) Entry {
	dberr.Invariant(e.IsActive(), "only an active transaction can be submitted", zap.Stringer("entry", e))
	dberr.Invariant(commitTS != 0 && commitTS < MaxTimestamp, "commit_ts out of range", zap.Uint64("commit-ts", commitTS))
	w := bitfield.Set(0, statusBits, statusShift, StatusSubmitted)
	return Entry(bitfield.Set(w, TimestampBits, timestampShift, commitTS))
}

// SetTerminated moves an ACTIVE begin entry to TERMINATED.
func (e Entry) SetTerminated() Entry {
	dberr.Invariant(e.IsActive(), "only an active transaction can be terminated", zap.Stringer("entry", e))
	return Entry(bitfield.Set(uint64(e), statusBits, statusShift, StatusTerminated))
}

// SetDecision decides a VALIDATING commit entry. Deciding an entry again
// with the same outcome returns it unchanged; a different outcome is fatal.
func (e Entry) SetDecision(committed bool) Entry {
	status := uint64(StatusAborted)
	if committed {
		status = StatusCommitted
	}
	if e.IsDecided() {
		dberr.Invariant(e.Status() == status, "conflicting decision for a decided transaction",
			zap.Stringer("entry", e), zap.Bool("committed", committed))
		return e
	}
	dberr.Invariant(e.IsValidating(), "only a validating transaction can be decided", zap.Stringer("entry", e))
	return Entry(bitfield.Set(uint64(e), statusBits, statusShift, status))
}

// SetDurable marks a decided commit entry as persisted.
func (e Entry) SetDurable() Entry {
	dberr.Invariant(e.IsDecided(), "only a decided transaction can be made durable", zap.Stringer("entry", e))
	return Entry(bitfield.Set(uint64(e), 1, persistenceShift, 1))
}

// SetGCComplete marks a decided commit entry whose resources are reclaimed.
func (e Entry) SetGCComplete() Entry {
	dberr.Invariant(e.IsDecided(), "only a decided transaction can be garbage collected", zap.Stringer("entry", e))
	return Entry(bitfield.Set(uint64(e), 1, gcShift, 1))
}

// InvalidateLogFD replaces the log descriptor of a decided commit entry with
// the reclaimed sentinel.
func (e Entry) InvalidateLogFD() Entry {
	dberr.Invariant(e.IsDecided(), "only a decided transaction can release its log", zap.Stringer("entry", e))
	return Entry(bitfield.Set(uint64(e), logFDBits, logFDShift, InvalidLogFD))
}

func (e Entry) statusName() string {
	switch {
	case e.IsUninitialized():
		return "UNINITIALIZED"
	case e.IsSealed():
		return "SEALED"
	}
	switch e.Status() {
	case StatusActive:
		return "ACTIVE"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusTerminated:
		return "TERMINATED"
	case StatusValidating:
		return "VALIDATING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("UNKNOWN(%03b)", e.Status())
}

func (e Entry) String() string {
	switch {
	case e.IsUninitialized(), e.IsSealed():
		return e.statusName()
	case e.IsCommit():
		return fmt.Sprintf("%s{begin_ts: %d, log_fd: %d, gc: %t, durable: %t}",
			e.statusName(), e.timestamp(), e.LogFD(), e.IsGCComplete(), e.IsDurable())
	case e.IsSubmitted():
		return fmt.Sprintf("%s{commit_ts: %d}", e.statusName(), e.timestamp())
	}
	return e.statusName()
}
