package storage

import (
	"fmt"
	"sort"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/util/memview"
	"go.uber.org/zap"
)

// Operation is the kind of change a log record describes.
type Operation uint64

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpRemove
	OpClone
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpClone:
		return "clone"
	}
	return fmt.Sprintf("operation(%d)", uint64(op))
}

// LogRecord describes one locator repoint. OldOffset is 0 for creations and
// NewOffset is 0 for removals.
type LogRecord struct {
	Locator   uint64
	OldOffset uint64
	NewOffset uint64
	DeletedID uint64
	Operation Operation
}

const (
	logHeaderWords = 2
	logRecordWords = 5

	logBeginTS = 0
	logCount   = 1
)

// LogSize returns the byte size of a log segment holding maxRecords records.
func LogSize(maxRecords uint64) uint64 {
	return (logHeaderWords + maxRecords*logRecordWords) * 8
}

// TxnLog is a view over a transaction log segment. The owning client writes
// it until it is sealed; the server then only reads it.
type TxnLog struct {
	words    []uint64
	capacity int
}

func NewTxnLog(region []byte) *TxnLog {
	words := memview.Words(region)
	dberr.Invariant(len(words) >= logHeaderWords, "log segment too small", zap.Int("bytes", len(region)))
	return &TxnLog{words: words, capacity: (len(words) - logHeaderWords) / logRecordWords}
}

func (l *TxnLog) BeginTS() uint64 { return l.words[logBeginTS] }

func (l *TxnLog) SetBeginTS(ts uint64) { l.words[logBeginTS] = ts }

// Count returns the number of records. A corrupted count is clamped to the
// segment capacity.
func (l *TxnLog) Count() int {
	n := l.words[logCount]
	if n > uint64(l.capacity) {
		return l.capacity
	}
	return int(n)
}

func (l *TxnLog) Capacity() int { return l.capacity }

func (l *TxnLog) record(i int) []uint64 {
	base := logHeaderWords + i*logRecordWords
	return l.words[base : base+logRecordWords]
}

// Append adds a record, failing with ErrLogFull at capacity.
func (l *TxnLog) Append(rec LogRecord) error {
	n := l.Count()
	if n >= l.capacity {
		return dberr.ErrLogFull
	}
	l.put(n, rec)
	l.words[logCount] = uint64(n + 1)
	return nil
}

func (l *TxnLog) put(i int, rec LogRecord) {
	w := l.record(i)
	w[0], w[1], w[2], w[3], w[4] = rec.Locator, rec.OldOffset, rec.NewOffset, rec.DeletedID, uint64(rec.Operation)
}

func (l *TxnLog) Record(i int) LogRecord {
	dberr.Invariant(i >= 0 && i < l.Count(), "log record index out of range", zap.Int("index", i))
	w := l.record(i)
	return LogRecord{Locator: w[0], OldOffset: w[1], NewOffset: w[2], DeletedID: w[3], Operation: Operation(w[4])}
}

// Records copies out every record in log order.
func (l *TxnLog) Records() []LogRecord {
	recs := make([]LogRecord, l.Count())
	for i := range recs {
		recs[i] = l.Record(i)
	}
	return recs
}

// SortByLocator orders the records by locator, keeping the relative order
// of records for the same locator.
func (l *TxnLog) SortByLocator() {
	recs := l.Records()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Locator < recs[j].Locator })
	for i, rec := range recs {
		l.put(i, rec)
	}
}

func (l *TxnLog) Reset() {
	l.words[logCount] = 0
}
