package wal

import (
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/storage"
	"go.uber.org/zap"
)

const (
	decisionCommitted byte = 1
	decisionAborted   byte = 2
)

// Writer makes transaction outcomes durable.
type Writer interface {
	// Persist records the decision for commitTS. For committed transactions
	// the new versions named by log are read from heap and persisted too.
	Persist(commitTS uint64, log *storage.TxnLog, heap *storage.Heap, committed bool) error
	Close() error
}

// BadgerWriter keeps framed redo records and decisions in badger, keyed by
// the big-endian commit timestamp so that a key scan yields commit order.
type BadgerWriter struct {
	db *badger.DB
}

func OpenBadgerWriter(dir string) (*BadgerWriter, error) {
	db, err := CreateDB(dir, true)
	if err != nil {
		return nil, err
	}
	return &BadgerWriter{db: db}, nil
}

func (w *BadgerWriter) Persist(commitTS uint64, txnLog *storage.TxnLog, heap *storage.Heap, committed bool) error {
	wb := new(WriteBatch)
	key := tsKey(commitTS)
	decision := decisionAborted
	if committed {
		decision = decisionCommitted
		wb.SetCF(CfTxn, key, NewRecord(commitTS, txnLog, heap).Marshal())
	}
	wb.SetCF(CfDecision, key, []byte{decision})
	if err := wb.WriteToDB(w.db); err != nil {
		return errors.Wrapf(err, "persist commit ts %d", commitTS)
	}
	persistedBytes.Add(float64(wb.Size()))
	return nil
}

// Decision reports the persisted outcome of commitTS.
func (w *BadgerWriter) Decision(commitTS uint64) (committed, found bool, err error) {
	val, err := GetCF(w.db, CfDecision, tsKey(commitTS))
	if errors.Cause(err) == badger.ErrKeyNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.WithStack(err)
	}
	return len(val) == 1 && val[0] == decisionCommitted, true, nil
}

// LastCommitTS returns the highest commit timestamp with a persisted
// decision, or 0.
func (w *BadgerWriter) LastCommitTS() (uint64, error) {
	var last uint64
	err := ScanCF(w.db, CfDecision, func(key, _ []byte) bool {
		if len(key) == 8 {
			last = binary.BigEndian.Uint64(key)
		}
		return true
	})
	return last, errors.WithStack(err)
}

// Recover calls fn for every committed record in commit order. A record that
// fails to decode stops recovery.
func (w *BadgerWriter) Recover(fn func(*Record) error) error {
	var (
		count  int
		cbErr  error
		lastTS uint64
	)
	err := ScanCF(w.db, CfTxn, func(key, val []byte) bool {
		rec, err := UnmarshalRecord(val)
		if err != nil {
			cbErr = errors.Wrapf(err, "record at key %x", key)
			return false
		}
		if rec.CommitTS <= lastTS {
			cbErr = errors.Errorf("record %d out of order after %d", rec.CommitTS, lastTS)
			return false
		}
		if cbErr = fn(rec); cbErr != nil {
			return false
		}
		lastTS = rec.CommitTS
		count++
		return true
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if cbErr != nil {
		return cbErr
	}
	log.Info("wal recovered", zap.Int("records", count), zap.Uint64("last-commit-ts", lastTS))
	return nil
}

func (w *BadgerWriter) Close() error {
	return errors.WithStack(w.db.Close())
}
