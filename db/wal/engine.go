package wal

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/coocood/badger"
	"github.com/pkg/errors"
)

// Column families of the WAL store. Badger has none, so keys carry the cf
// name as a prefix.
const (
	CfTxn      = "txn"
	CfDecision = "decision"
)

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func tsKey(ts uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], ts)
	return key[:]
}

// CreateDB opens the badger database at dir, creating it when missing.
func CreateDB(dir string, syncWrites bool) (*badger.DB, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = syncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal at %s", dir)
	}
	return db, nil
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(KeyWithCF(cf, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(val)
		return err
	})
	return
}

func PutCF(db *badger.DB, cf string, key []byte, val []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

// WriteBatch collects entries written atomically by WriteToDB. An entry with
// an empty value is a deletion.
type WriteBatch struct {
	entries []*badger.Entry
	size    int
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   KeyWithCF(cf, key),
		Value: val,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: KeyWithCF(cf, key),
	})
	wb.size += len(key)
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err error
			if len(entry.Value) == 0 {
				err = txn.Delete(entry.Key)
			} else {
				err = txn.SetEntry(entry)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
}

// ScanCF calls fn for every key of cf in key order, with the cf prefix
// stripped. fn must copy anything it keeps. Returning false stops the scan.
func ScanCF(db *badger.DB, cf string, fn func(key, val []byte) bool) error {
	prefix := []byte(cf + "_")
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.Value()
			if err != nil {
				return err
			}
			if !fn(bytes.TrimPrefix(item.Key(), prefix), val) {
				return nil
			}
		}
		return nil
	})
}
