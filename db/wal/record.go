package wal

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/storage"
)

// MaxRecordSize bounds the decoded body of one record.
const MaxRecordSize = 1 << 30

// RecordEntry is the redo image of one log record. Object holds the bytes of
// the new version and is empty for removals.
type RecordEntry struct {
	Locator   uint64
	Operation storage.Operation
	DeletedID uint64
	Object    []byte
}

// Record is the redo record of one committed transaction.
type Record struct {
	CommitTS uint64
	BeginTS  uint64
	Entries  []RecordEntry
}

// NewRecord captures the redo image of a committed log. The new versions are
// copied out of heap.
func NewRecord(commitTS uint64, log *storage.TxnLog, heap *storage.Heap) *Record {
	rec := &Record{CommitTS: commitTS, BeginTS: log.BeginTS()}
	for _, lr := range log.Records() {
		e := RecordEntry{Locator: lr.Locator, Operation: lr.Operation, DeletedID: lr.DeletedID}
		if lr.NewOffset != 0 {
			e.Object = append([]byte(nil), heap.Object(lr.NewOffset)...)
		}
		rec.Entries = append(rec.Entries, e)
	}
	return rec
}

func (r *Record) body() []byte {
	buf := proto.NewBuffer(nil)
	_ = buf.EncodeVarint(r.CommitTS)
	_ = buf.EncodeVarint(r.BeginTS)
	_ = buf.EncodeVarint(uint64(len(r.Entries)))
	for _, e := range r.Entries {
		_ = buf.EncodeVarint(e.Locator)
		_ = buf.EncodeVarint(uint64(e.Operation))
		_ = buf.EncodeVarint(e.DeletedID)
		_ = buf.EncodeRawBytes(e.Object)
	}
	return buf.Bytes()
}

// Marshal returns the framed record: the compressed body, word stuffed.
func (r *Record) Marshal() []byte {
	block := compressBlock(r.body())
	return Encode(make([]byte, 0, MaxEncodedLen(len(block))), block)
}

// UnmarshalRecord decodes one framed record.
func UnmarshalRecord(framed []byte) (*Record, error) {
	block, err := Decode(nil, framed)
	if err != nil {
		return nil, err
	}
	body, err := decompressBlock(block)
	if err != nil {
		return nil, err
	}

	buf := proto.NewBuffer(body)
	r := &Record{}
	if r.CommitTS, err = buf.DecodeVarint(); err != nil {
		return nil, errors.Wrap(err, "commit ts")
	}
	if r.BeginTS, err = buf.DecodeVarint(); err != nil {
		return nil, errors.Wrap(err, "begin ts")
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Wrap(err, "entry count")
	}
	if n > uint64(len(body)) {
		return nil, errors.Errorf("entry count %d exceeds the record size", n)
	}
	r.Entries = make([]RecordEntry, n)
	for i := range r.Entries {
		e := &r.Entries[i]
		var op uint64
		if e.Locator, err = buf.DecodeVarint(); err == nil {
			if op, err = buf.DecodeVarint(); err == nil {
				if e.DeletedID, err = buf.DecodeVarint(); err == nil {
					e.Object, err = buf.DecodeRawBytes(true)
				}
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}
		e.Operation = storage.Operation(op)
		if len(e.Object) == 0 {
			e.Object = nil
		}
	}
	return r, nil
}
