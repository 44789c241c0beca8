package wal

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/util/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCapacity = storage.Capacity{
	MaxLocators:   64,
	MaxTimestamps: 64,
	IDSlots:       64,
	HeapSize:      1 << 20,
}

func newTestData(t *testing.T) *storage.DataSegment {
	d, err := storage.FormatData(memview.Alloc(int(testCapacity.DataSize())), testCapacity)
	require.NoError(t, err)
	return d
}

func newTestLog(beginTS uint64) *storage.TxnLog {
	l := storage.NewTxnLog(memview.Alloc(int(storage.LogSize(8))))
	l.SetBeginTS(beginTS)
	return l
}

func TestRecordRoundTrip(t *testing.T) {
	d := newTestData(t)
	heap := d.Heap()
	compressible := bytes.Repeat([]byte("shmdb"), 2000)
	random := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(random)

	l := newTestLog(3)
	for i, data := range [][]byte{compressible, random} {
		off, _, err := heap.AllocateObject(uint64(i+1), 7, 1, data)
		require.NoError(t, err)
		require.NoError(t, l.Append(storage.LogRecord{Locator: uint64(i + 1), NewOffset: off, Operation: storage.OpCreate}))
	}
	require.NoError(t, l.Append(storage.LogRecord{Locator: 9, OldOffset: 8, DeletedID: 42, Operation: storage.OpRemove}))

	rec := NewRecord(5, l, heap)
	framed := rec.Marshal()
	assert.Equal(t, 0, FindHeader(framed))
	assert.True(t, len(framed) < len(compressible), "record was not compressed")

	got, err := UnmarshalRecord(framed)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, compressible, storage.Object(got.Entries[0].Object).Data())
	assert.Equal(t, random, storage.Object(got.Entries[1].Object).Data())
	assert.Nil(t, got.Entries[2].Object)
}

func TestCompressionFallsBackOnPoorRatio(t *testing.T) {
	random := make([]byte, 512)
	rand.New(rand.NewSource(1)).Read(random)
	block := compressBlock(random)
	assert.Equal(t, byte(CompressionNone), block[0])

	block = compressBlock(bytes.Repeat([]byte{1}, 512))
	assert.Equal(t, byte(CompressionLz4), block[0])
	raw, err := decompressBlock(block)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, 512), raw)

	_, err = decompressBlock([]byte{9, 1, 2})
	assert.Equal(t, ErrDecompress, errors.Cause(err))
	_, err = decompressBlock(nil)
	assert.Equal(t, ErrDecompress, errors.Cause(err))
}

func TestUnmarshalRejectsDamage(t *testing.T) {
	rec := &Record{CommitTS: 4, BeginTS: 2, Entries: []RecordEntry{{Locator: 1, Operation: storage.OpUpdate, Object: []byte("abc")}}}
	framed := rec.Marshal()
	_, err := UnmarshalRecord(framed[:len(framed)-2])
	assert.Error(t, err)
	_, err = UnmarshalRecord(framed[1:])
	assert.Error(t, err)
}

func TestBadgerWriterPersistAndRecover(t *testing.T) {
	dir, err := ioutil.TempDir("", "shmdb-wal")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	d := newTestData(t)
	heap := d.Heap()
	w, err := OpenBadgerWriter(dir)
	require.NoError(t, err)

	persist := func(commitTS uint64, committed bool, payload string) {
		off, _, err := heap.AllocateObject(commitTS, 1, 0, []byte(payload))
		require.NoError(t, err)
		l := newTestLog(commitTS - 1)
		require.NoError(t, l.Append(storage.LogRecord{Locator: commitTS, NewOffset: off, Operation: storage.OpCreate}))
		require.NoError(t, w.Persist(commitTS, l, heap, committed))
	}
	persist(300, true, "third")
	persist(4, true, "first")
	persist(10, false, "aborted")
	persist(20, true, "second")

	committed, found, err := w.Decision(10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, committed)
	committed, found, err = w.Decision(20)
	require.NoError(t, err)
	assert.True(t, found && committed)
	_, found, err = w.Decision(11)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, w.Close())

	w, err = OpenBadgerWriter(dir)
	require.NoError(t, err)
	defer w.Close()
	last, err := w.LastCommitTS()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), last)

	var order []uint64
	var payloads []string
	require.NoError(t, w.Recover(func(r *Record) error {
		order = append(order, r.CommitTS)
		payloads = append(payloads, string(storage.Object(r.Entries[0].Object).Data()))
		return nil
	}))
	assert.Equal(t, []uint64{4, 20, 300}, order)
	assert.Equal(t, []string{"first", "second", "third"}, payloads)

	stop := errors.New("stop")
	assert.Equal(t, stop, w.Recover(func(r *Record) error { return stop }))
}
