package object

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/util/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCapacity = storage.Capacity{
	MaxLocators:   128,
	MaxTimestamps: 128,
	IDSlots:       256,
	HeapSize:      1 << 20,
}

type testTxn struct {
	id       uint64
	open     bool
	data     *storage.DataSegment
	locators *storage.Locators
	log      *storage.TxnLog
	registry *Registry
	events   []Event
}

func (t *testTxn) ID() uint64                  { return t.id }
func (t *testTxn) IsOpen() bool                { return t.open }
func (t *testTxn) Data() *storage.DataSegment  { return t.data }
func (t *testTxn) Locators() *storage.Locators { return t.locators }
func (t *testTxn) Log() *storage.TxnLog        { return t.log }
func (t *testTxn) Registry() *Registry         { return t.registry }
func (t *testTxn) QueueEvent(e Event)          { t.events = append(t.events, e) }

func newTestData(t *testing.T) *storage.DataSegment {
	d, err := storage.FormatData(memview.Alloc(int(testCapacity.DataSize())), testCapacity)
	require.NoError(t, err)
	return d
}

// newTestTxn starts a transaction with an empty private view over d.
func newTestTxn(d *storage.DataSegment, catalog Catalog, logRecords uint64) *testTxn {
	return &testTxn{
		id:       1,
		open:     true,
		data:     d,
		locators: storage.NewLocators(memview.Alloc(int(storage.LocatorsSize(testCapacity.MaxLocators)))),
		log:      storage.NewTxnLog(memview.Alloc(int(storage.LogSize(logRecords)))),
		registry: NewRegistry(catalog),
	}
}

func TestCreateAndOpen(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 16)
	p, err := Create(txn, 0, 5, 2, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ID())
	assert.Equal(t, uint32(5), p.Type())

	q, err := Create(txn, 40, 5, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), q.ID())
	r, err := Create(txn, 0, 5, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), r.ID())

	opened, err := Open(txn, 1)
	require.NoError(t, err)
	require.NotNil(t, opened)
	data, err := opened.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	refs, err := opened.References()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 0}, refs)

	missing, err := Open(txn, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = Create(txn, 40, 5, 0, nil)
	assert.IsType(t, &dberr.ErrDuplicateID{}, err)

	recs := txn.log.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, storage.OpCreate, recs[0].Operation)
	assert.Equal(t, uint64(0), recs[0].OldOffset)
	assert.Equal(t, txn.locators.Get(p.Locator()), recs[0].NewOffset)

	require.Len(t, txn.events, 3)
	assert.Equal(t, Event{Kind: EventInsert, Type: 5, ID: 1, TxnID: 1}, txn.events[0])
}

func TestDuplicateIDAllocatesNothing(t *testing.T) {
	d := newTestData(t)
	txn := newTestTxn(d, nil, 16)
	_, err := Create(txn, 7, 5, 0, []byte("first"))
	require.NoError(t, err)

	used, lastLocator := d.Heap().Used(), d.LastLocator()
	_, err = Create(txn, 7, 5, 0, []byte("second"))
	assert.IsType(t, &dberr.ErrDuplicateID{}, err)
	assert.Equal(t, used, d.Heap().Used())
	assert.Equal(t, lastLocator, d.LastLocator())
	assert.Equal(t, 1, txn.log.Count())
}

func TestHeapExhaustedReleasesID(t *testing.T) {
	d := newTestData(t)
	txn := newTestTxn(d, nil, 64)
	id := uint64(1000)
	for ; ; id++ {
		_, err := Create(txn, id, 5, 0, make([]byte, storage.MaxPayloadSize))
		if err != nil {
			require.Equal(t, dberr.ErrHeapExhausted, errors.Cause(err))
			break
		}
	}
	_, ok := d.IDs().Lookup(id)
	assert.False(t, ok)
	_, ok = d.IDs().Lookup(id - 1)
	assert.True(t, ok)
}

func TestCreateTooLarge(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 16)
	_, err := Create(txn, 0, 5, 0, make([]byte, storage.MaxPayloadSize+1))
	assert.IsType(t, &dberr.ErrObjectTooLarge{}, err)
	_, err = Create(txn, 0, 5, 1, make([]byte, storage.MaxPayloadSize-7))
	assert.IsType(t, &dberr.ErrObjectTooLarge{}, err)
	_, err = Create(txn, 0, 5, 1, make([]byte, storage.MaxPayloadSize-8))
	assert.NoError(t, err)
	assert.Equal(t, 1, txn.log.Count())
}

func TestLogFull(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 2)
	p, err := Create(txn, 0, 5, 0, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, p.UpdatePayload([]byte("b")))
	assert.Equal(t, dberr.ErrLogFull, p.UpdatePayload([]byte("c")))
	_, err = Create(txn, 0, 5, 0, nil)
	assert.Equal(t, dberr.ErrLogFull, err)
}

func TestClosedTransaction(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 16)
	p, err := Create(txn, 0, 5, 0, []byte("a"))
	require.NoError(t, err)
	txn.open = false

	_, err = Create(txn, 0, 5, 0, nil)
	assert.Equal(t, dberr.ErrNoOpenTransaction, err)
	_, err = Open(txn, p.ID())
	assert.Equal(t, dberr.ErrNoOpenTransaction, err)
	_, err = p.Data()
	assert.Equal(t, dberr.ErrNoOpenTransaction, err)
	assert.Equal(t, dberr.ErrNoOpenTransaction, p.UpdatePayload(nil))
	assert.Equal(t, dberr.ErrNoOpenTransaction, Remove(p))
	_, err = FindFirst(txn, 5)
	assert.Equal(t, dberr.ErrNoOpenTransaction, err)
	_, err = Create(nil, 0, 5, 0, nil)
	assert.Equal(t, dberr.ErrNoOpenTransaction, err)
}

func TestUpdatePayload(t *testing.T) {
	catalog := StaticCatalog{5: {Type: 5, FieldOffsets: []int{0, 4, 8}}}
	txn := newTestTxn(newTestData(t), catalog, 16)
	p, err := Create(txn, 0, 5, 1, []byte("aaaabbbbcccc"))
	require.NoError(t, err)
	obj, err := p.Object()
	require.NoError(t, err)
	obj.SetReference(0, 77)
	oldOffset := txn.locators.Get(p.Locator())

	require.NoError(t, p.UpdatePayload([]byte("aaaaBBBBcc")))
	data, err := p.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaBBBBcc"), data)
	refs, err := p.References()
	require.NoError(t, err)
	assert.Equal(t, []uint64{77}, refs)

	rec := txn.log.Record(1)
	assert.Equal(t, storage.OpUpdate, rec.Operation)
	assert.Equal(t, oldOffset, rec.OldOffset)
	assert.NotEqual(t, oldOffset, rec.NewOffset)
	// The old version is untouched.
	assert.Equal(t, []byte("aaaabbbbcccc"), txn.data.Heap().Object(oldOffset).Data())

	require.Len(t, txn.events, 2)
	assert.Equal(t, EventUpdate, txn.events[1].Kind)
	assert.Equal(t, []int{1, 2}, txn.events[1].ChangedFields)
}

func TestSystemTypesHaveNoEvents(t *testing.T) {
	catalog := StaticCatalog{9: {Type: 9, System: true}}
	txn := newTestTxn(newTestData(t), catalog, 16)
	p, err := Create(txn, 0, 9, 0, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, p.UpdatePayload([]byte("y")))
	require.NoError(t, Remove(p))
	assert.Empty(t, txn.events)
	assert.Equal(t, 3, txn.log.Count())
}

func TestClone(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 16)
	p, err := Create(txn, 0, 5, 0, []byte("same"))
	require.NoError(t, err)
	before := txn.locators.Get(p.Locator())
	require.NoError(t, p.Clone())
	after := txn.locators.Get(p.Locator())
	assert.NotEqual(t, before, after)
	data, err := p.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), data)

	rec := txn.log.Record(1)
	assert.Equal(t, storage.LogRecord{Locator: p.Locator(), OldOffset: before, NewOffset: after, Operation: storage.OpClone}, rec)
	assert.Equal(t, EventInsert, txn.events[1].Kind)
}

func TestRemove(t *testing.T) {
	txn := newTestTxn(newTestData(t), nil, 16)
	p, err := Create(txn, 0, 5, 1, []byte("x"))
	require.NoError(t, err)
	obj, err := p.Object()
	require.NoError(t, err)
	obj.SetReference(0, 3)
	assert.IsType(t, &dberr.ErrObjectStillReferenced{}, Remove(p))

	obj.SetReference(0, 0)
	offset := txn.locators.Get(p.Locator())
	require.NoError(t, Remove(p))
	assert.Equal(t, uint64(0), txn.locators.Get(p.Locator()))
	assert.Equal(t, storage.LogRecord{Locator: p.Locator(), OldOffset: offset, DeletedID: p.ID(), Operation: storage.OpRemove},
		txn.log.Record(1))
	assert.Equal(t, EventDelete, txn.events[1].Kind)

	gone, err := Open(txn, p.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = p.Data()
	assert.IsType(t, &dberr.ErrInvalidObjectID{}, err)
	assert.NoError(t, Remove(nil))
}

func ids(t *testing.T, txn Txn, typ uint32) []uint64 {
	all, err := FindAll(txn, typ)
	require.NoError(t, err)
	var out []uint64
	for _, p := range all {
		out = append(out, p.ID())
	}
	return out
}

func TestFindNewestFirst(t *testing.T) {
	d := newTestData(t)
	txn := newTestTxn(d, nil, 16)
	for _, id := range []uint64{1, 2, 3, 4} {
		_, err := Create(txn, id, 5, 0, nil)
		require.NoError(t, err)
	}
	_, err := Create(txn, 10, 6, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 3, 2, 1}, ids(t, txn, 5))
	assert.Equal(t, []uint64{10}, ids(t, txn, 6))
	assert.Empty(t, ids(t, txn, 7))

	p, err := Open(txn, 3)
	require.NoError(t, err)
	require.NoError(t, Remove(p))
	assert.Equal(t, []uint64{4, 2, 1}, ids(t, txn, 5))

	// Another transaction's view does not contain these objects.
	other := newTestTxn(d, nil, 16)
	assert.Empty(t, ids(t, other, 5))

	// Nodes marked deleted in the shared index are skipped.
	p, err = Open(txn, 4)
	require.NoError(t, err)
	d.TypeIndex().DeleteLocator(p.Locator())
	assert.Equal(t, []uint64{2, 1}, ids(t, txn, 5))
}

func TestRegistryConsultsCatalogOnce(t *testing.T) {
	c := &countingCatalog{StaticCatalog: StaticCatalog{5: {Type: 5, NumReferences: 3}}}
	r := NewRegistry(c)
	for i := 0; i < 3; i++ {
		m, err := r.Get(5)
		require.NoError(t, err)
		assert.Equal(t, 3, m.NumReferences)
		m, err = r.Get(6)
		require.NoError(t, err)
		assert.Equal(t, uint32(6), m.Type)
	}
	assert.Equal(t, 2, c.calls)
	assert.Equal(t, 2, r.Len())

	r.Invalidate(5)
	_, err := r.Get(5)
	require.NoError(t, err)
	assert.Equal(t, 3, c.calls)

	failing := NewRegistry(&countingCatalog{err: errors.New("catalog down")})
	_, err = failing.Get(5)
	assert.Error(t, err)
}

type countingCatalog struct {
	StaticCatalog
	calls int
	err   error
}

func (c *countingCatalog) Lookup(typ uint32) (*TypeMetadata, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.StaticCatalog.Lookup(typ)
}

func TestCreateWithMetadata(t *testing.T) {
	txn := newTestTxn(newTestData(t), StaticCatalog{5: {Type: 5, NumReferences: 4}}, 16)
	p, err := CreateWithMetadata(txn, 0, 5, []byte("d"))
	require.NoError(t, err)
	refs, err := p.References()
	require.NoError(t, err)
	assert.Len(t, refs, 4)
}

func TestChangedFields(t *testing.T) {
	m := &TypeMetadata{FieldOffsets: []int{0, 2, 4}}
	assert.Nil(t, ChangedFields(m, []byte("aabbcc"), []byte("aabbcc")))
	assert.Equal(t, []int{0, 2}, ChangedFields(m, []byte("aabbcc"), []byte("xabbcx")))
	assert.Equal(t, []int{2}, ChangedFields(m, []byte("aabbcc"), []byte("aabb")))
	assert.Equal(t, []int{0}, ChangedFields(&TypeMetadata{}, []byte("a"), []byte("b")))
}
