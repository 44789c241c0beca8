// Package object implements object operations inside a transaction: create,
// update, clone and remove objects, iterate a type, and maintain
// parent/child references. Every change writes new versions into the shared
// heap, repoints the locator in the transaction's private view and appends a
// record to the transaction log.
package object

import (
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
)

// Txn is the transaction context object operations run in.
type Txn interface {
	ID() uint64
	IsOpen() bool
	Data() *storage.DataSegment
	// Locators is the transaction's private view.
	Locators() *storage.Locators
	Log() *storage.TxnLog
	Registry() *Registry
	QueueEvent(e Event)
}

// Ptr refers to an object visible in a transaction.
type Ptr struct {
	txn     Txn
	locator uint64
	id      uint64
	typ     uint32
}

func checkOpen(txn Txn) error {
	if txn == nil || !txn.IsOpen() {
		return dberr.ErrNoOpenTransaction
	}
	return nil
}

func reserveLog(txn Txn, n int) error {
	l := txn.Log()
	if l.Count()+n > l.Capacity() {
		return dberr.ErrLogFull
	}
	return nil
}

func queueEvent(txn Txn, kind EventKind, id uint64, typ uint32, changed []int) error {
	m, err := txn.Registry().Get(typ)
	if err != nil {
		return err
	}
	if m.System {
		return nil
	}
	txn.QueueEvent(Event{Kind: kind, Type: typ, ID: id, TxnID: txn.ID(), ChangedFields: changed})
	return nil
}

func logRecord(txn Txn, rec storage.LogRecord) {
	err := txn.Log().Append(rec)
	// Callers reserve room first.
	dberr.Invariant(err == nil, "transaction log overflow after reservation")
}

// Create makes a new object. An id of 0 allocates a fresh one.
func Create(txn Txn, id uint64, typ uint32, numRefs int, data []byte) (*Ptr, error) {
	if err := checkOpen(txn); err != nil {
		return nil, err
	}
	if _, err := storage.ObjectSize(numRefs, len(data)); err != nil {
		return nil, err
	}
	if err := reserveLog(txn, 1); err != nil {
		return nil, err
	}
	d := txn.Data()
	if _, err := d.TypeIndex().RegisterType(typ); err != nil {
		return nil, err
	}
	if id == 0 {
		id = d.AllocateID()
	} else {
		if _, ok := d.IDs().Lookup(id); ok {
			return nil, &dberr.ErrDuplicateID{ID: id}
		}
		d.ObserveID(id)
	}
	// Nothing is allocated for a duplicate id: until the record is logged,
	// neither rollback nor GC could release it.
	locator, err := d.AllocateLocator()
	if err != nil {
		return nil, err
	}
	if err := d.IDs().Insert(id, locator); err != nil {
		return nil, err
	}
	offset, _, err := d.Heap().AllocateObject(id, typ, numRefs, data)
	if err != nil {
		d.IDs().Clear(id, locator)
		return nil, err
	}
	logRecord(txn, storage.LogRecord{Locator: locator, NewOffset: offset, Operation: storage.OpCreate})
	txn.Locators().Set(locator, offset)
	if err := d.TypeIndex().AddLocator(typ, locator); err != nil {
		return nil, err
	}
	p := &Ptr{txn: txn, locator: locator, id: id, typ: typ}
	return p, queueEvent(txn, EventInsert, id, typ, nil)
}

// CreateWithMetadata creates an object with the number of references its
// type declares.
func CreateWithMetadata(txn Txn, id uint64, typ uint32, data []byte) (*Ptr, error) {
	if err := checkOpen(txn); err != nil {
		return nil, err
	}
	m, err := txn.Registry().Get(typ)
	if err != nil {
		return nil, err
	}
	return Create(txn, id, typ, m.NumReferences, data)
}

// Open returns the object with id, or nil if it does not exist in the
// transaction's view.
func Open(txn Txn, id uint64) (*Ptr, error) {
	if err := checkOpen(txn); err != nil {
		return nil, err
	}
	locator, ok := txn.Data().IDs().Lookup(id)
	if !ok {
		return nil, nil
	}
	return at(txn, locator), nil
}

// at returns the object at locator, or nil when the view has none there.
func at(txn Txn, locator uint64) *Ptr {
	offset := txn.Locators().Get(locator)
	if offset == 0 {
		return nil
	}
	obj := txn.Data().Heap().Object(offset)
	return &Ptr{txn: txn, locator: locator, id: obj.ID(), typ: obj.Type()}
}

func (p *Ptr) ID() uint64      { return p.id }
func (p *Ptr) Type() uint32    { return p.typ }
func (p *Ptr) Locator() uint64 { return p.locator }

// Object returns the current version of the object.
func (p *Ptr) Object() (storage.Object, error) {
	if err := checkOpen(p.txn); err != nil {
		return nil, err
	}
	offset := p.txn.Locators().Get(p.locator)
	if offset == 0 {
		return nil, &dberr.ErrInvalidObjectID{ID: p.id}
	}
	return p.txn.Data().Heap().Object(offset), nil
}

// Data returns the payload data of the current version. It must not be
// modified.
func (p *Ptr) Data() ([]byte, error) {
	obj, err := p.Object()
	if err != nil {
		return nil, err
	}
	return obj.Data(), nil
}

func (p *Ptr) References() ([]uint64, error) {
	obj, err := p.Object()
	if err != nil {
		return nil, err
	}
	return obj.References(), nil
}

// copyVersion moves the object to a fresh slot without logging the change.
func (p *Ptr) copyVersion() (oldOffset uint64, obj storage.Object, err error) {
	if _, err = p.Object(); err != nil {
		return 0, nil, err
	}
	oldOffset = p.txn.Locators().Get(p.locator)
	newOffset, obj, err := p.txn.Data().Heap().CopyObject(oldOffset)
	if err != nil {
		return 0, nil, err
	}
	p.txn.Locators().Set(p.locator, newOffset)
	return oldOffset, obj, nil
}

// Clone moves the object to a new version with the same content.
func (p *Ptr) Clone() error {
	if err := checkOpen(p.txn); err != nil {
		return err
	}
	if err := reserveLog(p.txn, 1); err != nil {
		return err
	}
	oldOffset, _, err := p.copyVersion()
	if err != nil {
		return err
	}
	logRecord(p.txn, storage.LogRecord{
		Locator:   p.locator,
		OldOffset: oldOffset,
		NewOffset: p.txn.Locators().Get(p.locator),
		Operation: storage.OpClone,
	})
	return queueEvent(p.txn, EventInsert, p.id, p.typ, nil)
}

// UpdatePayload replaces the payload data, keeping the references.
func (p *Ptr) UpdatePayload(data []byte) error {
	old, err := p.Object()
	if err != nil {
		return err
	}
	if _, err := storage.ObjectSize(old.NumReferences(), len(data)); err != nil {
		return err
	}
	if err := reserveLog(p.txn, 1); err != nil {
		return err
	}
	oldOffset := p.txn.Locators().Get(p.locator)
	newOffset, obj, err := p.txn.Data().Heap().AllocateObject(p.id, p.typ, old.NumReferences(), data)
	if err != nil {
		return err
	}
	for i, ref := range old.References() {
		obj.SetReference(i, ref)
	}
	p.txn.Locators().Set(p.locator, newOffset)
	logRecord(p.txn, storage.LogRecord{
		Locator:   p.locator,
		OldOffset: oldOffset,
		NewOffset: newOffset,
		Operation: storage.OpUpdate,
	})

	m, err := p.txn.Registry().Get(p.typ)
	if err != nil {
		return err
	}
	if m.System {
		return nil
	}
	return queueEvent(p.txn, EventUpdate, p.id, p.typ, ChangedFields(m, old.Data(), data))
}

// Remove deletes the object. Objects that still reference others cannot be
// removed.
func Remove(p *Ptr) error {
	if p == nil {
		return nil
	}
	obj, err := p.Object()
	if err != nil {
		return err
	}
	if obj.HasReferences() {
		return &dberr.ErrObjectStillReferenced{ID: p.id, Type: p.typ}
	}
	if err := reserveLog(p.txn, 1); err != nil {
		return err
	}
	logRecord(p.txn, storage.LogRecord{
		Locator:   p.locator,
		OldOffset: p.txn.Locators().Get(p.locator),
		DeletedID: p.id,
		Operation: storage.OpRemove,
	})
	p.txn.Locators().Set(p.locator, 0)
	return queueEvent(p.txn, EventDelete, p.id, p.typ, nil)
}

// FindFirst returns the first object of typ visible in the transaction, or
// nil. Types are iterated newest first.
func FindFirst(txn Txn, typ uint32) (*Ptr, error) {
	if err := checkOpen(txn); err != nil {
		return nil, err
	}
	return scan(txn, txn.Data().TypeIndex().FirstLocator(typ)), nil
}

// FindNext returns the next object of the same type, or nil.
func (p *Ptr) FindNext() (*Ptr, error) {
	if err := checkOpen(p.txn); err != nil {
		return nil, err
	}
	return scan(p.txn, p.txn.Data().TypeIndex().NextLocator(p.locator)), nil
}

func scan(txn Txn, locator uint64) *Ptr {
	idx := txn.Data().TypeIndex()
	for ; locator != 0; locator = idx.NextLocator(locator) {
		if idx.IsDeleted(locator) {
			continue
		}
		if p := at(txn, locator); p != nil {
			return p
		}
	}
	return nil
}

// FindAll returns every object of typ visible in the transaction.
func FindAll(txn Txn, typ uint32) ([]*Ptr, error) {
	var all []*Ptr
	p, err := FindFirst(txn, typ)
	for ; err == nil && p != nil; p, err = p.FindNext() {
		all = append(all, p)
	}
	return all, errors.WithStack(err)
}
