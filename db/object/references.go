package object

import (
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
)

// version is an object moved to a private version for modification.
type version struct {
	p         *Ptr
	oldOffset uint64
	obj       storage.Object
}

func (v *version) log() {
	logRecord(v.p.txn, storage.LogRecord{
		Locator:   v.p.locator,
		OldOffset: v.oldOffset,
		NewOffset: v.p.txn.Locators().Get(v.p.locator),
		Operation: storage.OpUpdate,
	})
}

func newVersion(p *Ptr) (*version, error) {
	oldOffset, obj, err := p.copyVersion()
	if err != nil {
		return nil, err
	}
	return &version{p: p, oldOffset: oldOffset, obj: obj}, nil
}

func reference(obj storage.Object, offset int) uint64 {
	if offset < 0 || offset >= obj.NumReferences() {
		return 0
	}
	return obj.Reference(offset)
}

func (p *Ptr) parentRelationship(firstChildOffset int) (*Relationship, error) {
	m, err := p.txn.Registry().Get(p.typ)
	if err != nil {
		return nil, err
	}
	r, ok := m.FindParentRelationship(firstChildOffset)
	if !ok {
		return nil, &dberr.ErrInvalidReferenceOffset{Type: p.typ, Offset: firstChildOffset}
	}
	return r, nil
}

func (p *Ptr) childRelationship(parentOffset int) (*Relationship, error) {
	m, err := p.txn.Registry().Get(p.typ)
	if err != nil {
		return nil, err
	}
	r, ok := m.FindChildRelationship(parentOffset)
	if !ok {
		return nil, &dberr.ErrInvalidReferenceOffset{Type: p.typ, Offset: parentOffset}
	}
	return r, nil
}

func (p *Ptr) openRelated(id uint64) (*Ptr, error) {
	other, err := Open(p.txn, id)
	if err != nil {
		return nil, err
	}
	if other == nil {
		return nil, &dberr.ErrInvalidObjectID{ID: id}
	}
	return other, nil
}

func checkRelationshipTypes(r *Relationship, offset int, parent, child *Ptr) error {
	if r.ParentType != parent.typ {
		return &dberr.ErrInvalidRelationshipType{Offset: offset, Expected: r.ParentType, Found: parent.typ}
	}
	if r.ChildType != child.typ {
		return &dberr.ErrInvalidRelationshipType{Offset: offset, Expected: r.ChildType, Found: child.typ}
	}
	return nil
}

// AddChildReference links childID as the new first child of p in the
// relationship anchored at firstChildOffset.
func (p *Ptr) AddChildReference(childID uint64, firstChildOffset int) error {
	parentObj, err := p.Object()
	if err != nil {
		return err
	}
	r, err := p.parentRelationship(firstChildOffset)
	if err != nil {
		return err
	}
	child, err := p.openRelated(childID)
	if err != nil {
		return err
	}
	if err := checkRelationshipTypes(r, firstChildOffset, p, child); err != nil {
		return err
	}
	if reference(parentObj, firstChildOffset) != 0 && r.Cardinality == CardinalityOne {
		return &dberr.ErrSingleCardinalityViolation{Type: p.typ, Offset: firstChildOffset}
	}
	childObj, err := child.Object()
	if err != nil {
		return err
	}
	switch reference(childObj, r.ParentOffset) {
	case 0:
	case p.id:
		return nil
	default:
		return &dberr.ErrChildAlreadyReferenced{Type: child.typ, Offset: r.ParentOffset}
	}

	if err := reserveLog(p.txn, 2); err != nil {
		return err
	}
	pv, err := newVersion(p)
	if err != nil {
		return err
	}
	cv, err := newVersion(child)
	if err != nil {
		return err
	}
	cv.obj.SetReference(r.NextChildOffset, pv.obj.Reference(r.FirstChildOffset))
	pv.obj.SetReference(r.FirstChildOffset, child.id)
	cv.obj.SetReference(r.ParentOffset, p.id)
	pv.log()
	cv.log()
	return nil
}

// AddParentReference links p as a child of parentID through the parent slot
// at parentOffset.
func (p *Ptr) AddParentReference(parentID uint64, parentOffset int) error {
	if err := checkOpen(p.txn); err != nil {
		return err
	}
	r, err := p.childRelationship(parentOffset)
	if err != nil {
		return err
	}
	parent, err := p.openRelated(parentID)
	if err != nil {
		return err
	}
	return parent.AddChildReference(p.id, r.FirstChildOffset)
}

// RemoveChildReference unlinks childID from p's child list anchored at
// firstChildOffset.
func (p *Ptr) RemoveChildReference(childID uint64, firstChildOffset int) error {
	if err := checkOpen(p.txn); err != nil {
		return err
	}
	r, err := p.parentRelationship(firstChildOffset)
	if err != nil {
		return err
	}
	child, err := p.openRelated(childID)
	if err != nil {
		return err
	}
	if err := checkRelationshipTypes(r, firstChildOffset, p, child); err != nil {
		return err
	}
	childObj, err := child.Object()
	if err != nil {
		return err
	}
	if reference(childObj, r.ParentOffset) != p.id {
		return &dberr.ErrInvalidChild{ChildType: child.typ, ChildID: childID, ParentType: p.typ, ParentID: p.id}
	}

	// Find the sibling linking to the child, if any.
	parentObj, err := p.Object()
	if err != nil {
		return err
	}
	var prev *Ptr
	for cur := reference(parentObj, firstChildOffset); cur != childID; {
		if cur == 0 {
			return &dberr.ErrInvalidChild{ChildType: child.typ, ChildID: childID, ParentType: p.typ, ParentID: p.id}
		}
		if prev, err = p.openRelated(cur); err != nil {
			return err
		}
		prevObj, err := prev.Object()
		if err != nil {
			return err
		}
		cur = reference(prevObj, r.NextChildOffset)
	}

	records := 2
	if prev != nil {
		records++
	}
	if err := reserveLog(p.txn, records); err != nil {
		return err
	}
	cv, err := newVersion(child)
	if err != nil {
		return err
	}
	next := cv.obj.Reference(r.NextChildOffset)
	if prev == nil {
		pv, err := newVersion(p)
		if err != nil {
			return err
		}
		pv.obj.SetReference(firstChildOffset, next)
		pv.log()
	} else {
		sv, err := newVersion(prev)
		if err != nil {
			return err
		}
		sv.obj.SetReference(r.NextChildOffset, next)
		sv.log()
	}
	cv.obj.SetReference(r.ParentOffset, 0)
	cv.obj.SetReference(r.NextChildOffset, 0)
	cv.log()
	return nil
}

// RemoveParentReference unlinks p from parentID.
func (p *Ptr) RemoveParentReference(parentID uint64, parentOffset int) error {
	if err := checkOpen(p.txn); err != nil {
		return err
	}
	r, err := p.childRelationship(parentOffset)
	if err != nil {
		return err
	}
	parent, err := p.openRelated(parentID)
	if err != nil {
		return err
	}
	return parent.RemoveChildReference(p.id, r.FirstChildOffset)
}

// UpdateParentReference moves p from its current parent, if any, to
// newParentID.
func (p *Ptr) UpdateParentReference(newParentID uint64, parentOffset int) error {
	obj, err := p.Object()
	if err != nil {
		return err
	}
	r, err := p.childRelationship(parentOffset)
	if err != nil {
		return err
	}
	newParent, err := p.openRelated(newParentID)
	if err != nil {
		return err
	}
	newParentObj, err := newParent.Object()
	if err != nil {
		return err
	}
	if reference(newParentObj, r.FirstChildOffset) != 0 && r.Cardinality == CardinalityOne {
		return &dberr.ErrSingleCardinalityViolation{Type: newParent.typ, Offset: r.FirstChildOffset}
	}
	if old := reference(obj, parentOffset); old != 0 {
		if old == newParentID {
			return nil
		}
		oldParent, err := p.openRelated(old)
		if err != nil {
			return err
		}
		if err := oldParent.RemoveChildReference(p.id, r.FirstChildOffset); err != nil {
			return err
		}
	}
	return newParent.AddChildReference(p.id, r.FirstChildOffset)
}
