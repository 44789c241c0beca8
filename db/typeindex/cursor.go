package typeindex

import "github.com/shmdb/shmdb/db/dberr"

// Cursor walks one type's list. It is not safe for concurrent use, but many
// cursors may walk and unlink the same list concurrently.
type Cursor struct {
	idx  *Index
	typ  uint32
	prev uint64
	cur  uint64
}

// Cursor returns a cursor positioned at the head of typ's list.
func (idx *Index) Cursor(typ uint32) *Cursor {
	return &Cursor{idx: idx, typ: typ, cur: idx.FirstLocator(typ)}
}

// Valid reports whether the cursor is positioned on a node.
func (c *Cursor) Valid() bool {
	return c.cur != 0
}

// Advance moves to the next node and reports whether one exists.
func (c *Cursor) Advance() bool {
	if c.cur == 0 {
		return false
	}
	c.prev = c.cur
	c.cur = c.idx.NextLocator(c.cur)
	return c.cur != 0
}

// Reset repositions the cursor at the current head of the list.
func (c *Cursor) Reset() {
	c.prev = 0
	c.cur = c.idx.FirstLocator(c.typ)
}

func (c *Cursor) CurrentLocator() uint64 {
	return c.cur
}

func (c *Cursor) NextLocator() uint64 {
	dberr.Invariant(c.Valid(), "cursor is past the end of the list")
	return c.idx.NextLocator(c.cur)
}

func (c *Cursor) IsCurrentNodeDeleted() bool {
	dberr.Invariant(c.Valid(), "cursor is past the end of the list")
	return c.idx.IsDeleted(c.cur)
}

// UnlinkForDeletion detaches the current node together with every marked
// node directly after it, leaving the cursor on the first unmarked node (or
// past the end). The current node must be marked.
//
// It returns false when the predecessor was marked or relinked concurrently;
// the caller should Reset and retry.
func (c *Cursor) UnlinkForDeletion() bool {
	dberr.Invariant(c.Valid(), "cannot unlink past the end of the list")
	dberr.Invariant(c.IsCurrentNodeDeleted(), "cannot unlink a node that is not marked")

	prev := c.prev
	unlinked := c.cur
	for c.Advance() && c.IsCurrentNodeDeleted() {
	}

	var ok bool
	if prev == 0 {
		ok = c.idx.setFirstLocator(c.typ, unlinked, c.cur)
	} else {
		ok = c.idx.setNextLocator(prev, unlinked, c.cur)
	}
	if ok {
		c.prev = prev
	}
	return ok
}
