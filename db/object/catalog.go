package object

import (
	"strconv"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

type Cardinality int

const (
	CardinalityMany Cardinality = iota
	CardinalityOne
)

// Relationship links a parent type to a child type through reference slots.
// The parent holds the first child at FirstChildOffset; each child holds its
// parent at ParentOffset and its next sibling at NextChildOffset.
type Relationship struct {
	ParentType       uint32
	ChildType        uint32
	FirstChildOffset int
	NextChildOffset  int
	ParentOffset     int
	Cardinality      Cardinality
}

// TypeMetadata describes one object type.
type TypeMetadata struct {
	Type          uint32
	NumReferences int
	// System types do not produce events.
	System bool
	// FieldOffsets are the start offsets of the fixed-width fields of the
	// payload data, in increasing order. A field ends where the next one
	// starts; the last field runs to the end of the data.
	FieldOffsets []int
	// Parents is keyed by first-child offset, Children by parent offset.
	Parents  map[int]*Relationship
	Children map[int]*Relationship
}

func (m *TypeMetadata) FindParentRelationship(firstChildOffset int) (*Relationship, bool) {
	r, ok := m.Parents[firstChildOffset]
	return r, ok
}

func (m *TypeMetadata) FindChildRelationship(parentOffset int) (*Relationship, bool) {
	r, ok := m.Children[parentOffset]
	return r, ok
}

// Catalog is the source of type metadata. Lookup returns nil metadata for a
// type the catalog does not know.
type Catalog interface {
	Lookup(typ uint32) (*TypeMetadata, error)
}

// StaticCatalog is a catalog held in memory.
type StaticCatalog map[uint32]*TypeMetadata

func (c StaticCatalog) Lookup(typ uint32) (*TypeMetadata, error) {
	return c[typ], nil
}

// Relate registers r with both of its types, creating metadata for types
// not seen before.
func (c StaticCatalog) Relate(r *Relationship) {
	parent := c.metadata(r.ParentType)
	if parent.Parents == nil {
		parent.Parents = make(map[int]*Relationship)
	}
	parent.Parents[r.FirstChildOffset] = r
	child := c.metadata(r.ChildType)
	if child.Children == nil {
		child.Children = make(map[int]*Relationship)
	}
	child.Children[r.ParentOffset] = r
}

func (c StaticCatalog) metadata(typ uint32) *TypeMetadata {
	m, ok := c[typ]
	if !ok {
		m = &TypeMetadata{Type: typ}
		c[typ] = m
	}
	return m
}

// Registry caches the metadata of the types a process touches. The catalog
// is consulted once per type.
type Registry struct {
	catalog Catalog
	cache   *cache.Cache
}

func NewRegistry(catalog Catalog) *Registry {
	return &Registry{
		catalog: catalog,
		cache:   cache.New(cache.NoExpiration, 0),
	}
}

func registryKey(typ uint32) string {
	return strconv.FormatUint(uint64(typ), 10)
}

// Get returns the metadata of typ. A type unknown to the catalog gets empty
// metadata: no references, no fields, no relationships.
func (r *Registry) Get(typ uint32) (*TypeMetadata, error) {
	key := registryKey(typ)
	if m, ok := r.cache.Get(key); ok {
		return m.(*TypeMetadata), nil
	}
	var m *TypeMetadata
	if r.catalog != nil {
		var err error
		if m, err = r.catalog.Lookup(typ); err != nil {
			return nil, errors.Wrapf(err, "lookup metadata of type %d", typ)
		}
	}
	if m == nil {
		m = &TypeMetadata{Type: typ}
	}
	r.cache.Set(key, m, cache.NoExpiration)
	return m, nil
}

// Invalidate drops the cached metadata of typ.
func (r *Registry) Invalidate(typ uint32) {
	r.cache.Delete(registryKey(typ))
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}
