package storage

import (
	"encoding/binary"

	"github.com/shmdb/shmdb/db/dberr"
	"go.uber.org/zap"
)

// Object header layout, little endian:
//
//	[id u64][type u32][payload-size u32][num-references u16][pad 6]
//
// followed by num-references reference ids and then the data bytes. The
// payload size counts references plus data.
const (
	objIDOffset      = 0
	objTypeOffset    = 8
	objPayloadOffset = 12
	objNumRefsOffset = 16

	ObjectHeaderSize = 24
	referenceSize    = 8

	// MaxObjectSize bounds header plus payload of a single heap slot.
	MaxObjectSize = 64 * 1024
	// MaxPayloadSize bounds references plus data.
	MaxPayloadSize = MaxObjectSize - ObjectHeaderSize
	// MaxReferences is the largest reference array a header can describe.
	MaxReferences = 1<<16 - 1
)

// ObjectSize returns the slot size of an object with numRefs references and
// dataLen data bytes, or an error when it would not fit in one slot.
func ObjectSize(numRefs, dataLen int) (int, error) {
	if numRefs < 0 || numRefs > MaxReferences {
		return 0, &dberr.ErrObjectTooLarge{Size: numRefs * referenceSize, Max: MaxPayloadSize}
	}
	payload := numRefs*referenceSize + dataLen
	if payload > MaxPayloadSize {
		return 0, &dberr.ErrObjectTooLarge{Size: payload, Max: MaxPayloadSize}
	}
	return ObjectHeaderSize + payload, nil
}

// Object is a typed view over one heap slot. It aliases the heap; writing
// through it is only legal on a slot the caller just allocated.
type Object []byte

func (o Object) ID() uint64 {
	return binary.LittleEndian.Uint64(o[objIDOffset:])
}

func (o Object) Type() uint32 {
	return binary.LittleEndian.Uint32(o[objTypeOffset:])
}

// PayloadSize is the byte length of references plus data.
func (o Object) PayloadSize() int {
	return int(binary.LittleEndian.Uint32(o[objPayloadOffset:]))
}

func (o Object) NumReferences() int {
	return int(binary.LittleEndian.Uint16(o[objNumRefsOffset:]))
}

// Size is the full slot extent, header included.
func (o Object) Size() int {
	return ObjectHeaderSize + o.PayloadSize()
}

func (o Object) referenceOffset(i int) int {
	dberr.Invariant(i >= 0 && i < o.NumReferences(), "reference index out of range",
		zap.Int("index", i), zap.Int("num-references", o.NumReferences()))
	return ObjectHeaderSize + i*referenceSize
}

// Reference returns the id stored in reference slot i; 0 means empty.
func (o Object) Reference(i int) uint64 {
	return binary.LittleEndian.Uint64(o[o.referenceOffset(i):])
}

func (o Object) SetReference(i int, id uint64) {
	binary.LittleEndian.PutUint64(o[o.referenceOffset(i):], id)
}

// References copies out the whole reference array.
func (o Object) References() []uint64 {
	refs := make([]uint64, o.NumReferences())
	for i := range refs {
		refs[i] = o.Reference(i)
	}
	return refs
}

// HasReferences reports whether any reference slot is in use.
func (o Object) HasReferences() bool {
	for i := 0; i < o.NumReferences(); i++ {
		if o.Reference(i) != 0 {
			return true
		}
	}
	return false
}

// Data returns the payload bytes after the reference array.
func (o Object) Data() []byte {
	start := ObjectHeaderSize + o.NumReferences()*referenceSize
	return o[start:o.Size()]
}

// Init writes the header, zeroes the references and copies data. The view
// must be exactly ObjectSize(numRefs, len(data)) bytes long.
func (o Object) Init(id uint64, typ uint32, numRefs int, data []byte) {
	payload := numRefs*referenceSize + len(data)
	dberr.Invariant(len(o) == ObjectHeaderSize+payload, "object view does not match its size",
		zap.Int("view", len(o)), zap.Int("payload", payload))
	binary.LittleEndian.PutUint64(o[objIDOffset:], id)
	binary.LittleEndian.PutUint32(o[objTypeOffset:], typ)
	binary.LittleEndian.PutUint32(o[objPayloadOffset:], uint32(payload))
	binary.LittleEndian.PutUint16(o[objNumRefsOffset:], uint16(numRefs))
	for i := objNumRefsOffset + 2; i < ObjectHeaderSize+numRefs*referenceSize; i++ {
		o[i] = 0
	}
	copy(o[ObjectHeaderSize+numRefs*referenceSize:], data)
}
