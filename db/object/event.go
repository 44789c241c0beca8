package object

import (
	"bytes"
	"fmt"
)

type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a change made by a transaction, handed to the commit trigger once
// the transaction commits.
type Event struct {
	Kind  EventKind
	Type  uint32
	ID    uint64
	TxnID uint64
	// ChangedFields lists the positions of the fields an update changed.
	ChangedFields []int
}

// ChangedFields compares two payloads field by field. Without field
// offsets the whole payload counts as field 0.
func ChangedFields(m *TypeMetadata, before, after []byte) []int {
	offsets := m.FieldOffsets
	if len(offsets) == 0 {
		offsets = []int{0}
	}
	var changed []int
	for i, start := range offsets {
		end := -1
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if !bytes.Equal(field(before, start, end), field(after, start, end)) {
			changed = append(changed, i)
		}
	}
	return changed
}

func field(data []byte, start, end int) []byte {
	if start >= len(data) {
		return nil
	}
	if end < 0 || end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
