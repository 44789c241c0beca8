package dberr

import (
	"fmt"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrExhausted marks a resource that ran out. The transaction that hit it can
// still be rolled back.
type ErrExhausted string

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s", string(e))
}

var (
	ErrTypeLimitExceeded       = ErrExhausted("type limit exceeded")
	ErrTimestampSpaceExhausted = ErrExhausted("timestamp space exhausted")
	ErrLocatorSpaceExhausted   = ErrExhausted("locator space exhausted")
	ErrHeapExhausted           = ErrExhausted("object heap exhausted")
	ErrLogFull                 = ErrExhausted("transaction log is full")
	ErrIDIndexFull             = ErrExhausted("id index is full")
	ErrSessionLimitExceeded    = ErrExhausted("session limit exceeded")
	ErrLogFDSpaceExhausted     = ErrExhausted("log descriptor space exhausted")
)

var (
	// ErrNoOpenTransaction is returned by every operation that needs an open
	// transaction when there is none.
	ErrNoOpenTransaction = errors.New("no open transaction")
	// ErrTransactionInProgress is returned by begin when the session already
	// has an open transaction.
	ErrTransactionInProgress = errors.New("transaction already in progress")
	// ErrNotConnected is returned when the session is gone.
	ErrNotConnected = errors.New("session is not connected")
	// ErrProtocol is returned for malformed control messages.
	ErrProtocol = errors.New("session protocol violation")
	// ErrLogInvalidated is returned when a transaction log was already
	// reclaimed by garbage collection.
	ErrLogInvalidated = errors.New("transaction log has been invalidated")
)

// ErrTransactionConflict is returned when the server aborts a commit because
// its write set overlaps a concurrently committed transaction. Callers may
// retry the whole transaction.
type ErrTransactionConflict struct {
	TxnID uint64
}

func (e *ErrTransactionConflict) Error() string {
	return fmt.Sprintf("transaction %d aborted by a write conflict", e.TxnID)
}

// IsConflict reports whether err, or its cause, is a transaction conflict.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ErrTransactionConflict)
	return ok
}

// IsExhausted reports whether err, or its cause, is a resource exhaustion.
func IsExhausted(err error) bool {
	_, ok := errors.Cause(err).(ErrExhausted)
	return ok
}

// ErrInvalidSessionTransition is a protocol violation: the event is not legal
// in the session's current state.
type ErrInvalidSessionTransition struct {
	State string
	Event string
}

func (e *ErrInvalidSessionTransition) Error() string {
	return fmt.Sprintf("illegal event %s in session state %s", e.Event, e.State)
}

type ErrObjectTooLarge struct {
	Size int
	Max  int
}

func (e *ErrObjectTooLarge) Error() string {
	return fmt.Sprintf("object payload of %d bytes exceeds the maximum of %d bytes", e.Size, e.Max)
}

type ErrDuplicateID struct {
	ID uint64
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("object id %d already exists", e.ID)
}

type ErrObjectStillReferenced struct {
	ID   uint64
	Type uint32
}

func (e *ErrObjectStillReferenced) Error() string {
	return fmt.Sprintf("object %d of type %d still has references", e.ID, e.Type)
}

type ErrInvalidObjectID struct {
	ID uint64
}

func (e *ErrInvalidObjectID) Error() string {
	return fmt.Sprintf("object %d does not exist", e.ID)
}

type ErrInvalidReferenceOffset struct {
	Type   uint32
	Offset int
}

func (e *ErrInvalidReferenceOffset) Error() string {
	return fmt.Sprintf("type %d has no relationship at reference offset %d", e.Type, e.Offset)
}

type ErrInvalidRelationshipType struct {
	Offset   int
	Expected uint32
	Found    uint32
}

func (e *ErrInvalidRelationshipType) Error() string {
	return fmt.Sprintf("relationship at offset %d expects type %d, found type %d", e.Offset, e.Expected, e.Found)
}

type ErrSingleCardinalityViolation struct {
	Type   uint32
	Offset int
}

func (e *ErrSingleCardinalityViolation) Error() string {
	return fmt.Sprintf("type %d already has a child at one-to-one offset %d", e.Type, e.Offset)
}

type ErrChildAlreadyReferenced struct {
	Type   uint32
	Offset int
}

func (e *ErrChildAlreadyReferenced) Error() string {
	return fmt.Sprintf("child of type %d already references a parent at offset %d", e.Type, e.Offset)
}

type ErrInvalidChild struct {
	ChildType  uint32
	ChildID    uint64
	ParentType uint32
	ParentID   uint64
}

func (e *ErrInvalidChild) Error() string {
	return fmt.Sprintf("object %d of type %d is not a child of object %d of type %d",
		e.ChildID, e.ChildType, e.ParentID, e.ParentType)
}

// Invariant terminates the current goroutine with a logged panic when cond
// does not hold. It is reserved for states the protocol makes impossible.
func Invariant(cond bool, msg string, fields ...zap.Field) {
	if !cond {
		log.Panic(msg, fields...)
	}
}
