// Package messages defines the session control messages exchanged between
// clients and the server.
package messages

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
)

type SessionEvent uint8

const (
	EventNone SessionEvent = iota
	EventConnect
	EventBeginTxn
	EventRollbackTxn
	EventCommitTxn
	EventDecideTxnCommit
	EventDecideTxnAbort
	EventClientShutdown
	EventServerShutdown
	EventRequestStream
)

var eventNames = [...]string{
	EventNone:            "NOP",
	EventConnect:         "CONNECT",
	EventBeginTxn:        "BEGIN_TXN",
	EventRollbackTxn:     "ROLLBACK_TXN",
	EventCommitTxn:       "COMMIT_TXN",
	EventDecideTxnCommit: "DECIDE_TXN_COMMIT",
	EventDecideTxnAbort:  "DECIDE_TXN_ABORT",
	EventClientShutdown:  "CLIENT_SHUTDOWN",
	EventServerShutdown:  "SERVER_SHUTDOWN",
	EventRequestStream:   "REQUEST_STREAM",
}

func (e SessionEvent) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("EVENT(%d)", uint8(e))
}

type SessionState uint8

const (
	StateAny SessionState = iota
	StateDisconnected
	StateConnected
	StateTxnInProgress
	StateTxnCommitting
)

var stateNames = [...]string{
	StateAny:           "ANY",
	StateDisconnected:  "DISCONNECTED",
	StateConnected:     "CONNECTED",
	StateTxnInProgress: "TXN_IN_PROGRESS",
	StateTxnCommitting: "TXN_COMMITTING",
}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Reasons carried in Count of the SERVER_SHUTDOWN message a refused client
// receives in place of its CONNECT reply.
const (
	RefusedSessionLimit = 1
	RefusedPeerUID      = 2
)

// MaxMessageSize bounds an encoded control message.
const MaxMessageSize = 64

// Message is one control message. Requests carry only the event, plus the
// type for REQUEST_STREAM. Replies carry the state transition the server
// made and the event's results: the begin timestamp as TxnID, and in Count
// the log capacity in records for CONNECT, or the number of snapshot log fds
// that follow for BEGIN_TXN.
type Message struct {
	Event    SessionEvent
	OldState SessionState
	NewState SessionState
	TxnID    uint64
	Count    uint64
	TypeID   uint32
}

// Marshal encodes m as a length-prefixed body of varints.
func (m *Message) Marshal() []byte {
	body := proto.NewBuffer(make([]byte, 0, MaxMessageSize))
	_ = body.EncodeVarint(uint64(m.Event))
	_ = body.EncodeVarint(uint64(m.OldState))
	_ = body.EncodeVarint(uint64(m.NewState))
	_ = body.EncodeVarint(m.TxnID)
	_ = body.EncodeVarint(m.Count)
	_ = body.EncodeVarint(uint64(m.TypeID))
	buf := proto.NewBuffer(make([]byte, 0, MaxMessageSize))
	_ = buf.EncodeRawBytes(body.Bytes())
	return buf.Bytes()
}

// Unmarshal decodes one message that fills data exactly.
func Unmarshal(data []byte) (*Message, error) {
	buf := proto.NewBuffer(data)
	raw, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Wrap(dberr.ErrProtocol, err.Error())
	}
	if len(raw) != len(data)-sizeOfLength(len(raw)) {
		return nil, errors.Wrap(dberr.ErrProtocol, "trailing bytes after message")
	}
	body := proto.NewBuffer(raw)
	var fields [6]uint64
	for i := range fields {
		if fields[i], err = body.DecodeVarint(); err != nil {
			return nil, errors.Wrapf(dberr.ErrProtocol, "message field %d: %v", i, err)
		}
	}
	if fields[0] >= uint64(len(eventNames)) || fields[1] >= uint64(len(stateNames)) ||
		fields[2] >= uint64(len(stateNames)) || fields[5] > 1<<32-1 {
		return nil, errors.Wrap(dberr.ErrProtocol, "message field out of range")
	}
	return &Message{
		Event:    SessionEvent(fields[0]),
		OldState: SessionState(fields[1]),
		NewState: SessionState(fields[2]),
		TxnID:    fields[3],
		Count:    fields[4],
		TypeID:   uint32(fields[5]),
	}, nil
}

func sizeOfLength(n int) int {
	return len(proto.EncodeVarint(uint64(n)))
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s->%s txn %d count %d type %d", m.Event, m.OldState, m.NewState, m.TxnID, m.Count, m.TypeID)
}
