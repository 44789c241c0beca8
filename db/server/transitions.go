package server

import (
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
)

// handler runs an accepted event. It returns the state the session enters,
// normally next, and owns fds.
type handler func(ss *session, next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error)

type transition struct {
	state  messages.SessionState
	event  messages.SessionEvent
	next   messages.SessionState
	handle handler
}

// transitions is searched in order, so rows for StateAny come after the
// specific ones.
var transitions = []transition{
	{messages.StateDisconnected, messages.EventConnect, messages.StateConnected, (*session).handleConnect},
	{messages.StateConnected, messages.EventBeginTxn, messages.StateTxnInProgress, (*session).handleBegin},
	{messages.StateConnected, messages.EventRequestStream, messages.StateConnected, (*session).handleStream},
	{messages.StateTxnInProgress, messages.EventRollbackTxn, messages.StateConnected, (*session).handleRollback},
	{messages.StateTxnInProgress, messages.EventCommitTxn, messages.StateConnected, (*session).handleCommit},
	{messages.StateTxnInProgress, messages.EventRequestStream, messages.StateTxnInProgress, (*session).handleStream},
	{messages.StateAny, messages.EventClientShutdown, messages.StateDisconnected, (*session).handleShutdown},
	{messages.StateAny, messages.EventServerShutdown, messages.StateDisconnected, (*session).handleShutdown},
}

func lookupTransition(state messages.SessionState, event messages.SessionEvent) (*transition, error) {
	for i := range transitions {
		t := &transitions[i]
		if t.event == event && (t.state == state || t.state == messages.StateAny) {
			return t, nil
		}
	}
	return nil, &dberr.ErrInvalidSessionTransition{State: state.String(), Event: event.String()}
}
