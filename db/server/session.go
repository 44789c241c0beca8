package server

import (
	"io"
	"net"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/txnmeta"
	"go.uber.org/zap"
)

// session serves one client connection. All of its state is owned by the
// session goroutine.
type session struct {
	id    uint64
	srv   *Server
	conn  *net.UnixConn
	state messages.SessionState
	// beginTS is the active transaction, 0 when there is none.
	beginTS uint64
}

func newSession(srv *Server, id uint64, conn *net.UnixConn) *session {
	return &session{
		id:    id,
		srv:   srv,
		conn:  conn,
		state: messages.StateDisconnected,
	}
}

func (ss *session) run() {
	defer ss.close()
	buf := make([]byte, messages.MaxMessageSize)
	for {
		n, fds, err := shm.RecvWithFDs(ss.conn, buf)
		if err != nil {
			if errors.Cause(err) == io.EOF || ss.srv.isClosed() {
				log.Debug("session closed by peer", zap.Uint64("session", ss.id))
			} else {
				log.Warn("session receive failed", zap.Uint64("session", ss.id), zap.Error(err))
			}
			return
		}
		msg, err := messages.Unmarshal(buf[:n])
		if err != nil {
			shm.CloseFDs(fds)
			log.Warn("malformed session message", zap.Uint64("session", ss.id), zap.Error(err))
			return
		}
		if err := ss.dispatch(msg, fds); err != nil {
			log.Warn("closing session", zap.Uint64("session", ss.id), zap.Stringer("state", ss.state),
				zap.Stringer("event", msg.Event), zap.Error(err))
			return
		}
		if msg.Event == messages.EventClientShutdown || msg.Event == messages.EventServerShutdown {
			return
		}
	}
}

func (ss *session) dispatch(msg *messages.Message, fds []int) error {
	t, err := lookupTransition(ss.state, msg.Event)
	if err != nil {
		shm.CloseFDs(fds)
		return err
	}
	eventCounter.WithLabelValues(msg.Event.String()).Inc()
	next, err := t.handle(ss, t.next, msg, fds)
	if err != nil {
		return err
	}
	log.Debug("session transition", zap.Uint64("session", ss.id), zap.Stringer("event", msg.Event),
		zap.Stringer("from", ss.state), zap.Stringer("to", next))
	ss.state = next
	return nil
}

// close terminates a transaction the client left open and releases the
// connection.
func (ss *session) close() {
	if ss.beginTS != 0 {
		ss.srv.oracle.Terminate(ss.beginTS)
		ss.srv.scheduleMaintenance()
		log.Info("terminated abandoned transaction", zap.Uint64("session", ss.id), zap.Uint64("begin-ts", ss.beginTS))
	}
	ss.beginTS = 0
	ss.state = messages.StateDisconnected
	ss.srv.removeSession(ss)
}

func (ss *session) reply(msg *messages.Message, fds ...int) error {
	return shm.SendWithFDs(ss.conn, msg.Marshal(), fds...)
}

func (ss *session) handleConnect(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	shm.CloseFDs(fds)
	err := ss.reply(&messages.Message{
		Event:    messages.EventConnect,
		OldState: ss.state,
		NewState: next,
		Count:    ss.srv.cfg.MaxLogRecords,
	}, ss.srv.dataSeg.FD(), ss.srv.locatorsSeg.FD())
	return next, err
}

// handleBegin starts a transaction. Every commit below begin_ts is decided
// before the reply, and the committed logs not yet applied to the shared
// view follow it so the client can bring its snapshot up to begin_ts.
func (ss *session) handleBegin(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	shm.CloseFDs(fds)
	srv := ss.srv
	beginTS, err := srv.oracle.BeginTxn()
	if err != nil {
		log.Warn("cannot begin transaction", zap.Uint64("session", ss.id), zap.Error(err))
		// TxnID 0 tells the client the begin failed; the session stays put.
		return ss.state, ss.reply(&messages.Message{Event: messages.EventBeginTxn, OldState: ss.state, NewState: ss.state})
	}
	ss.beginTS = beginTS

	applied := srv.marks.PostApply()
	srv.validator.ValidateRange(applied+1, beginTS)

	var snapshot []int
	defer func() { shm.CloseFDs(snapshot) }()
	meta := srv.oracle.Metadata()
	for ts := applied + 1; ts < beginTS; ts++ {
		if e := meta.Load(ts); !e.IsCommit() || !e.IsCommitted() {
			continue
		}
		seg, err := srv.logs.dupLog(ts)
		if errors.Cause(err) == dberr.ErrLogInvalidated {
			// A reclaimed log and everything below it is in the shared
			// view. Replaying an older log after it would undo it.
			shm.CloseFDs(snapshot)
			snapshot = snapshot[:0]
			continue
		}
		if err != nil {
			return next, err
		}
		snapshot = append(snapshot, seg.FD())
	}

	err = ss.reply(&messages.Message{
		Event:    messages.EventBeginTxn,
		OldState: ss.state,
		NewState: next,
		TxnID:    beginTS,
		Count:    uint64(len(snapshot)),
	})
	if err != nil {
		return next, err
	}
	for i := 0; i < len(snapshot); i += shm.MaxFDsPerMessage {
		end := i + shm.MaxFDsPerMessage
		if end > len(snapshot) {
			end = len(snapshot)
		}
		err = ss.reply(&messages.Message{
			Event:    messages.EventBeginTxn,
			OldState: ss.state,
			NewState: next,
			TxnID:    beginTS,
			Count:    uint64(end - i),
		}, snapshot[i:end]...)
		if err != nil {
			return next, err
		}
	}
	log.Debug("transaction started", zap.Uint64("session", ss.id), zap.Uint64("begin-ts", beginTS),
		zap.Int("snapshot-logs", len(snapshot)))
	return next, nil
}

func (ss *session) handleRollback(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	shm.CloseFDs(fds)
	ss.srv.oracle.Terminate(ss.beginTS)
	ss.beginTS = 0
	ss.srv.scheduleMaintenance()
	return next, nil
}

// handleCommit submits the sealed log the client passed, decides it and
// replies with the outcome.
func (ss *session) handleCommit(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	if len(fds) != 1 {
		shm.CloseFDs(fds)
		return next, errors.Wrapf(dberr.ErrProtocol, "COMMIT_TXN carries %d fds", len(fds))
	}
	srv := ss.srv
	start := time.Now()
	seg := shm.FromFD(fds[0], "log")
	if seg.FD() >= txnmeta.InvalidLogFD {
		seg.Close()
		return next, dberr.ErrLogFDSpaceExhausted
	}
	txnLog, mapping, err := openCommitLog(seg, ss.beginTS)
	if err != nil {
		seg.Close()
		return next, err
	}
	defer mapping.Unmap()

	ss.state = messages.StateTxnCommitting
	commitTS, err := srv.oracle.Submit(ss.beginTS, seg.FD())
	if err != nil {
		seg.Close()
		return next, err
	}
	// The metadata entry owns the descriptor from here on.
	beginTS := ss.beginTS
	ss.beginTS = 0

	committed := srv.validator.Decide(commitTS)
	if srv.writer != nil {
		if err := srv.writer.Persist(commitTS, txnLog, srv.data.Heap(), committed); err != nil {
			log.Panic("persisting transaction failed", zap.Uint64("commit-ts", commitTS), zap.Error(err))
		}
		srv.oracle.SetDurable(commitTS)
	}

	event := messages.EventDecideTxnAbort
	outcome := "abort"
	if committed {
		event = messages.EventDecideTxnCommit
		outcome = "commit"
	}
	commitDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	srv.scheduleMaintenance()
	log.Debug("transaction decided", zap.Uint64("session", ss.id), zap.Uint64("begin-ts", beginTS),
		zap.Uint64("commit-ts", commitTS), zap.Bool("committed", committed))
	return next, ss.reply(&messages.Message{
		Event:    event,
		OldState: messages.StateTxnCommitting,
		NewState: next,
		TxnID:    beginTS,
	})
}

// openCommitLog maps a log passed for commit after checking it is sealed and
// belongs to the session's transaction.
func openCommitLog(seg *shm.Segment, beginTS uint64) (*storage.TxnLog, *shm.Mapping, error) {
	if !seg.IsSealed() {
		return nil, nil, errors.Wrap(dberr.ErrProtocol, "transaction log is not sealed")
	}
	size, err := seg.Size()
	if err != nil {
		return nil, nil, err
	}
	if uint64(size) < storage.LogSize(0) {
		return nil, nil, errors.Wrapf(dberr.ErrProtocol, "transaction log of %d bytes", size)
	}
	mapping, err := seg.MapReadOnly()
	if err != nil {
		return nil, nil, err
	}
	txnLog := storage.NewTxnLog(mapping.Bytes())
	if txnLog.BeginTS() != beginTS {
		mapping.Unmap()
		return nil, nil, errors.Wrapf(dberr.ErrProtocol, "log begin ts %d, transaction began at %d", txnLog.BeginTS(), beginTS)
	}
	return txnLog, mapping, nil
}

// handleStream starts a producer streaming the ids of a type over a fresh
// socket pair. The reply carries the client's end.
func (ss *session) handleStream(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	shm.CloseFDs(fds)
	local, remote, err := shm.SocketPair()
	if err != nil {
		return next, err
	}
	err = ss.reply(&messages.Message{
		Event:    messages.EventRequestStream,
		OldState: ss.state,
		NewState: next,
		TypeID:   msg.TypeID,
	}, remote)
	shm.CloseFDs([]int{remote})
	if err != nil {
		local.Close()
		return next, err
	}
	ss.srv.startStream(local, msg.TypeID)
	return next, nil
}

func (ss *session) handleShutdown(next messages.SessionState, msg *messages.Message, fds []int) (messages.SessionState, error) {
	shm.CloseFDs(fds)
	if ss.beginTS != 0 {
		ss.srv.oracle.Terminate(ss.beginTS)
		ss.beginTS = 0
		ss.srv.scheduleMaintenance()
	}
	return next, nil
}
