// Package server owns the shared segments and serves client sessions over a
// sequenced-packet unix socket. Sessions hand out the segments, run the
// commit protocol on behalf of clients, and stream object ids. A worker
// applies committed logs to the shared view and reclaims dead versions.
package server

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/commit"
	"github.com/shmdb/shmdb/db/config"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
	"github.com/shmdb/shmdb/db/util/worker"
	"github.com/shmdb/shmdb/db/wal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server is a running database instance.
type Server struct {
	cfg *config.Config

	dataSeg     *shm.Segment
	locatorsSeg *shm.Segment
	dataMap     *shm.Mapping
	locatorsMap *shm.Mapping

	data       *storage.DataSegment
	store      *sharedStore
	oracle     *tso.TimestampOracle
	marks      *commit.Watermarks
	logs       *logSource
	validator  *commit.Validator
	maintainer *commit.Maintainer
	// writer is nil unless commits are persisted.
	writer wal.Writer

	listener *net.UnixListener
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	sessions  map[*session]struct{}
	streams   map[*net.UnixConn]struct{}
	nextID    uint64
	closed    atomic.Bool
	closeOnce sync.Once

	wg          sync.WaitGroup
	workerWg    sync.WaitGroup
	maintenance *worker.Worker
}

// NewServer creates the shared segments and, when persistence allows it,
// recovers the shared view from the WAL. It does not listen yet.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		marks:    &commit.Watermarks{},
		sessions: make(map[*session]struct{}),
		streams:  make(map[*net.UnixConn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.ConnectRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	}
	if err := s.createSegments(); err != nil {
		s.releaseSegments()
		return nil, err
	}

	s.oracle = tso.NewTimestampOracle(s.data.TimestampCounter(), s.data.Metadata())
	s.logs = &logSource{meta: s.oracle.Metadata()}
	s.validator = commit.NewValidator(s.oracle, s.logs)
	s.maintainer = commit.NewMaintainer(s.oracle, s.marks, s.logs, s.store, cfg.Persistence.Persist())

	if err := s.openWAL(); err != nil {
		s.releaseSegments()
		return nil, err
	}
	return s, nil
}

func (s *Server) createSegments() error {
	capacity := s.cfg.Capacity()
	var err error
	if s.dataSeg, err = shm.Create("shmdb-data", int64(capacity.DataSize()), false); err != nil {
		return err
	}
	if s.locatorsSeg, err = shm.Create("shmdb-locators", int64(storage.LocatorsSize(capacity.MaxLocators)), false); err != nil {
		return err
	}
	if s.dataMap, err = s.dataSeg.MapShared(); err != nil {
		return err
	}
	if s.locatorsMap, err = s.locatorsSeg.MapShared(); err != nil {
		return err
	}
	if s.data, err = storage.FormatData(s.dataMap.Bytes(), capacity); err != nil {
		return err
	}
	lockFD, err := shm.Reopen(s.locatorsSeg.FD())
	if err != nil {
		return err
	}
	s.store = &sharedStore{
		data:     s.data,
		locators: storage.NewLocators(s.locatorsMap.Bytes()),
		lockFD:   lockFD,
	}
	return nil
}

func (s *Server) releaseSegments() {
	if s.store != nil {
		shm.CloseFDs([]int{s.store.lockFD})
	}
	s.locatorsMap.Unmap()
	s.dataMap.Unmap()
	if s.locatorsSeg != nil {
		s.locatorsSeg.Close()
	}
	if s.dataSeg != nil {
		s.dataSeg.Close()
	}
}

// openWAL replays the WAL into the fresh segments and keeps the writer when
// commits are persisted.
func (s *Server) openWAL() error {
	mode := s.cfg.Persistence
	if !mode.Recover() {
		return nil
	}
	w, err := wal.OpenBadgerWriter(s.cfg.DataDir)
	if err != nil {
		return err
	}
	r := newRecovery(s.store)
	if err := w.Recover(r.replay); err != nil {
		w.Close()
		return errors.WithMessage(err, "recover shared view")
	}
	r.finish(s.marks, s.oracle.Metadata())
	if !mode.Persist() {
		return w.Close()
	}
	s.writer = w
	return nil
}

// Start listens on the configured socket and starts serving.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove stale socket %s", path)
	}
	l, err := net.ListenUnix(shm.SocketNetwork, &net.UnixAddr{Name: path, Net: shm.SocketNetwork})
	if err != nil {
		return errors.Wrapf(err, "listen on %s", path)
	}
	s.listener = l

	s.maintenance = worker.NewWorker("maintenance", &s.workerWg)
	s.maintenance.Start(&maintenanceHandler{
		maintainer: s.maintainer,
		interval:   s.cfg.MaintenanceInterval.Duration,
	})

	s.wg.Add(1)
	go s.serve()
	log.Info("server started", zap.String("socket", path), zap.String("persistence", string(s.cfg.Persistence)))
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.isClosed() {
				return
			}
			log.Error("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.admit(conn)
	}
}

// admit starts a session for conn unless the peer is not allowed in. A
// refused client receives SERVER_SHUTDOWN instead of its CONNECT reply.
func (s *Server) admit(conn *net.UnixConn) {
	if s.cfg.RestrictPeerUID {
		cred, err := shm.PeerCredentials(conn)
		if err != nil || cred.UID != uint32(os.Getuid()) {
			log.Warn("refusing client of another user", zap.Uint32("uid", cred.UID), zap.Error(err))
			s.refuse(conn, "peer-uid", messages.RefusedPeerUID)
			return
		}
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if s.cfg.SessionLimit > 0 && len(s.sessions) >= s.cfg.SessionLimit {
		s.mu.Unlock()
		log.Warn("refusing client", zap.Error(dberr.ErrSessionLimitExceeded))
		s.refuse(conn, "session-limit", messages.RefusedSessionLimit)
		return
	}
	s.nextID++
	ss := newSession(s, s.nextID, conn)
	s.sessions[ss] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	sessionGauge.Inc()
	go func() {
		defer s.wg.Done()
		ss.run()
	}()
}

// refuseTimeout bounds how long a refused client may take to send its
// CONNECT request and to hang up after the refusal.
const refuseTimeout = 500 * time.Millisecond

func (s *Server) refuse(conn *net.UnixConn, reason string, code uint64) {
	rejectedCounter.WithLabelValues(reason).Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		if err := conn.SetReadDeadline(time.Now().Add(refuseTimeout)); err != nil {
			log.Debug("refused connection already gone", zap.Error(err))
			return
		}
		// Closing with the request unread resets the connection, and the
		// client would never see the refusal.
		buf := make([]byte, messages.MaxMessageSize)
		if _, fds, err := shm.RecvWithFDs(conn, buf); err == nil {
			shm.CloseFDs(fds)
		}
		msg := &messages.Message{Event: messages.EventServerShutdown, NewState: messages.StateDisconnected, Count: code}
		if err := shm.SendWithFDs(conn, msg.Marshal()); err != nil {
			log.Debug("refusal not delivered", zap.Error(err))
			return
		}
		if err := conn.CloseWrite(); err != nil {
			return
		}
		for {
			_, fds, err := shm.RecvWithFDs(conn, buf)
			if err != nil {
				return
			}
			shm.CloseFDs(fds)
		}
	}()
}

func (s *Server) removeSession(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	ss.conn.Close()
	sessionGauge.Dec()
}

// startStream runs a producer writing the ids of typ to conn in batches,
// then shuts down the write side so the reader sees the end.
func (s *Server) startStream(conn *net.UnixConn, typ uint32) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.streams[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.streams, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		if err := s.produceIDs(conn, typ); err != nil && !s.isClosed() {
			log.Warn("id stream aborted", zap.Uint32("type", typ), zap.Error(err))
		}
	}()
}

func (s *Server) produceIDs(conn *net.UnixConn, typ uint32) error {
	batchSize := s.cfg.StreamBatchSize
	if batchSize > messages.MaxIDsPerBatch {
		batchSize = messages.MaxIDsPerBatch
	}
	batch := make([]uint64, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := shm.SendWithFDs(conn, messages.EncodeIDBatch(batch))
		batch = batch[:0]
		return err
	}
	heap := s.data.Heap()
	for c := s.data.TypeIndex().Cursor(typ); c.Valid(); c.Advance() {
		if c.IsCurrentNodeDeleted() {
			continue
		}
		offset := s.store.locators.Get(c.CurrentLocator())
		if offset == 0 {
			continue
		}
		batch = append(batch, heap.Object(offset).ID())
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return errors.WithStack(conn.CloseWrite())
}

func (s *Server) scheduleMaintenance() {
	if s.maintenance != nil {
		s.maintenance.TrySend(maintenanceTask{})
	}
}

func (s *Server) isClosed() bool {
	return s.closed.Load()
}

// SocketPath returns the path clients connect to.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Close stops accepting, wakes and ends every session, finishes maintenance
// and releases the segments. Transactions left open are terminated.
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	s.closed.Store(true)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for ss := range s.sessions {
		ss.conn.Close()
	}
	for conn := range s.streams {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.maintenance != nil {
		s.maintenance.Stop()
		s.workerWg.Wait()
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			log.Error("closing wal failed", zap.Error(err))
		}
	}
	s.releaseSegments()
	if s.listener != nil {
		os.Remove(s.cfg.SocketPath)
	}
	log.Info("server closed")
}
