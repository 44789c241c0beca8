// Package client connects a process to a shmdb server. The data segment is
// mapped shared for the life of the connection; each transaction works on a
// private copy-on-write mapping of the locators segment and records its
// changes in a sealable log that it hands to the server at commit.
package client

import (
	"io"
	"net"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/config"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
	"github.com/shmdb/shmdb/db/object"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"go.uber.org/zap"
)

// CommitTrigger is called after a commit that produced events.
type CommitTrigger func(txnID uint64, events []object.Event)

type Option func(*Client)

func WithCommitTrigger(trigger CommitTrigger) Option {
	return func(c *Client) { c.trigger = trigger }
}

// WithCatalog sets where type metadata comes from. Without one every type
// is a plain type without relationships.
func WithCatalog(catalog object.Catalog) Option {
	return func(c *Client) { c.registry = object.NewRegistry(catalog) }
}

// Client is one session with the server. It is not safe for concurrent use;
// give each goroutine its own client.
type Client struct {
	conn *net.UnixConn
	buf  []byte

	dataSeg     *shm.Segment
	dataMap     *shm.Mapping
	data        *storage.DataSegment
	locatorsSeg *shm.Segment
	// lockFD is this client's own description of the locators file, so its
	// shared lock conflicts with the server's exclusive one.
	lockFD      int
	logCapacity uint64

	registry *object.Registry
	trigger  CommitTrigger
	txn      *Transaction
}

// Connect opens a session with the server listening on cfg.SocketPath and
// maps the data segment.
func Connect(cfg *config.Config, opts ...Option) (*Client, error) {
	addr := &net.UnixAddr{Name: cfg.SocketPath, Net: shm.SocketNetwork}
	conn, err := net.DialUnix(shm.SocketNetwork, nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.SocketPath)
	}
	c := &Client{
		conn:   conn,
		buf:    make([]byte, messages.MaxMessageSize),
		lockFD: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = object.NewRegistry(nil)
	}
	if err := c.handshake(); err != nil {
		c.release()
		return nil, err
	}
	log.Debug("connected", zap.String("socket", cfg.SocketPath), zap.Uint64("log-capacity", c.logCapacity))
	return c, nil
}

func (c *Client) handshake() error {
	// A refused client finds SERVER_SHUTDOWN queued even when the server
	// hung up before our request arrived.
	sendErr := c.send(&messages.Message{Event: messages.EventConnect})
	reply, fds, err := c.recv()
	if err != nil {
		if sendErr != nil {
			return sendErr
		}
		return err
	}
	if reply.Event == messages.EventServerShutdown {
		shm.CloseFDs(fds)
		if reply.Count == messages.RefusedSessionLimit {
			return dberr.ErrSessionLimitExceeded
		}
		return errors.Wrap(dberr.ErrNotConnected, "refused by the server")
	}
	if reply.Event != messages.EventConnect || len(fds) != 2 {
		shm.CloseFDs(fds)
		return errors.Wrapf(dberr.ErrProtocol, "unexpected %s reply with %d fds to CONNECT", reply.Event, len(fds))
	}
	c.dataSeg = shm.FromFD(fds[0], "shmdb-data")
	c.locatorsSeg = shm.FromFD(fds[1], "shmdb-locators")
	c.logCapacity = reply.Count

	if c.dataMap, err = c.dataSeg.MapShared(); err != nil {
		return err
	}
	if c.data, err = storage.OpenData(c.dataMap.Bytes()); err != nil {
		return err
	}
	c.lockFD, err = shm.Reopen(c.locatorsSeg.FD())
	return err
}

func (c *Client) send(msg *messages.Message, fds ...int) error {
	if c.conn == nil {
		return dberr.ErrNotConnected
	}
	return shm.SendWithFDs(c.conn, msg.Marshal(), fds...)
}

// recv reads one control message. The caller owns the fds.
func (c *Client) recv() (*messages.Message, []int, error) {
	if c.conn == nil {
		return nil, nil, dberr.ErrNotConnected
	}
	n, fds, err := shm.RecvWithFDs(c.conn, c.buf)
	if err != nil {
		return nil, nil, err
	}
	msg, err := messages.Unmarshal(c.buf[:n])
	if err != nil {
		shm.CloseFDs(fds)
		return nil, nil, err
	}
	return msg, fds, nil
}

// Data returns the shared data segment.
func (c *Client) Data() *storage.DataSegment {
	return c.data
}

// Registry returns the type metadata cache shared by the client's
// transactions.
func (c *Client) Registry() *object.Registry {
	return c.registry
}

// Transaction returns the open transaction, or nil.
func (c *Client) Transaction() *Transaction {
	return c.txn
}

// Close rolls back an open transaction, says goodbye and releases the
// session's resources.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.txn != nil {
		if err := c.RollbackTransaction(); err != nil {
			log.Warn("rollback on close failed", zap.Error(err))
		}
	}
	err := c.send(&messages.Message{Event: messages.EventClientShutdown})
	if err == nil {
		err = c.hangUp()
	}
	c.release()
	return err
}

// closeTimeout bounds the wait for the server to end the session.
const closeTimeout = time.Second

// hangUp shuts down the write half and waits until the server has ended the
// session and closed its end.
func (c *Client) hangUp() error {
	if err := c.conn.CloseWrite(); err != nil {
		return errors.WithStack(err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(closeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	for {
		_, fds, err := c.recv()
		if errors.Cause(err) == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		shm.CloseFDs(fds)
	}
}

func (c *Client) release() {
	if c.txn != nil {
		c.txn.teardown()
		c.txn = nil
	}
	c.dataMap.Unmap()
	if c.dataSeg != nil {
		c.dataSeg.Close()
	}
	if c.locatorsSeg != nil {
		c.locatorsSeg.Close()
	}
	if c.lockFD >= 0 {
		shm.CloseFDs([]int{c.lockFD})
		c.lockFD = -1
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
