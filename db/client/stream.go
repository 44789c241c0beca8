package client

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
	"github.com/shmdb/shmdb/db/shm"
)

// IDStream reads the ids of one type from a server producer. The ids come
// from the shared view at the time they are read, newest object first.
type IDStream struct {
	conn *net.UnixConn
	buf  []byte
}

// RequestStream asks the server to stream the ids of every object of typ.
func (c *Client) RequestStream(typ uint32) (*IDStream, error) {
	if err := c.send(&messages.Message{Event: messages.EventRequestStream, TypeID: typ}); err != nil {
		return nil, err
	}
	reply, fds, err := c.recv()
	if err != nil {
		return nil, err
	}
	if reply.Event != messages.EventRequestStream || len(fds) != 1 {
		shm.CloseFDs(fds)
		return nil, errors.Wrapf(dberr.ErrProtocol, "unexpected %s reply with %d fds to REQUEST_STREAM", reply.Event, len(fds))
	}
	conn, err := shm.ConnFromFD(fds[0], "stream")
	if err != nil {
		return nil, err
	}
	return &IDStream{conn: conn, buf: make([]byte, messages.MaxIDBatchSize)}, nil
}

// Next returns the next batch of ids, or io.EOF after the last one.
func (s *IDStream) Next() ([]uint64, error) {
	n, fds, err := shm.RecvWithFDs(s.conn, s.buf)
	shm.CloseFDs(fds)
	if err != nil {
		if errors.Cause(err) == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return messages.DecodeIDBatch(s.buf[:n])
}

// All drains the stream.
func (s *IDStream) All() ([]uint64, error) {
	var ids []uint64
	for {
		batch, err := s.Next()
		if err == io.EOF {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, batch...)
	}
}

func (s *IDStream) Close() error {
	return errors.WithStack(s.conn.Close())
}
