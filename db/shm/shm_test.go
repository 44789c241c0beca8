package shm

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSegmentMappings(t *testing.T) {
	s, err := Create("test", 4096, false)
	require.NoError(t, err)
	defer s.Close()
	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	shared, err := s.MapShared()
	require.NoError(t, err)
	defer shared.Unmap()
	shared.Bytes()[0] = 1

	d, err := s.Dup()
	require.NoError(t, err)
	defer d.Close()
	other, err := d.MapShared()
	require.NoError(t, err)
	defer other.Unmap()
	assert.Equal(t, byte(1), other.Bytes()[0])

	// Private mappings are copy-on-write snapshots.
	private, err := s.MapPrivate()
	require.NoError(t, err)
	private.Bytes()[0] = 2
	assert.Equal(t, byte(1), shared.Bytes()[0])
	require.NoError(t, private.Unmap())
	require.NoError(t, private.Unmap())
}

func TestSeal(t *testing.T) {
	s, err := Create("log", 4096, true)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.IsSealed())

	m, err := s.MapShared()
	require.NoError(t, err)
	m.Bytes()[10] = 7
	// Write seals need every writable mapping gone.
	assert.Error(t, s.Seal())
	require.NoError(t, m.Unmap())
	require.NoError(t, s.Seal())
	assert.True(t, s.IsSealed())

	_, err = s.MapShared()
	assert.Error(t, err)
	ro, err := s.MapReadOnly()
	require.NoError(t, err)
	defer ro.Unmap()
	assert.Equal(t, byte(7), ro.Bytes()[10])

	plain, err := Create("plain", 4096, false)
	require.NoError(t, err)
	defer plain.Close()
	assert.Error(t, plain.Seal())
	assert.False(t, plain.IsSealed())
}

func TestSendReceiveFDs(t *testing.T) {
	local, remoteFD, err := SocketPair()
	require.NoError(t, err)
	defer local.Close()
	remote, err := ConnFromFD(remoteFD, "remote")
	require.NoError(t, err)
	defer remote.Close()

	seg, err := Create("passed", 4096, false)
	require.NoError(t, err)
	m, err := seg.MapShared()
	require.NoError(t, err)
	copy(m.Bytes(), "shared")
	require.NoError(t, m.Unmap())

	require.NoError(t, SendWithFDs(local, []byte("hello"), seg.FD(), seg.FD()))
	require.NoError(t, seg.Close())
	assert.Error(t, SendWithFDs(local, []byte("x"), 0, 1, 2))

	buf := make([]byte, 64)
	n, fds, err := RecvWithFDs(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	require.Len(t, fds, 2)
	received := FromFD(fds[0], "received")
	defer received.Close()
	CloseFDs(fds[1:])
	rm, err := received.MapReadOnly()
	require.NoError(t, err)
	defer rm.Unmap()
	assert.Equal(t, "shared", string(rm.Bytes()[:6]))

	require.NoError(t, SendWithFDs(remote, []byte("plain")))
	n, fds, err = RecvWithFDs(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(buf[:n]))
	assert.Empty(t, fds)

	require.NoError(t, remote.Close())
	_, _, err = RecvWithFDs(local, buf)
	assert.Equal(t, io.EOF, errors.Cause(err))
	_, _, err = RecvWithFDs(local, buf)
	assert.Equal(t, io.EOF, errors.Cause(err))
}

func TestRecvAfterCloseWrite(t *testing.T) {
	local, remoteFD, err := SocketPair()
	require.NoError(t, err)
	defer local.Close()
	remote, err := ConnFromFD(remoteFD, "remote")
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, SendWithFDs(remote, []byte("last")))
	require.NoError(t, remote.CloseWrite())

	buf := make([]byte, 64)
	n, _, err := RecvWithFDs(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "last", string(buf[:n]))
	_, _, err = RecvWithFDs(local, buf)
	assert.Equal(t, io.EOF, errors.Cause(err))

	// The other direction stays open.
	require.NoError(t, SendWithFDs(local, []byte("reply")))
	n, _, err = RecvWithFDs(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestIsEOF(t *testing.T) {
	assert.True(t, isEOF(io.EOF))
	assert.True(t, isEOF(&net.OpError{Op: "read", Net: SocketNetwork, Err: io.EOF}))
	assert.False(t, isEOF(&net.OpError{Op: "read", Net: SocketNetwork, Err: io.ErrUnexpectedEOF}))
	assert.False(t, isEOF(nil))
}

func TestPeerCredentials(t *testing.T) {
	local, remoteFD, err := SocketPair()
	require.NoError(t, err)
	defer local.Close()
	defer CloseFDs([]int{remoteFD})

	cred, err := PeerCredentials(local)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), cred.PID)
	assert.Equal(t, uint32(os.Getuid()), cred.UID)
}

func TestFlock(t *testing.T) {
	s, err := Create("locked", 64, false)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, LockShared(s.FD()))
	require.NoError(t, Unlock(s.FD()))
	require.NoError(t, LockExclusive(s.FD()))
	require.NoError(t, Unlock(s.FD()))

	fd, err := Reopen(s.FD())
	require.NoError(t, err)
	other := FromFD(fd, "locked")
	defer other.Close()
	require.NoError(t, LockExclusive(s.FD()))
	assert.Equal(t, unix.EWOULDBLOCK, errors.Cause(TryLockShared(other.FD())))
	require.NoError(t, Unlock(s.FD()))
	require.NoError(t, TryLockShared(other.FD()))
	require.NoError(t, Unlock(other.FD()))
}
