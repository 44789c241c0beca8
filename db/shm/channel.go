package shm

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxFDsPerMessage bounds the descriptors attached to one message.
const MaxFDsPerMessage = 2

// SocketNetwork is the socket type of session connections. Sequenced packets
// keep message boundaries.
const SocketNetwork = "unixpacket"

// SendWithFDs writes payload as one message with fds attached.
func SendWithFDs(conn *net.UnixConn, payload []byte, fds ...int) error {
	if len(fds) > MaxFDsPerMessage {
		return errors.Errorf("cannot attach %d fds to one message", len(fds))
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if n != len(payload) || oobn != len(oob) {
		return errors.Errorf("short write: %d of %d bytes, %d of %d control bytes", n, len(payload), oobn, len(oob))
	}
	return nil
}

// RecvWithFDs reads one message into buf and returns its length and the
// attached fds, which the caller owns. The cause of the error is io.EOF once
// the peer has closed the connection.
func RecvWithFDs(conn *net.UnixConn, buf []byte) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(MaxFDsPerMessage*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if isEOF(err) {
			return 0, nil, errors.WithStack(io.EOF)
		}
		return 0, nil, errors.WithStack(err)
	}
	// A zero-length read without ancillary data is the peer hanging up.
	if n == 0 && oobn == 0 {
		return 0, nil, errors.WithStack(io.EOF)
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return 0, nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeAll(fds)
		return 0, nil, errors.New("message or its fds were truncated")
	}
	return n, fds, nil
}

// isEOF reports whether err is the end of the stream, bare or inside the
// *net.OpError that net wraps it in.
func isEOF(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		err = opErr.Err
	}
	return err == io.EOF
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeAll(fds)
			return nil, errors.Wrap(err, "parse rights")
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// CloseFDs closes every fd, ignoring errors.
func CloseFDs(fds []int) {
	closeAll(fds)
}

// SocketPair returns two connected sequenced-packet sockets. The second
// end's fd is returned as well for passing to a peer; the caller closes it
// after sending.
func SocketPair() (local *net.UnixConn, remoteFD int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, errors.Wrap(err, "socketpair")
	}
	local, err = ConnFromFD(fds[0], "stream")
	if err != nil {
		unix.Close(fds[1])
		return nil, -1, err
	}
	return local, fds[1], nil
}

// ConnFromFD wraps a socket fd, taking ownership of it.
func ConnFromFD(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(err, "wrap socket %s", name)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("socket %s is not a unix socket", name)
	}
	return uc, nil
}

// Credentials identify the process at the other end of a socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

func PeerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, errors.WithStack(err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Credentials{}, errors.WithStack(err)
	}
	if credErr != nil {
		return Credentials{}, errors.Wrap(credErr, "peer credentials")
	}
	return Credentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
