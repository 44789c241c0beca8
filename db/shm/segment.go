// Package shm binds the shared segments and the session socket to the OS:
// memfd segments with seals, mappings, and fd passing over unix sockets.
package shm

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Seals applied to a transaction log before it is handed to the server.
const LogSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// Segment is an anonymous memory file.
type Segment struct {
	fd   int
	name string
}

// Create makes a memory file of size bytes. Sealable segments accept seals
// later.
func Create(name string, size int64, sealable bool) (*Segment, error) {
	flags := unix.MFD_CLOEXEC
	if sealable {
		flags |= unix.MFD_ALLOW_SEALING
	}
	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "memfd_create %s", name)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "truncate %s to %d bytes", name, size)
	}
	return &Segment{fd: fd, name: name}, nil
}

// FromFD takes ownership of fd.
func FromFD(fd int, name string) *Segment {
	return &Segment{fd: fd, name: name}
}

func (s *Segment) FD() int      { return s.fd }
func (s *Segment) Name() string { return s.name }

func (s *Segment) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return 0, errors.Wrapf(err, "fstat %s", s.name)
	}
	return st.Size, nil
}

// Map maps the whole segment.
func (s *Segment) Map(prot, flags int) (*Mapping, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.Errorf("segment %s is empty", s.name)
	}
	b, err := unix.Mmap(s.fd, 0, int(size), prot, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", s.name)
	}
	return &Mapping{b: b}, nil
}

// MapShared maps the segment read-write and shared.
func (s *Segment) MapShared() (*Mapping, error) {
	return s.Map(unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// MapPrivate maps a copy-on-write view of the segment.
func (s *Segment) MapPrivate() (*Mapping, error) {
	return s.Map(unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
}

func (s *Segment) MapReadOnly() (*Mapping, error) {
	return s.Map(unix.PROT_READ, unix.MAP_SHARED)
}

// Seal makes the segment immutable. Every writable mapping must be gone.
func (s *Segment) Seal() error {
	_, err := unix.FcntlInt(uintptr(s.fd), unix.F_ADD_SEALS, LogSeals)
	return errors.Wrapf(err, "seal %s", s.name)
}

func (s *Segment) Seals() (int, error) {
	seals, err := unix.FcntlInt(uintptr(s.fd), unix.F_GET_SEALS, 0)
	return seals, errors.Wrapf(err, "get seals of %s", s.name)
}

// IsSealed reports whether all of LogSeals are set.
func (s *Segment) IsSealed() bool {
	seals, err := s.Seals()
	return err == nil && seals&LogSeals == LogSeals
}

// Dup returns an independent segment handle on the same memory file.
func (s *Segment) Dup() (*Segment, error) {
	fd, err := Dup(s.fd)
	if err != nil {
		return nil, err
	}
	return &Segment{fd: fd, name: s.name}, nil
}

func (s *Segment) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return errors.Wrapf(err, "close %s", s.name)
}

// Dup duplicates fd with close-on-exec set.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "dup fd %d", fd)
	}
	return nfd, nil
}

// Reopen opens a new file description of the memory file behind fd. Locks
// taken through it conflict with locks held through any other description,
// while every dup of one description shares its locks.
func Reopen(fd int) (int, error) {
	nfd, err := unix.Open(fmt.Sprintf("/proc/self/fd/%d", fd), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "reopen fd %d", fd)
	}
	return nfd, nil
}

// Mapping is a mapped segment.
type Mapping struct {
	b []byte
}

func (m *Mapping) Bytes() []byte { return m.b }

// Unmap releases the mapping. It is safe to call more than once.
func (m *Mapping) Unmap() error {
	if m == nil || m.b == nil {
		return nil
	}
	err := unix.Munmap(m.b)
	m.b = nil
	return errors.Wrap(err, "munmap")
}

// LockShared, LockExclusive and Unlock are advisory whole-file locks.
func LockShared(fd int) error {
	return errors.Wrap(unix.Flock(fd, unix.LOCK_SH), "flock shared")
}

func LockExclusive(fd int) error {
	return errors.Wrap(unix.Flock(fd, unix.LOCK_EX), "flock exclusive")
}

// TryLockShared fails with unix.EWOULDBLOCK instead of waiting.
func TryLockShared(fd int) error {
	return errors.Wrap(unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB), "flock shared")
}

func Unlock(fd int) error {
	return errors.Wrap(unix.Flock(fd, unix.LOCK_UN), "flock unlock")
}
