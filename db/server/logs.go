package server

import (
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
)

// logSource opens the sealed logs registered in the metadata array. The
// descriptors belong to this process; a metadata entry owns its descriptor
// until garbage collection invalidates it.
type logSource struct {
	meta *tso.MetadataArray
}

// dupLog duplicates the descriptor registered for commitTS. The entry is
// checked again after the dup: invalidation is permanent, so an unchanged
// descriptor proves the dup refers to the registered log even if the number
// was recycled in between.
func (l *logSource) dupLog(commitTS uint64) (*shm.Segment, error) {
	fd := l.meta.Load(commitTS).LogFD()
	if fd < 0 {
		return nil, dberr.ErrLogInvalidated
	}
	nfd, err := shm.Dup(fd)
	if l.meta.Load(commitTS).LogFD() != fd {
		if err == nil {
			shm.CloseFDs([]int{nfd})
		}
		return nil, dberr.ErrLogInvalidated
	}
	if err != nil {
		return nil, err
	}
	return shm.FromFD(nfd, "log"), nil
}

func (l *logSource) OpenLog(commitTS uint64) (*storage.TxnLog, func(), error) {
	seg, err := l.dupLog(commitTS)
	if err != nil {
		return nil, nil, err
	}
	m, err := seg.MapReadOnly()
	if err != nil {
		seg.Close()
		return nil, nil, err
	}
	release := func() {
		m.Unmap()
		seg.Close()
	}
	return storage.NewTxnLog(m.Bytes()), release, nil
}

func (l *logSource) CloseLog(fd int, fn func(*storage.TxnLog)) error {
	seg := shm.FromFD(fd, "log")
	defer seg.Close()
	m, err := seg.MapReadOnly()
	if err != nil {
		return errors.WithMessage(err, "map reclaimed log")
	}
	fn(storage.NewTxnLog(m.Bytes()))
	return m.Unmap()
}
