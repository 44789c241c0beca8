package messages

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
)

// MaxIDBatchSize bounds the encoded size of one stream packet.
const MaxIDBatchSize = 4096

// MaxIDsPerBatch is the most ids that always fit in one packet.
const MaxIDsPerBatch = (MaxIDBatchSize - 2) / 10

// EncodeIDBatch encodes a stream packet: a count followed by the ids.
func EncodeIDBatch(ids []uint64) []byte {
	buf := proto.NewBuffer(make([]byte, 0, 2+len(ids)*4))
	_ = buf.EncodeVarint(uint64(len(ids)))
	for _, id := range ids {
		_ = buf.EncodeVarint(id)
	}
	return buf.Bytes()
}

func DecodeIDBatch(data []byte) ([]uint64, error) {
	buf := proto.NewBuffer(data)
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Wrap(dberr.ErrProtocol, "id batch count")
	}
	if n > uint64(len(data)) {
		return nil, errors.Wrap(dberr.ErrProtocol, "id batch count exceeds the packet")
	}
	ids := make([]uint64, n)
	for i := range ids {
		if ids[i], err = buf.DecodeVarint(); err != nil {
			return nil, errors.Wrapf(dberr.ErrProtocol, "id %d of %d", i, n)
		}
	}
	return ids, nil
}
