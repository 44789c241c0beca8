package messages

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Event:    EventDecideTxnCommit,
		OldState: StateTxnCommitting,
		NewState: StateConnected,
		TxnID:    1<<42 - 1,
		Count:    2,
		TypeID:   1<<32 - 1,
	}
	data := m.Marshal()
	assert.True(t, len(data) <= MaxMessageSize)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	got, err = Unmarshal((&Message{Event: EventConnect}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, EventConnect, got.Event)
	assert.Equal(t, StateAny, got.OldState)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	good := (&Message{Event: EventBeginTxn, TxnID: 300}).Marshal()
	for _, data := range [][]byte{
		nil,
		good[:len(good)-1],
		append(append([]byte{}, good...), 0),
		{2, 99, 0},
		(&Message{Event: SessionEvent(40)}).Marshal(),
		(&Message{NewState: SessionState(9)}).Marshal(),
	} {
		_, err := Unmarshal(data)
		assert.Equal(t, dberr.ErrProtocol, errors.Cause(err), "input %v", data)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "COMMIT_TXN", EventCommitTxn.String())
	assert.Equal(t, "REQUEST_STREAM", EventRequestStream.String())
	assert.Equal(t, "EVENT(77)", SessionEvent(77).String())
	assert.Equal(t, "TXN_IN_PROGRESS", StateTxnInProgress.String())
	assert.Equal(t, "STATE(9)", SessionState(9).String())
}

func TestIDBatch(t *testing.T) {
	ids := make([]uint64, MaxIDsPerBatch)
	for i := range ids {
		ids[i] = ^uint64(0) - uint64(i)
	}
	data := EncodeIDBatch(ids)
	assert.True(t, len(data) <= MaxIDBatchSize)
	got, err := DecodeIDBatch(data)
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	got, err = DecodeIDBatch(EncodeIDBatch(nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = DecodeIDBatch(data[:len(data)-1])
	assert.Equal(t, dberr.ErrProtocol, errors.Cause(err))
	_, err = DecodeIDBatch([]byte{100, 1})
	assert.Equal(t, dberr.ErrProtocol, errors.Cause(err))
}
