package txnmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginLineage(t *testing.T) {
	begin := NewBeginEntry()
	assert.True(t, begin.IsBegin())
	assert.True(t, begin.IsActive())
	assert.False(t, begin.IsCommit())

	submitted := begin.SetSubmitted(6)
	assert.True(t, submitted.IsSubmitted())
	assert.Equal(t, uint64(6), submitted.CommitTS())
	assert.True(t, begin.IsActive(), "transforms must not mutate the receiver")

	terminated := begin.SetTerminated()
	assert.True(t, terminated.IsTerminated())
	assert.True(t, terminated.IsBegin())

	assert.Panics(t, func() { submitted.SetTerminated() })
	assert.Panics(t, func() { terminated.SetSubmitted(7) })
}

// begin_ts=5 is submitted with commit_ts=6, which then commits.
func TestCommitScenario(t *testing.T) {
	begin := NewBeginEntry().SetSubmitted(6)
	require.True(t, begin.IsSubmitted())
	require.Equal(t, uint64(6), begin.CommitTS())

	commit := NewCommitEntry(5, 9)
	require.True(t, commit.IsCommit())
	require.True(t, commit.IsValidating())
	require.False(t, commit.IsDecided())
	assert.Equal(t, uint64(5), commit.BeginTS())
	assert.Equal(t, 9, commit.LogFD())

	decided := commit.SetDecision(true)
	assert.True(t, decided.IsDecided())
	assert.True(t, decided.IsCommitted())
	assert.False(t, decided.IsAborted())
	assert.Equal(t, uint64(5), decided.BeginTS())
	assert.Equal(t, 9, decided.LogFD())
}

func TestDecisionIdempotence(t *testing.T) {
	commit := NewCommitEntry(10, 3)
	for _, committed := range []bool{true, false} {
		first := commit.SetDecision(committed)
		second := first.SetDecision(committed)
		assert.Equal(t, first, second)
		assert.Equal(t, first, commit.SetDecision(committed))
		assert.Panics(t, func() { first.SetDecision(!committed) })
	}
}

func TestDecidedFlagsKeepStatus(t *testing.T) {
	decided := NewCommitEntry(42, 17).SetDecision(false)
	durable := decided.SetDurable()
	gc := durable.SetGCComplete()
	released := gc.InvalidateLogFD()

	for _, e := range []Entry{durable, gc, released} {
		assert.True(t, e.IsAborted())
		assert.True(t, e.IsDecided())
		assert.Equal(t, uint64(42), e.BeginTS())
	}
	assert.True(t, durable.IsDurable())
	assert.False(t, durable.IsGCComplete())
	assert.True(t, gc.IsGCComplete())
	assert.Equal(t, 17, gc.LogFD())
	assert.Equal(t, -1, released.LogFD())
	assert.Equal(t, released, released.SetDecision(false))

	validating := NewCommitEntry(1, 1)
	assert.Panics(t, func() { validating.SetDurable() })
	assert.Panics(t, func() { validating.SetGCComplete() })
	assert.Panics(t, func() { validating.InvalidateLogFD() })
}

func TestSentinels(t *testing.T) {
	assert.True(t, Uninitialized.IsUninitialized())
	assert.False(t, Uninitialized.IsBegin())
	assert.False(t, Uninitialized.IsCommit())

	assert.True(t, Sealed.IsSealed())
	assert.False(t, Sealed.IsBegin())
	assert.False(t, Sealed.IsCommit())
	assert.False(t, Sealed.IsDecided())
	assert.Equal(t, "SEALED", Sealed.String())
}

func TestLimits(t *testing.T) {
	assert.Panics(t, func() { NewCommitEntry(MaxTimestamp, 1) })
	assert.Panics(t, func() { NewCommitEntry(1, InvalidLogFD) })
	assert.NotPanics(t, func() { NewCommitEntry(MaxTimestamp-1, InvalidLogFD-1) })
}
