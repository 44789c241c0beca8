package commit

import (
	"sync"
	"testing"

	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/storage"
	"github.com/shmdb/shmdb/db/tso"
	"github.com/shmdb/shmdb/db/util/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLogs keeps transaction logs in process memory, keyed by a fake fd.
type memLogs struct {
	mu     sync.Mutex
	oracle *tso.TimestampOracle
	logs   map[int]*storage.TxnLog
	nextFD int
	closed []int
}

func (m *memLogs) OpenLog(commitTS uint64) (*storage.TxnLog, func(), error) {
	fd := m.oracle.Metadata().Load(commitTS).LogFD()
	if fd < 0 {
		return nil, nil, dberr.ErrLogInvalidated
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[fd], func() {}, nil
}

func (m *memLogs) CloseLog(fd int, fn func(*storage.TxnLog)) error {
	m.mu.Lock()
	l := m.logs[fd]
	delete(m.logs, fd)
	m.closed = append(m.closed, fd)
	m.mu.Unlock()
	fn(l)
	return nil
}

func (m *memLogs) add(beginTS uint64, locators ...uint64) int {
	l := storage.NewTxnLog(memview.Alloc(int(storage.LogSize(uint64(len(locators) + 1)))))
	l.SetBeginTS(beginTS)
	for _, loc := range locators {
		if err := l.Append(storage.LogRecord{Locator: loc, NewOffset: loc * 8, Operation: storage.OpUpdate}); err != nil {
			panic(err)
		}
	}
	l.SortByLocator()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFD++
	m.logs[m.nextFD] = l
	return m.nextFD
}

type recordingStore struct {
	mu        sync.Mutex
	applied   []uint64
	reclaimed map[uint64]bool
}

func (s *recordingStore) Apply(commitTS uint64, _ *storage.TxnLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, commitTS)
}

func (s *recordingStore) Reclaim(l *storage.TxnLog, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimed[l.BeginTS()] = committed
}

type testEnv struct {
	oracle    *tso.TimestampOracle
	logs      *memLogs
	validator *Validator
}

func newTestEnv() *testEnv {
	var last uint64
	oracle := tso.NewTimestampOracle(&last, make([]uint64, 1024))
	logs := &memLogs{oracle: oracle, logs: make(map[int]*storage.TxnLog)}
	return &testEnv{oracle: oracle, logs: logs, validator: NewValidator(oracle, logs)}
}

func (e *testEnv) begin(t *testing.T) uint64 {
	ts, err := e.oracle.BeginTxn()
	require.NoError(t, err)
	return ts
}

func (e *testEnv) submit(t *testing.T, beginTS uint64, locators ...uint64) uint64 {
	commitTS, err := e.oracle.Submit(beginTS, e.logs.add(beginTS, locators...))
	require.NoError(t, err)
	return commitTS
}

func (e *testEnv) commit(t *testing.T, beginTS uint64, locators ...uint64) bool {
	return e.validator.Decide(e.submit(t, beginTS, locators...))
}

func TestLogsConflict(t *testing.T) {
	env := newTestEnv()
	a := env.logs.logs[env.logs.add(1, 9, 3, 5)]
	b := env.logs.logs[env.logs.add(2, 2, 4, 6, 8)]
	c := env.logs.logs[env.logs.add(3, 1, 8)]
	empty := env.logs.logs[env.logs.add(4)]

	assert.False(t, LogsConflict(a, b))
	assert.True(t, LogsConflict(b, c))
	assert.True(t, LogsConflict(c, b))
	assert.False(t, LogsConflict(a, empty))
	assert.False(t, LogsConflict(empty, empty))
}

func TestDisjointWritesCommit(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	b := env.begin(t)
	assert.True(t, env.commit(t, a, 1, 2))
	assert.True(t, env.commit(t, b, 3))
}

func TestOverlappingWritesAbort(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	b := env.begin(t)
	assert.True(t, env.commit(t, a, 5, 6))
	assert.False(t, env.commit(t, b, 6, 7))
	assert.True(t, env.commit(t, env.begin(t), 6))
}

func TestSerialTransactionsDoNotConflict(t *testing.T) {
	env := newTestEnv()
	assert.True(t, env.commit(t, env.begin(t), 5))
	assert.True(t, env.commit(t, env.begin(t), 5))
}

func TestEmptyLogAlwaysCommits(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	b := env.begin(t)
	assert.True(t, env.commit(t, a, 5))
	assert.True(t, env.commit(t, b))
}

func TestAbortedWritersDoNotConflict(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	b := env.begin(t)
	c := env.begin(t)
	assert.True(t, env.commit(t, a, 1))
	assert.False(t, env.commit(t, b, 1, 2))
	assert.True(t, env.commit(t, c, 2))
}

func TestUndecidedCommitIsValidatedByOthers(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	b := env.begin(t)
	commitA := env.submit(t, a, 4)
	commitB := env.submit(t, b, 4)

	assert.False(t, env.validator.Decide(commitB))
	e := env.oracle.Metadata().Load(commitA)
	assert.True(t, e.IsDecided())
	assert.True(t, e.IsCommitted())
	assert.True(t, env.validator.Decide(commitA))
}

func TestConcurrentOverlappingCommits(t *testing.T) {
	env := newTestEnv()
	const n = 8
	var commits []uint64
	begins := make([]uint64, n)
	for i := range begins {
		begins[i] = env.begin(t)
	}
	for _, b := range begins {
		commits = append(commits, env.submit(t, b, 7, uint64(100+b)))
	}

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := range commits {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.validator.Decide(commits[i])
		}(i)
	}
	wg.Wait()

	committed := 0
	for i, ok := range results {
		if ok {
			committed++
			assert.Equal(t, 0, i, "only the earliest commit can win")
		}
	}
	assert.Equal(t, 1, committed)
}

func TestValidateRangeDecidesAndSeals(t *testing.T) {
	env := newTestEnv()
	a := env.begin(t)
	commitA := env.submit(t, a, 1)
	hole, err := env.oracle.Allocate()
	require.NoError(t, err)

	env.validator.ValidateRange(1, hole+1)
	assert.True(t, env.oracle.Metadata().Load(commitA).IsCommitted())
	assert.True(t, env.oracle.Metadata().Load(hole).IsSealed())
}

func TestWatermarkAdvance(t *testing.T) {
	var w Watermarks
	assert.True(t, advance(&w.preApply, 3))
	assert.False(t, advance(&w.preApply, 3))
	assert.False(t, advance(&w.preApply, 2))
	assert.Equal(t, uint64(3), w.PreApply())

	w.Restore(10)
	assert.Equal(t, uint64(10), w.PreApply())
	assert.Equal(t, uint64(10), w.PostApply())
	assert.Equal(t, uint64(10), w.PostGC())
}

func TestMaintenanceStopsAtActiveTransaction(t *testing.T) {
	env := newTestEnv()
	store := &recordingStore{reclaimed: make(map[uint64]bool)}
	m := NewMaintainer(env.oracle, &Watermarks{}, env.logs, store, false)

	a := env.begin(t)
	require.True(t, env.commit(t, a, 1))
	b := env.begin(t)
	c := env.begin(t)
	require.True(t, env.commit(t, c, 2))

	m.Perform()
	assert.Equal(t, []uint64{2}, store.applied)
	assert.Equal(t, uint64(2), m.Watermarks().PostApply())
	assert.Equal(t, uint64(2), m.Watermarks().PostGC())
	assert.Equal(t, map[uint64]bool{a: true}, store.reclaimed)

	env.oracle.Terminate(b)
	m.Perform()
	assert.Equal(t, []uint64{2, 5}, store.applied)
	assert.Equal(t, uint64(5), m.Watermarks().PostApply())
	assert.Equal(t, uint64(5), m.Watermarks().PostGC())
	assert.Equal(t, map[uint64]bool{a: true, c: true}, store.reclaimed)

	_, _, err := env.logs.OpenLog(2)
	assert.Equal(t, dberr.ErrLogInvalidated, err)
	assert.True(t, env.oracle.Metadata().Load(5).IsGCComplete())
}

func TestMaintenanceStopsAtUndecidedCommit(t *testing.T) {
	env := newTestEnv()
	store := &recordingStore{reclaimed: make(map[uint64]bool)}
	m := NewMaintainer(env.oracle, &Watermarks{}, env.logs, store, false)

	a := env.begin(t)
	commitA := env.submit(t, a, 1)
	m.Perform()
	assert.Empty(t, store.applied)
	assert.Equal(t, uint64(0), m.Watermarks().PostApply())

	require.True(t, env.validator.Decide(commitA))
	m.Perform()
	assert.Equal(t, []uint64{commitA}, store.applied)
}

func TestMaintenanceWaitsForDurability(t *testing.T) {
	env := newTestEnv()
	store := &recordingStore{reclaimed: make(map[uint64]bool)}
	m := NewMaintainer(env.oracle, &Watermarks{}, env.logs, store, true)

	a := env.begin(t)
	b := env.begin(t)
	commitA := env.submit(t, a, 1)
	require.True(t, env.validator.Decide(commitA))
	commitB := env.submit(t, b, 1)
	require.False(t, env.validator.Decide(commitB))

	m.Perform()
	assert.Equal(t, []uint64{commitA}, store.applied)
	assert.Empty(t, store.reclaimed)
	assert.Equal(t, uint64(2), m.Watermarks().PostGC())

	env.oracle.SetDurable(commitA)
	m.Perform()
	assert.Equal(t, map[uint64]bool{a: true}, store.reclaimed)
	assert.Equal(t, commitA, m.Watermarks().PostGC())

	env.oracle.SetDurable(commitB)
	m.Perform()
	assert.Equal(t, map[uint64]bool{a: true, b: false}, store.reclaimed)
	assert.Equal(t, commitB, m.Watermarks().PostGC())
	assert.Len(t, env.logs.closed, 2)
}
