package client

import (
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/dberr"
	"github.com/shmdb/shmdb/db/messages"
	"github.com/shmdb/shmdb/db/object"
	"github.com/shmdb/shmdb/db/shm"
	"github.com/shmdb/shmdb/db/storage"
	"go.uber.org/zap"
)

// Transaction is an open transaction of a client. It implements object.Txn,
// so the object package operates on it directly.
type Transaction struct {
	client  *Client
	beginTS uint64
	open    bool

	logSeg *shm.Segment
	logMap *shm.Mapping
	log    *storage.TxnLog

	locatorsMap *shm.Mapping
	locators    *storage.Locators

	events []object.Event
}

var _ object.Txn = (*Transaction)(nil)

func (t *Transaction) ID() uint64                  { return t.beginTS }
func (t *Transaction) IsOpen() bool                { return t.open }
func (t *Transaction) Data() *storage.DataSegment  { return t.client.data }
func (t *Transaction) Locators() *storage.Locators { return t.locators }
func (t *Transaction) Log() *storage.TxnLog        { return t.log }
func (t *Transaction) Registry() *object.Registry  { return t.client.registry }
func (t *Transaction) QueueEvent(e object.Event)   { t.events = append(t.events, e) }

// Events returns the events queued so far.
func (t *Transaction) Events() []object.Event { return t.events }

// teardown releases the transaction's mappings and its log.
func (t *Transaction) teardown() {
	t.open = false
	t.logMap.Unmap()
	if t.logSeg != nil {
		t.logSeg.Close()
	}
	t.locatorsMap.Unmap()
}

// BeginTransaction starts a transaction. Its view holds every transaction
// that committed before it began.
func (c *Client) BeginTransaction() (*Transaction, error) {
	if c.conn == nil {
		return nil, dberr.ErrNotConnected
	}
	if c.txn != nil {
		return nil, dberr.ErrTransactionInProgress
	}
	t := &Transaction{client: c}
	if err := t.createLog(c.logCapacity); err != nil {
		t.teardown()
		return nil, err
	}

	if err := c.send(&messages.Message{Event: messages.EventBeginTxn}); err != nil {
		t.teardown()
		return nil, err
	}
	snapshot, err := c.recvBegin(t)
	defer shm.CloseFDs(snapshot)
	if err == nil && t.beginTS != 0 {
		err = t.mapSnapshot(c, snapshot)
	}
	if err != nil {
		if t.beginTS != 0 {
			if rbErr := c.send(&messages.Message{Event: messages.EventRollbackTxn}); rbErr != nil {
				log.Warn("rollback of a failed begin not sent", zap.Error(rbErr))
			}
		}
		t.teardown()
		return nil, err
	}
	t.open = true
	c.txn = t
	return t, nil
}

func (t *Transaction) createLog(capacity uint64) error {
	var err error
	if t.logSeg, err = shm.Create("shmdb-log", int64(storage.LogSize(capacity)), true); err != nil {
		return err
	}
	if t.logMap, err = t.logSeg.MapShared(); err != nil {
		return err
	}
	t.log = storage.NewTxnLog(t.logMap.Bytes())
	return nil
}

// recvBegin reads the BEGIN_TXN reply and the snapshot log fds following it.
func (c *Client) recvBegin(t *Transaction) ([]int, error) {
	reply, fds, err := c.recv()
	if err != nil {
		return nil, err
	}
	shm.CloseFDs(fds)
	if reply.Event != messages.EventBeginTxn {
		return nil, errors.Wrapf(dberr.ErrProtocol, "unexpected %s reply to BEGIN_TXN", reply.Event)
	}
	if reply.TxnID == 0 {
		return nil, dberr.ErrTimestampSpaceExhausted
	}
	t.beginTS = reply.TxnID
	t.log.SetBeginTS(t.beginTS)

	var snapshot []int
	for uint64(len(snapshot)) < reply.Count {
		msg, fds, err := c.recv()
		snapshot = append(snapshot, fds...)
		if err != nil {
			return snapshot, err
		}
		if msg.Event != messages.EventBeginTxn || msg.TxnID != t.beginTS || uint64(len(fds)) != msg.Count {
			return snapshot, errors.Wrapf(dberr.ErrProtocol, "unexpected %s message with %d fds in the snapshot", msg.Event, len(fds))
		}
	}
	return snapshot, nil
}

// mapSnapshot maps a private view of the locators and replays the committed
// logs the shared view does not hold yet, oldest first.
func (t *Transaction) mapSnapshot(c *Client, snapshot []int) error {
	if err := shm.LockShared(c.lockFD); err != nil {
		return err
	}
	m, err := c.locatorsSeg.MapPrivate()
	if unlockErr := shm.Unlock(c.lockFD); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if err != nil {
		m.Unmap()
		return err
	}
	t.locatorsMap = m
	t.locators = storage.NewLocators(m.Bytes())

	for _, fd := range snapshot {
		if err := t.replay(fd); err != nil {
			return err
		}
	}
	return nil
}

// replay applies one snapshot log. The caller closes fd.
func (t *Transaction) replay(fd int) error {
	m, err := shm.FromFD(fd, "snapshot-log").MapReadOnly()
	if err != nil {
		return err
	}
	defer m.Unmap()
	committed := storage.NewTxnLog(m.Bytes())
	for i := 0; i < committed.Count(); i++ {
		rec := committed.Record(i)
		t.locators.Set(rec.Locator, rec.NewOffset)
	}
	return nil
}

// CommitTransaction hands the log to the server and waits for the decision.
// An aborted transaction returns *dberr.ErrTransactionConflict.
func (c *Client) CommitTransaction() error {
	t := c.txn
	if t == nil {
		return dberr.ErrNoOpenTransaction
	}
	c.txn = nil
	defer t.teardown()

	t.log.SortByLocator()
	records := t.log.Records()
	// Sealing fails while a writable mapping exists.
	err := t.logMap.Unmap()
	if err == nil {
		err = t.logSeg.Seal()
	}
	if err != nil {
		t.discard(records)
		if rbErr := c.send(&messages.Message{Event: messages.EventRollbackTxn}); rbErr != nil {
			log.Warn("rollback of an unsealable transaction not sent", zap.Error(rbErr))
		}
		return err
	}
	if err := c.send(&messages.Message{Event: messages.EventCommitTxn}, t.logSeg.FD()); err != nil {
		return err
	}
	reply, fds, err := c.recv()
	if err != nil {
		return err
	}
	shm.CloseFDs(fds)

	switch reply.Event {
	case messages.EventDecideTxnCommit:
		log.Debug("transaction committed", zap.Uint64("txn", t.beginTS), zap.Int("events", len(t.events)))
		if c.trigger != nil && len(t.events) > 0 {
			c.trigger(t.beginTS, t.events)
		}
		return nil
	case messages.EventDecideTxnAbort:
		return &dberr.ErrTransactionConflict{TxnID: t.beginTS}
	}
	return errors.Wrapf(dberr.ErrProtocol, "unexpected %s reply to COMMIT_TXN", reply.Event)
}

// RollbackTransaction discards the open transaction.
func (c *Client) RollbackTransaction() error {
	t := c.txn
	if t == nil {
		return dberr.ErrNoOpenTransaction
	}
	c.txn = nil
	t.discard(t.log.Records())
	t.teardown()
	return c.send(&messages.Message{Event: messages.EventRollbackTxn})
}

// discard undoes the shared side effects of records that will never reach
// the server: the new versions are released and created objects leave the id
// and type indexes. Nobody else can see them, since their locators have no
// offset in the shared view.
func (t *Transaction) discard(records []storage.LogRecord) {
	data := t.client.data
	heap := data.Heap()
	for _, rec := range records {
		if rec.NewOffset == 0 {
			continue
		}
		if rec.Operation == storage.OpCreate {
			data.IDs().Clear(heap.Object(rec.NewOffset).ID(), rec.Locator)
			data.TypeIndex().DeleteLocator(rec.Locator)
		}
		heap.Free(rec.NewOffset)
	}
}
