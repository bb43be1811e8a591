// Package mvcc provides multi-version concurrency control: snapshot-isolated
// transactions over versioned rows. Writers never block readers; readers see
// the database as of their snapshot. Commit is WAL-first and two-step: the
// Commit record is flushed before the transaction's versions become visible
// to anyone else.
package mvcc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/calyxdb/calyx/internal/wal"
)

// IsolationLevel selects how a transaction's snapshot is managed.
type IsolationLevel int

const (
	// ReadUncommitted is accepted but behaves as ReadCommitted: snapshots
	// never expose unpublished versions, so there is no weaker level.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted refreshes the snapshot at each statement boundary.
	ReadCommitted
	// RepeatableRead fixes the snapshot at transaction start.
	RepeatableRead
	// Serializable fixes the snapshot at start and additionally validates
	// the read set at commit.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// TxnStatus is the lifecycle state of a transaction.
type TxnStatus int

const (
	TxnActive TxnStatus = iota
	TxnCommitted
	TxnAborted
)

var (
	// ErrConflict means another transaction committed a write to the same
	// row after this transaction's snapshot was taken. First committer wins.
	ErrConflict = errors.New("mvcc: write conflict")
	// ErrTxNotActive means the transaction was already committed or aborted.
	ErrTxNotActive = errors.New("mvcc: transaction not active")
)

// Snapshot is a point-in-time view. A snapshot sees exactly the transactions
// whose commit sequence is at or below Seq.
type Snapshot struct {
	Seq uint64
}

// Transaction is one unit of atomic work. Not safe for concurrent use by
// multiple goroutines; the Manager is.
type Transaction struct {
	ID       uint64
	Level    IsolationLevel
	Status   TxnStatus
	Snapshot Snapshot
	StartLSN wal.LSN

	// writes and reads hold row ids (table + "/" + key) touched so far.
	writes map[string]struct{}
	reads  map[string]struct{}
}

// RecordWrite adds a row to the transaction's write set.
func (t *Transaction) RecordWrite(rowID string) {
	t.writes[rowID] = struct{}{}
}

// RecordRead adds a row to the transaction's read set. Only Serializable
// transactions validate reads at commit, but the set is tracked regardless.
func (t *Transaction) RecordRead(rowID string) {
	t.reads[rowID] = struct{}{}
}

// Wrote reports whether the transaction has written the row.
func (t *Transaction) Wrote(rowID string) bool {
	_, ok := t.writes[rowID]
	return ok
}

// Manager coordinates transactions: it hands out ids and snapshots, decides
// version visibility, and runs the commit protocol against the WAL.
type Manager struct {
	mu  sync.Mutex
	log *wal.Log
	// commitMu serializes the whole commit protocol so the publication
	// order of commit sequences matches the LSN order of Commit records.
	// Recovery re-derives commit order from the log; the two must agree.
	commitMu sync.Mutex

	nextTxnID uint64
	commitSeq uint64
	// commits maps a committed transaction id to its commit sequence.
	commits map[uint64]uint64
	// lastWriter maps a row id to the commit sequence of its latest
	// committed writer, for first-committer-wins validation.
	lastWriter map[string]uint64
	active     map[uint64]*Transaction
}

// NewManager creates a transaction manager writing to log.
func NewManager(log *wal.Log) *Manager {
	return &Manager{
		log:        log,
		nextTxnID:  1,
		commits:    make(map[uint64]uint64),
		lastWriter: make(map[string]uint64),
		active:     make(map[uint64]*Transaction),
	}
}

// Begin starts a transaction at the given isolation level. The Begin record
// is appended but not flushed; it rides along with the first flushed commit.
func (m *Manager) Begin(level IsolationLevel) (*Transaction, error) {
	m.mu.Lock()
	id := m.nextTxnID
	m.nextTxnID++
	snap := Snapshot{Seq: m.commitSeq}
	m.mu.Unlock()

	lsn, err := m.log.Append(&wal.Record{Kind: wal.KindBegin, TxnID: id})
	if err != nil {
		return nil, fmt.Errorf("begin txn %d: %w", id, err)
	}

	txn := &Transaction{
		ID:       id,
		Level:    level,
		Status:   TxnActive,
		Snapshot: snap,
		StartLSN: lsn,
		writes:   make(map[string]struct{}),
		reads:    make(map[string]struct{}),
	}

	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()
	return txn, nil
}

// RefreshSnapshot advances a ReadCommitted transaction's snapshot to the
// current commit horizon. Called at statement boundaries; a no-op for the
// snapshot-stable levels.
func (m *Manager) RefreshSnapshot(txn *Transaction) {
	if (txn.Level != ReadCommitted && txn.Level != ReadUncommitted) || txn.Status != TxnActive {
		return
	}
	m.mu.Lock()
	txn.Snapshot = Snapshot{Seq: m.commitSeq}
	m.mu.Unlock()
}

// Commit validates the transaction and, if it wins, flushes its Commit
// record and then publishes its versions. Validation and publication both
// run in commit order, so visibility is monotonic: once a version is visible
// to a snapshot it is visible to every later snapshot.
func (m *Manager) Commit(txn *Transaction) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if txn.Status != TxnActive {
		m.mu.Unlock()
		return fmt.Errorf("commit txn %d: %w", txn.ID, ErrTxNotActive)
	}

	conflict := m.findConflictLocked(txn)
	if conflict != "" {
		m.mu.Unlock()
		if err := m.abort(txn); err != nil {
			return err
		}
		return fmt.Errorf("commit txn %d: row %s modified concurrently: %w", txn.ID, conflict, ErrConflict)
	}
	m.mu.Unlock()

	// Durability point: the transaction is committed exactly when this
	// record reaches stable storage.
	lsn, err := m.log.Append(&wal.Record{Kind: wal.KindCommit, TxnID: txn.ID})
	if err != nil {
		return fmt.Errorf("commit txn %d: %w", txn.ID, err)
	}
	if err := m.log.Flush(lsn); err != nil {
		return fmt.Errorf("commit txn %d: %w", txn.ID, err)
	}

	m.mu.Lock()
	m.commitSeq++
	m.commits[txn.ID] = m.commitSeq
	for rowID := range txn.writes {
		m.lastWriter[rowID] = m.commitSeq
	}
	delete(m.active, txn.ID)
	txn.Status = TxnCommitted
	m.mu.Unlock()
	return nil
}

// findConflictLocked returns a row id from the write set (or, for
// Serializable, the read set) that a concurrent transaction committed after
// our snapshot, or "" when the transaction is safe to commit.
func (m *Manager) findConflictLocked(txn *Transaction) string {
	for rowID := range txn.writes {
		if m.lastWriter[rowID] > txn.Snapshot.Seq {
			return rowID
		}
	}
	if txn.Level == Serializable {
		for rowID := range txn.reads {
			if m.lastWriter[rowID] > txn.Snapshot.Seq {
				return rowID
			}
		}
	}
	return ""
}

// Rollback aborts the transaction. Its versions are never published and its
// WAL records are ignored by recovery.
func (m *Manager) Rollback(txn *Transaction) error {
	m.mu.Lock()
	if txn.Status != TxnActive {
		m.mu.Unlock()
		return fmt.Errorf("rollback txn %d: %w", txn.ID, ErrTxNotActive)
	}
	m.mu.Unlock()
	return m.abort(txn)
}

func (m *Manager) abort(txn *Transaction) error {
	if _, err := m.log.Append(&wal.Record{Kind: wal.KindAbort, TxnID: txn.ID}); err != nil {
		return fmt.Errorf("abort txn %d: %w", txn.ID, err)
	}
	m.mu.Lock()
	delete(m.active, txn.ID)
	txn.Status = TxnAborted
	m.mu.Unlock()
	return nil
}

// Visible reports whether a row version created by xmin and deleted by xmax
// (0 while live) is visible to the transaction's snapshot.
//
// A version is visible iff its creator is the reader itself or committed at
// or before the snapshot, and it has not been deleted by the reader or by a
// transaction committed at or before the snapshot.
func (m *Manager) Visible(txn *Transaction, xmin, xmax uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.createdVisibleLocked(txn, xmin) {
		return false
	}
	if xmax == 0 {
		return true
	}
	// Deleted: the version stays visible only while the deletion is not.
	return !m.createdVisibleLocked(txn, xmax)
}

func (m *Manager) createdVisibleLocked(txn *Transaction, id uint64) bool {
	if id == txn.ID {
		return true
	}
	seq, ok := m.commits[id]
	return ok && seq <= txn.Snapshot.Seq
}

// StateOf reports whether the transaction id is currently active and whether
// it committed. An id that is neither active nor committed has aborted (or
// never ran, which recovery treats the same way).
func (m *Manager) StateOf(id uint64) (active, committed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, active = m.active[id]
	_, committed = m.commits[id]
	return active, committed
}

// IsCommitted reports whether the transaction id committed, and its sequence.
func (m *Manager) IsCommitted(id uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.commits[id]
	return seq, ok
}

// OldestVisibleSeq returns the snapshot horizon below which no active
// transaction can see: versions deleted at or before it are garbage.
func (m *Manager) OldestVisibleSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := m.commitSeq
	for _, txn := range m.active {
		if txn.Snapshot.Seq < oldest {
			oldest = txn.Snapshot.Seq
		}
	}
	return oldest
}

// OldestActiveStartLSN returns the lowest start LSN among active
// transactions, or 0 when none are active. The WAL must keep every record
// from that point on.
func (m *Manager) OldestActiveStartLSN() wal.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest wal.LSN
	for _, txn := range m.active {
		if oldest == 0 || txn.StartLSN < oldest {
			oldest = txn.StartLSN
		}
	}
	return oldest
}

// SeedRecovered rebuilds the manager's committed-transaction state during
// recovery. committed must be in commit (LSN) order.
func (m *Manager) SeedRecovered(committed []uint64, maxTxnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range committed {
		m.commitSeq++
		m.commits[id] = m.commitSeq
	}
	if maxTxnID >= m.nextTxnID {
		m.nextTxnID = maxTxnID + 1
	}
}

// SeedLastWriter records a recovered row's latest committed writer so that
// post-recovery conflict detection stays correct.
func (m *Manager) SeedLastWriter(rowID string, txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.commits[txnID]; ok && seq > m.lastWriter[rowID] {
		m.lastWriter[rowID] = seq
	}
}
