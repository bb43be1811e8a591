// Package storage implements the versioned row store. Rows live in per-key
// version chains stamped with the creating and deleting transaction ids;
// the transaction manager decides which version a snapshot sees. Every
// mutation is appended to the WAL before it touches memory, and the whole
// store is rebuilt from the snapshot file plus the WAL on open.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/value"
	"github.com/calyxdb/calyx/internal/wal"
)

var (
	// ErrDuplicateKey means an insert hit an existing visible row.
	ErrDuplicateKey = errors.New("storage: duplicate key")
	// ErrNotFound means the key has no version visible to the transaction.
	ErrNotFound = errors.New("storage: row not found")
)

// Version is one immutable row image. Xmin is the creating transaction;
// Xmax is the deleting one, 0 while the version is live.
type Version struct {
	Xmin uint64
	Xmax uint64
	Row  value.Row
}

type table struct {
	keys   []string // sorted
	chains map[string][]*Version
}

func newTable() *table {
	return &table{chains: make(map[string][]*Version)}
}

func (t *table) chain(key string) []*Version {
	return t.chains[key]
}

func (t *table) addKey(key string) {
	if _, ok := t.chains[key]; ok {
		return
	}
	i := sort.SearchStrings(t.keys, key)
	t.keys = append(t.keys, "")
	copy(t.keys[i+1:], t.keys[i:])
	t.keys[i] = key
	t.chains[key] = nil
}

// Store is the MVCC row store.
type Store struct {
	mu           sync.RWMutex
	log          *wal.Log
	txns         *mvcc.Manager
	tables       map[string]*table
	snapshotPath string
}

// NewStore builds a store over an already-recovered WAL. Most callers want
// Open, which also runs recovery.
func NewStore(log *wal.Log, txns *mvcc.Manager) *Store {
	return &Store{
		log:    log,
		txns:   txns,
		tables: make(map[string]*table),
	}
}

// Txns returns the transaction manager coordinating this store.
func (s *Store) Txns() *mvcc.Manager { return s.txns }

// Log returns the store's WAL.
func (s *Store) Log() *wal.Log { return s.log }

func rowID(tbl, key string) string { return tbl + "/" + key }

// InsertRow logs and applies a new row version. Inserting a key that is
// visible to the transaction fails with ErrDuplicateKey.
func (s *Store) InsertRow(txn *mvcc.Transaction, tbl, key string, row value.Row) error {
	if txn.Status != mvcc.TxnActive {
		return mvcc.ErrTxNotActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[tbl]
	if t == nil {
		t = newTable()
		s.tables[tbl] = t
	}
	if v := s.visibleLocked(txn, t, key); v != nil {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateKey, key, tbl)
	}
	if err := s.uncommittedWriterLocked(txn, t, tbl, key); err != nil {
		return err
	}

	if _, err := s.log.Append(&wal.Record{
		Kind:  wal.KindInsert,
		TxnID: txn.ID,
		Table: tbl,
		Key:   key,
		After: row.Encode(),
	}); err != nil {
		return err
	}

	t.addKey(key)
	t.chains[key] = append(t.chains[key], &Version{Xmin: txn.ID, Row: row.Clone()})
	txn.RecordWrite(rowID(tbl, key))
	return nil
}

// UpdateRow logs and applies a replacement version. The visible version is
// marked deleted by this transaction and a new live version is chained on.
func (s *Store) UpdateRow(txn *mvcc.Transaction, tbl, key string, row value.Row) error {
	if txn.Status != mvcc.TxnActive {
		return mvcc.ErrTxNotActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[tbl]
	if t == nil {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	cur := s.visibleLocked(txn, t, key)
	if cur == nil {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	if err := s.uncommittedWriterLocked(txn, t, tbl, key); err != nil {
		return err
	}

	if _, err := s.log.Append(&wal.Record{
		Kind:   wal.KindUpdate,
		TxnID:  txn.ID,
		Table:  tbl,
		Key:    key,
		Before: cur.Row.Encode(),
		After:  row.Encode(),
	}); err != nil {
		return err
	}

	cur.Xmax = txn.ID
	t.chains[key] = append(t.chains[key], &Version{Xmin: txn.ID, Row: row.Clone()})
	txn.RecordWrite(rowID(tbl, key))
	return nil
}

// DeleteRow logs the deletion and marks the visible version deleted.
func (s *Store) DeleteRow(txn *mvcc.Transaction, tbl, key string) error {
	if txn.Status != mvcc.TxnActive {
		return mvcc.ErrTxNotActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[tbl]
	if t == nil {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	cur := s.visibleLocked(txn, t, key)
	if cur == nil {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	if err := s.uncommittedWriterLocked(txn, t, tbl, key); err != nil {
		return err
	}

	if _, err := s.log.Append(&wal.Record{
		Kind:   wal.KindDelete,
		TxnID:  txn.ID,
		Table:  tbl,
		Key:    key,
		Before: cur.Row.Encode(),
	}); err != nil {
		return err
	}

	cur.Xmax = txn.ID
	txn.RecordWrite(rowID(tbl, key))
	return nil
}

// GetRow returns the version of key visible to the transaction.
func (s *Store) GetRow(txn *mvcc.Transaction, tbl, key string) (value.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[tbl]
	if t == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	v := s.visibleLocked(txn, t, key)
	if v == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, key, tbl)
	}
	txn.RecordRead(rowID(tbl, key))
	return v.Row.Clone(), nil
}

// visibleLocked returns the newest version of key visible to txn, nil when
// none is. At most one version of a key is visible to any snapshot.
func (s *Store) visibleLocked(txn *mvcc.Transaction, t *table, key string) *Version {
	chain := t.chain(key)
	for i := len(chain) - 1; i >= 0; i-- {
		if s.txns.Visible(txn, chain[i].Xmin, chain[i].Xmax) {
			return chain[i]
		}
	}
	return nil
}

// uncommittedWriterLocked rejects a write when another in-flight transaction
// already wrote the key. First writer wins; the loser learns immediately
// instead of at commit.
func (s *Store) uncommittedWriterLocked(txn *mvcc.Transaction, t *table, tbl, key string) error {
	chain := t.chain(key)
	if len(chain) == 0 {
		return nil
	}
	newest := chain[len(chain)-1]
	for _, id := range []uint64{newest.Xmin, newest.Xmax} {
		if id == 0 || id == txn.ID {
			continue
		}
		if active, _ := s.txns.StateOf(id); active {
			return fmt.Errorf("row %s: in-flight writer txn %d: %w", rowID(tbl, key), id, mvcc.ErrConflict)
		}
	}
	return nil
}

// KeyRow pairs a key with its visible row.
type KeyRow struct {
	Key string
	Row value.Row
}

// Scan returns every row of the table visible to the transaction, in key
// order, and records the reads.
func (s *Store) Scan(txn *mvcc.Transaction, tbl string) ([]KeyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[tbl]
	if t == nil {
		return nil, nil
	}
	var out []KeyRow
	for _, key := range t.keys {
		if v := s.visibleLocked(txn, t, key); v != nil {
			txn.RecordRead(rowID(tbl, key))
			out = append(out, KeyRow{Key: key, Row: v.Row.Clone()})
		}
	}
	return out, nil
}

// Vacuum removes versions no snapshot can ever see again: versions whose
// deletion committed at or below the oldest visible sequence, and versions
// created by aborted transactions. Returns the number of versions removed.
func (s *Store) Vacuum() int {
	horizon := s.txns.OldestVisibleSeq()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, t := range s.tables {
		liveKeys := t.keys[:0]
		for _, key := range t.keys {
			var kept []*Version
			for _, v := range t.chains[key] {
				if s.deadLocked(v, horizon) {
					removed++
					continue
				}
				kept = append(kept, v)
			}
			if len(kept) == 0 {
				delete(t.chains, key)
				continue
			}
			t.chains[key] = kept
			liveKeys = append(liveKeys, key)
		}
		t.keys = liveKeys
	}
	return removed
}

func (s *Store) deadLocked(v *Version, horizon uint64) bool {
	if active, committed := s.txns.StateOf(v.Xmin); !active && !committed {
		// Creator aborted; the version was never visible to anyone else.
		return true
	}
	if v.Xmax == 0 {
		return false
	}
	seq, committed := s.txns.IsCommitted(v.Xmax)
	return committed && seq <= horizon
}

// Checkpoint persists the committed state as snapshot records and truncates
// the WAL. Records belonging to still-active transactions survive: the log
// keeps everything from the oldest active start LSN on.
func (s *Store) Checkpoint() error {
	if s.snapshotPath == "" {
		return fmt.Errorf("%w: store has no snapshot path", wal.ErrIO)
	}

	// The truncation point is captured before the snapshot is taken. A
	// transaction that commits between the two keeps its log records, so
	// snapshot plus surviving log always covers every commit; recovery
	// tolerates the overlap.
	keepFrom := s.txns.OldestActiveStartLSN()
	if keepFrom == 0 {
		keepFrom = s.log.LastLSN() + 1
	}

	s.mu.RLock()
	records := s.snapshotRecordsLocked()
	s.mu.RUnlock()

	if err := wal.WriteFile(s.snapshotPath, records); err != nil {
		return err
	}
	return s.log.Checkpoint(keepFrom)
}

// snapshotRecordsLocked flattens the committed version chains into replayable
// records: commit markers first, then the mutations that built each chain.
func (s *Store) snapshotRecordsLocked() []*wal.Record {
	committed := make(map[uint64]uint64)
	var mutations []*wal.Record

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := s.tables[name]
		for _, key := range t.keys {
			for _, v := range t.chains[key] {
				seq, ok := s.txns.IsCommitted(v.Xmin)
				if !ok {
					continue
				}
				committed[v.Xmin] = seq
				mutations = append(mutations, &wal.Record{
					Kind:  wal.KindInsert,
					TxnID: v.Xmin,
					Table: name,
					Key:   key,
					After: v.Row.Encode(),
				})
				if v.Xmax != 0 {
					if seq, ok := s.txns.IsCommitted(v.Xmax); ok {
						committed[v.Xmax] = seq
						mutations = append(mutations, &wal.Record{
							Kind:   wal.KindDelete,
							TxnID:  v.Xmax,
							Table:  name,
							Key:    key,
							Before: v.Row.Encode(),
						})
					}
				}
			}
		}
	}

	// Commit markers in commit order, so recovery rebuilds the same
	// visibility ordering.
	ids := make([]uint64, 0, len(committed))
	for id := range committed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return committed[ids[i]] < committed[ids[j]] })

	records := make([]*wal.Record, 0, len(ids)+len(mutations))
	for _, id := range ids {
		records = append(records, &wal.Record{Kind: wal.KindCommit, TxnID: id})
	}
	return append(records, mutations...)
}

// Close flushes and closes the underlying WAL.
func (s *Store) Close() error {
	return s.log.Close()
}
