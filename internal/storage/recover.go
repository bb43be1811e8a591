package storage

import (
	"fmt"
	"path/filepath"

	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/value"
	"github.com/calyxdb/calyx/internal/wal"
)

const (
	walFileName      = "calyx.wal"
	snapshotFileName = "calyx.snapshot"
)

// Open opens the store rooted at dir and recovers its state: the snapshot
// file is replayed first, then the WAL. Recovery applies only transactions
// whose Commit record made it to disk; everything else is discarded.
func Open(dir string) (*Store, error) {
	log, err := wal.Open(filepath.Join(dir, walFileName))
	if err != nil {
		return nil, err
	}

	s := NewStore(log, mvcc.NewManager(log))
	s.snapshotPath = filepath.Join(dir, snapshotFileName)

	if err := s.recover(); err != nil {
		log.Close()
		return nil, err
	}
	return s, nil
}

// recover rebuilds the version chains in two passes: first collect the set
// of committed transactions, then fold each committed transaction's writes
// on a key into their net effect and rebuild the chains from those. Folding
// makes replay insensitive to records appearing in both the snapshot and the
// surviving log, so recovery is idempotent.
func (s *Store) recover() error {
	snapRecords, err := wal.ReadFile(s.snapshotPath)
	if err != nil {
		return fmt.Errorf("recover snapshot: %w", err)
	}
	logRecords, err := s.log.ReadAll()
	if err != nil {
		return fmt.Errorf("recover log: %w", err)
	}
	records := append(snapRecords, logRecords...)

	// Pass 1: committed transaction ids in commit-record order.
	var (
		committedOrder []uint64
		committed      = make(map[uint64]bool)
		maxTxnID       uint64
	)
	for _, rec := range records {
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		if rec.Kind == wal.KindCommit && !committed[rec.TxnID] {
			committed[rec.TxnID] = true
			committedOrder = append(committedOrder, rec.TxnID)
		}
	}
	s.txns.SeedRecovered(committedOrder, maxTxnID)

	// Pass 2: collapse mutations into one net effect per (key, transaction).
	// Only a transaction's first record on a key can close a version left by
	// an earlier transaction, and only its last record decides what it leaves
	// behind; the intermediate images are invisible to every post-recovery
	// snapshot. Writers on one key serialize, so first-seen order across the
	// combined stream is commit order.
	type netWrite struct {
		txnID uint64
		first *wal.Record
		last  *wal.Record
	}
	type keyWrites struct {
		table string
		key   string
		order []*netWrite
		byTxn map[uint64]*netWrite
	}
	var keyOrder []*keyWrites
	byKey := make(map[string]*keyWrites)

	for _, rec := range records {
		if !committed[rec.TxnID] {
			continue
		}
		switch rec.Kind {
		case wal.KindInsert, wal.KindUpdate, wal.KindDelete:
		default:
			continue
		}
		id := rowID(rec.Table, rec.Key)
		kw := byKey[id]
		if kw == nil {
			kw = &keyWrites{table: rec.Table, key: rec.Key, byTxn: make(map[uint64]*netWrite)}
			byKey[id] = kw
			keyOrder = append(keyOrder, kw)
		}
		nw := kw.byTxn[rec.TxnID]
		if nw == nil {
			nw = &netWrite{txnID: rec.TxnID, first: rec}
			kw.byTxn[rec.TxnID] = nw
			kw.order = append(kw.order, nw)
		}
		nw.last = rec
	}

	for _, kw := range keyOrder {
		t := s.tables[kw.table]
		if t == nil {
			t = newTable()
			s.tables[kw.table] = t
		}
		for _, nw := range kw.order {
			if nw.first.Kind != wal.KindInsert {
				// The transaction's first write replaced or removed a
				// version left by an earlier committed transaction.
				chain := t.chain(kw.key)
				for i := len(chain) - 1; i >= 0; i-- {
					if chain[i].Xmax == 0 {
						chain[i].Xmax = nw.txnID
						break
					}
				}
			}
			if nw.last.Kind != wal.KindDelete {
				row, err := value.DecodeRow(nw.last.After)
				if err != nil {
					return fmt.Errorf("recover %s: %w", nw.last, err)
				}
				t.addKey(kw.key)
				t.chains[kw.key] = append(t.chains[kw.key], &Version{Xmin: nw.txnID, Row: row})
			}
			s.txns.SeedLastWriter(rowID(kw.table, kw.key), nw.txnID)
		}
	}
	return nil
}
