package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/value"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func row(vals ...int64) value.Row {
	r := make(value.Row, len(vals))
	for i, v := range vals {
		r[i] = value.NewInt(v)
	}
	return r
}

func TestInsertGetRoundtrip(t *testing.T) {
	s, _ := openTestStore(t)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "users", "1", row(1, 100)))

	got, err := s.GetRow(txn, "users", "1")
	require.NoError(t, err)
	assert.True(t, got[1].Equals(value.NewInt(100)))

	require.NoError(t, s.Txns().Commit(txn))
}

func TestDuplicateInsertRejected(t *testing.T) {
	s, _ := openTestStore(t)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "users", "1", row(1)))

	err = s.InsertRow(txn, "users", "1", row(1))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestSnapshotSeesOldVersionDuringConcurrentUpdate(t *testing.T) {
	s, _ := openTestStore(t)

	seed, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(seed, "t", "k", row(10)))
	require.NoError(t, s.Txns().Commit(seed))

	// A starts reading, then B updates v=10 to v=20 and commits.
	a, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	b, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRow(b, "t", "k", row(20)))
	require.NoError(t, s.Txns().Commit(b))

	gotA, err := s.GetRow(a, "t", "k")
	require.NoError(t, err)
	assert.True(t, gotA[0].Equals(value.NewInt(10)))

	// A transaction starting after B's commit sees the new version.
	c, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	gotC, err := s.GetRow(c, "t", "k")
	require.NoError(t, err)
	assert.True(t, gotC[0].Equals(value.NewInt(20)))
}

func TestConcurrentWritersConflict(t *testing.T) {
	s, _ := openTestStore(t)

	seed, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(seed, "t", "k", row(1)))
	require.NoError(t, s.Txns().Commit(seed))

	a, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	b, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRow(a, "t", "k", row(2)))
	// B hits A's in-flight write immediately.
	err = s.UpdateRow(b, "t", "k", row(3))
	assert.ErrorIs(t, err, mvcc.ErrConflict)

	require.NoError(t, s.Txns().Commit(a))
}

func TestRollbackHidesWrites(t *testing.T) {
	s, _ := openTestStore(t)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "k", row(1)))
	require.NoError(t, s.Txns().Rollback(txn))

	later, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	_, err = s.GetRow(later, "t", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteVisibleOnlyToLaterSnapshots(t *testing.T) {
	s, _ := openTestStore(t)

	seed, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(seed, "t", "k", row(1)))
	require.NoError(t, s.Txns().Commit(seed))

	old, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	del, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.DeleteRow(del, "t", "k"))
	require.NoError(t, s.Txns().Commit(del))

	// Older snapshot still sees the row, newer does not.
	_, err = s.GetRow(old, "t", "k")
	assert.NoError(t, err)

	fresh, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	_, err = s.GetRow(fresh, "t", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanReturnsKeyOrder(t *testing.T) {
	s, _ := openTestStore(t)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "c", row(3)))
	require.NoError(t, s.InsertRow(txn, "t", "a", row(1)))
	require.NoError(t, s.InsertRow(txn, "t", "b", row(2)))
	require.NoError(t, s.Txns().Commit(txn))

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	rows, err := s.Scan(reader, "t")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{rows[0].Key, rows[1].Key, rows[2].Key})
}

func TestRecoveryReplaysOnlyCommitted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	committed, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(committed, "t", "kept", row(1)))
	require.NoError(t, s.Txns().Commit(committed))

	// This transaction's records reach the log but no Commit record does.
	dangling, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(dangling, "t", "lost", row(2)))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	_, err = s.GetRow(reader, "t", "kept")
	assert.NoError(t, err)
	_, err = s.GetRow(reader, "t", "lost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "a", row(1)))
	require.NoError(t, s.InsertRow(txn, "t", "b", row(2)))
	require.NoError(t, s.UpdateRow(txn, "t", "a", row(10)))
	require.NoError(t, s.DeleteRow(txn, "t", "b"))
	require.NoError(t, s.Txns().Commit(txn))
	require.NoError(t, s.Close())

	readState := func() []KeyRow {
		s, err := Open(dir)
		require.NoError(t, err)
		defer s.Close()
		reader, err := s.Txns().Begin(mvcc.RepeatableRead)
		require.NoError(t, err)
		rows, err := s.Scan(reader, "t")
		require.NoError(t, err)
		return rows
	}

	first := readState()
	second := readState()
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Key)
	assert.True(t, first[0].Row[0].Equals(value.NewInt(10)))
}

func TestCheckpointPreservesStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "a", row(1)))
	require.NoError(t, s.InsertRow(txn, "t", "b", row(2)))
	require.NoError(t, s.Txns().Commit(txn))

	require.NoError(t, s.Checkpoint())

	// Post-checkpoint mutations land in the truncated log.
	after, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRow(after, "t", "a", row(100)))
	require.NoError(t, s.Txns().Commit(after))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	rows, err := s.Scan(reader, "t")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Row[0].Equals(value.NewInt(100)))
	assert.True(t, rows[1].Row[0].Equals(value.NewInt(2)))
}

func TestVacuumRemovesDeadVersions(t *testing.T) {
	s, _ := openTestStore(t)

	seed, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(seed, "t", "k", row(1)))
	require.NoError(t, s.Txns().Commit(seed))

	upd, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRow(upd, "t", "k", row(2)))
	require.NoError(t, s.Txns().Commit(upd))

	// No active transactions: the superseded version is garbage.
	removed := s.Vacuum()
	assert.Equal(t, 1, removed)

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	got, err := s.GetRow(reader, "t", "k")
	require.NoError(t, err)
	assert.True(t, got[0].Equals(value.NewInt(2)))
}

func TestRecoveryKeepsReinsertedRow(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	// One transaction inserts, deletes and re-inserts the same key. Only
	// the final image survives a replay.
	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "k", row(1)))
	require.NoError(t, s.DeleteRow(txn, "t", "k"))
	require.NoError(t, s.InsertRow(txn, "t", "k", row(2)))
	require.NoError(t, s.Txns().Commit(txn))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	got, err := s.GetRow(reader, "t", "k")
	require.NoError(t, err)
	assert.True(t, got[0].Equals(value.NewInt(2)))

	rows, err := s.Scan(reader, "t")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecoveryAppliesDeleteThenReinsertAcrossTransactions(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	first, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(first, "t", "k", row(1)))
	require.NoError(t, s.Txns().Commit(first))

	second, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.DeleteRow(second, "t", "k"))
	require.NoError(t, s.Txns().Commit(second))

	third, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(third, "t", "k", row(3)))
	require.NoError(t, s.Txns().Commit(third))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	got, err := s.GetRow(reader, "t", "k")
	require.NoError(t, err)
	assert.True(t, got[0].Equals(value.NewInt(3)))
}

func TestCheckpointWithActiveTransactionKeepsCommittedWork(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	// An open transaction pins the log from its start LSN on, so work
	// committed before the checkpoint lands in both the snapshot and the
	// surviving log. Recovery must tolerate seeing it twice.
	anchor, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	txn, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, s.InsertRow(txn, "t", "k", row(1)))
	require.NoError(t, s.DeleteRow(txn, "t", "k"))
	require.NoError(t, s.InsertRow(txn, "t", "k", row(2)))
	require.NoError(t, s.Txns().Commit(txn))

	require.NoError(t, s.Checkpoint())
	require.NoError(t, s.Txns().Rollback(anchor))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reader, err := s.Txns().Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	rows, err := s.Scan(reader, "t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Row[0].Equals(value.NewInt(2)))
}
