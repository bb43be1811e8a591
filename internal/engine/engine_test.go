package engine

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/value"
)

func testLogger() *log.Logger { return log.New(os.Stderr, "test: ", 0) }

func openEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	eng, err := Open(Options{
		DataDir:          dir,
		DefaultIsolation: mvcc.RepeatableRead,
		Logger:           testLogger(),
	})
	require.NoError(t, err)
	return eng
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng := openEngine(t, t.TempDir())
	t.Cleanup(func() { eng.Close() })

	require.NoError(t, eng.CreateTable("accounts", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "owner", Type: value.KindString},
		{Name: "balance", Type: value.KindInt},
	}))
	return eng
}

func insertAccounts(rows ...[3]any) *ast.InsertStatement {
	stmt := &ast.InsertStatement{Table: "accounts"}
	for _, r := range rows {
		stmt.Rows = append(stmt.Rows, []ast.Expression{
			&ast.Literal{Value: value.NewInt(int64(r[0].(int)))},
			&ast.Literal{Value: value.NewString(r[1].(string))},
			&ast.Literal{Value: value.NewInt(int64(r[2].(int)))},
		})
	}
	return stmt
}

func selectAll(table string) *ast.SelectStatement {
	return &ast.SelectStatement{
		Columns: []ast.SelectItem{{Star: true}},
		From:    ast.FromClause{Table: table},
	}
}

func col(table, name string) *ast.ColumnRef { return &ast.ColumnRef{Table: table, Column: name} }
func intLit(i int64) ast.Expression         { return &ast.Literal{Value: value.NewInt(i)} }

func TestInsertAndSelect(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	res, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}, [3]any{2, "bob", 50}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)

	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, []string{"id", "owner", "balance"}, out.Columns)
	assert.True(t, out.Rows[0][1].Equals(value.NewString("ada")))
}

func TestSelectWithFilterAndProjection(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts(
		[3]any{1, "ada", 100}, [3]any{2, "bob", 50}, [3]any{3, "cy", 200},
	))
	require.NoError(t, err)

	stmt := &ast.SelectStatement{
		Columns: []ast.SelectItem{{Expr: col("accounts", "owner"), Alias: "owner"}},
		From:    ast.FromClause{Table: "accounts"},
		Where: &ast.BinaryExpr{
			Op: ast.OpGt, Left: col("accounts", "balance"), Right: intLit(75),
		},
		OrderBy: []ast.OrderItem{{Expr: col("accounts", "owner")}},
	}
	out, err := eng.Exec(ctx, stmt)
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)
	assert.True(t, out.Rows[0][0].Equals(value.NewString("ada")))
	assert.True(t, out.Rows[1][0].Equals(value.NewString("cy")))
}

func TestUpdateAndDelete(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}, [3]any{2, "bob", 50}))
	require.NoError(t, err)

	upd := &ast.UpdateStatement{
		Table: "accounts",
		Assignments: []ast.Assignment{{
			Column: "balance",
			Expr: &ast.BinaryExpr{
				Op: ast.OpAdd, Left: col("accounts", "balance"), Right: intLit(25),
			},
		}},
		Where: &ast.BinaryExpr{Op: ast.OpEq, Left: col("accounts", "id"), Right: intLit(1)},
	}
	res, err := eng.Exec(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	del := &ast.DeleteStatement{
		Table: "accounts",
		Where: &ast.BinaryExpr{Op: ast.OpEq, Left: col("accounts", "id"), Right: intLit(2)},
	}
	res, err = eng.Exec(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(125)))
}

func TestAggregationEndToEnd(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts(
		[3]any{1, "ada", 100}, [3]any{2, "ada", 50}, [3]any{3, "bob", 10},
	))
	require.NoError(t, err)

	stmt := &ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("accounts", "owner"), Alias: "owner"},
			{Expr: &ast.FuncCall{Name: "SUM", Args: []ast.Expression{col("accounts", "balance")}}, Alias: "total"},
		},
		From:    ast.FromClause{Table: "accounts"},
		GroupBy: []ast.Expression{col("accounts", "owner")},
	}
	out, err := eng.Exec(ctx, stmt)
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)

	totals := map[string]int64{}
	for _, row := range out.Rows {
		totals[row[0].Str()] = row[1].Int()
	}
	assert.Equal(t, int64(150), totals["ada"])
	assert.Equal(t, int64(10), totals["bob"])
}

func TestSnapshotIsolationAcrossTransactions(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)

	reader, err := eng.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	// A concurrent transaction updates and commits.
	writer, err := eng.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	upd := &ast.UpdateStatement{
		Table:       "accounts",
		Assignments: []ast.Assignment{{Column: "balance", Expr: intLit(999)}},
	}
	_, err = eng.Execute(ctx, writer, upd)
	require.NoError(t, err)
	require.NoError(t, eng.Commit(writer))

	// The reader's snapshot predates the commit.
	out, err := eng.Execute(ctx, reader, selectAll("accounts"))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(100)))
	require.NoError(t, eng.Rollback(reader))

	// A fresh transaction sees the update.
	out, err = eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(999)))
}

func TestReadCommittedSeesNewCommitsPerStatement(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)

	reader, err := eng.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)

	out, err := eng.Execute(ctx, reader, selectAll("accounts"))
	require.NoError(t, err)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(100)))

	_, err = eng.Exec(ctx, &ast.UpdateStatement{
		Table:       "accounts",
		Assignments: []ast.Assignment{{Column: "balance", Expr: intLit(200)}},
	})
	require.NoError(t, err)

	// The next statement in the same transaction sees the new commit.
	out, err = eng.Execute(ctx, reader, selectAll("accounts"))
	require.NoError(t, err)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(200)))
	require.NoError(t, eng.Rollback(reader))
}

func TestWriteConflictAbortsLoser(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)

	a, err := eng.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	b, err := eng.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)

	upd := func(balance int64) *ast.UpdateStatement {
		return &ast.UpdateStatement{
			Table:       "accounts",
			Assignments: []ast.Assignment{{Column: "balance", Expr: intLit(balance)}},
		}
	}
	_, err = eng.Execute(ctx, a, upd(1))
	require.NoError(t, err)

	// B writes the same row while A's write is in flight.
	_, err = eng.Execute(ctx, b, upd(2))
	assert.ErrorIs(t, err, mvcc.ErrConflict)
	require.NoError(t, eng.Rollback(b))

	require.NoError(t, eng.Commit(a))
	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(1)))
}

func TestRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := openEngine(t, dir)
	require.NoError(t, eng.CreateTable("accounts", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "owner", Type: value.KindString},
		{Name: "balance", Type: value.KindInt},
	}))
	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}, [3]any{2, "bob", 50}))
	require.NoError(t, err)
	_, err = eng.Exec(ctx, &ast.DeleteStatement{
		Table: "accounts",
		Where: &ast.BinaryExpr{Op: ast.OpEq, Left: col("accounts", "id"), Right: intLit(2)},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng = openEngine(t, dir)
	defer eng.Close()
	require.NoError(t, eng.CreateTable("accounts", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "owner", Type: value.KindString},
		{Name: "balance", Type: value.KindInt},
	}))

	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.True(t, out.Rows[0][1].Equals(value.NewString("ada")))
}

func TestCheckpointThenRecover(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cols := []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "owner", Type: value.KindString},
		{Name: "balance", Type: value.KindInt},
	}

	eng := openEngine(t, dir)
	require.NoError(t, eng.CreateTable("accounts", cols))
	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)
	require.NoError(t, eng.Checkpoint())

	// Post-checkpoint work must survive alongside snapshotted state.
	_, err = eng.Exec(ctx, insertAccounts([3]any{2, "bob", 50}))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng = openEngine(t, dir)
	defer eng.Close()
	require.NoError(t, eng.CreateTable("accounts", cols))

	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	assert.Len(t, out.Rows, 2)
}

func TestExplainShowsOptimizedPlan(t *testing.T) {
	eng := newEngine(t)

	stmt := selectAll("accounts")
	stmt.Where = &ast.BinaryExpr{Op: ast.OpGt, Left: col("accounts", "balance"), Right: intLit(0)}

	text, err := eng.Explain(stmt)
	require.NoError(t, err)
	// The standalone filter is pushed into the scan.
	assert.Contains(t, text, "SeqScan(accounts")
	assert.NotContains(t, text, "Filter(")
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)
	_, err = eng.Exec(ctx, insertAccounts([3]any{1, "imp", 0}))
	require.Error(t, err)
}

func TestVacuumAfterChurn(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.Exec(ctx, insertAccounts([3]any{1, "ada", 100}))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = eng.Exec(ctx, &ast.UpdateStatement{
			Table:       "accounts",
			Assignments: []ast.Assignment{{Column: "balance", Expr: intLit(int64(i))}},
		})
		require.NoError(t, err)
	}

	removed := eng.Vacuum()
	assert.Greater(t, removed, 0)

	out, err := eng.Exec(ctx, selectAll("accounts"))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.True(t, out.Rows[0][2].Equals(value.NewInt(2)))
}
