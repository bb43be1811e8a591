package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/value"
)

func testCatalog(t *testing.T) *catalog.MemCatalog {
	t.Helper()
	c := catalog.NewMemCatalog()
	require.NoError(t, c.CreateTable("users", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "age", Type: value.KindInt},
	}))
	require.NoError(t, c.CreateTable("orders", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "user_id", Type: value.KindInt},
	}))
	return c
}

func eq(table, col string, v int64) ast.Expression {
	return &ast.BinaryExpr{
		Op:    ast.OpEq,
		Left:  &ast.ColumnRef{Table: table, Column: col},
		Right: &ast.Literal{Value: value.NewInt(v)},
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Filter{
		Input:     &SeqScan{Table: "users"},
		Predicate: eq("users", "id", 1),
	}
	cloned := orig.Clone().(*Filter)

	cloned.Input.(*SeqScan).Table = "changed"
	assert.Equal(t, "users", orig.Input.(*SeqScan).Table)
}

func TestCostFilterReducesRows(t *testing.T) {
	cat := testCatalog(t)
	m := DefaultCostModel()

	scan := m.Estimate(&SeqScan{Table: "users"}, cat)
	filtered := m.Estimate(&Filter{
		Input:     &SeqScan{Table: "users"},
		Predicate: eq("users", "id", 1),
	}, cat)

	assert.Less(t, filtered.Rows, scan.Rows)
	assert.Greater(t, filtered.CPU, scan.CPU)
}

func TestCostHashJoinBeatsNestedLoopOnLargeInputs(t *testing.T) {
	cat := testCatalog(t)
	m := DefaultCostModel()

	mk := func(algo JoinAlgo) *Join {
		return &Join{
			Left:  &SeqScan{Table: "users"},
			Right: &SeqScan{Table: "orders"},
			Type:  ast.JoinInner,
			Algo:  algo,
			On: &ast.BinaryExpr{
				Op:    ast.OpEq,
				Left:  &ast.ColumnRef{Table: "users", Column: "id"},
				Right: &ast.ColumnRef{Table: "orders", Column: "user_id"},
			},
		}
	}

	nested := m.Estimate(mk(JoinNestedLoop), cat)
	hash := m.Estimate(mk(JoinHash), cat)
	assert.Less(t, hash.Total, nested.Total)
}

func TestCostIndexScanCheaperThanSeqScan(t *testing.T) {
	cat := testCatalog(t)
	m := DefaultCostModel()

	seq := m.Estimate(&SeqScan{Table: "users", Filter: eq("users", "id", 1)}, cat)
	idx := m.Estimate(&IndexScan{
		Table:  "users",
		Index:  "users_id",
		Column: "id",
		Equal:  &ast.Literal{Value: value.NewInt(1)},
	}, cat)

	assert.Less(t, idx.Total, seq.Total)
}

func TestValidateCatchesUnknownTable(t *testing.T) {
	cat := testCatalog(t)

	assert.NoError(t, Validate(&SeqScan{Table: "users"}, cat))
	assert.Error(t, Validate(&SeqScan{Table: "nope"}, cat))
}

func TestValidateCatchesForeignJoinRef(t *testing.T) {
	cat := testCatalog(t)

	bad := &Join{
		Left:  &SeqScan{Table: "users"},
		Right: &SeqScan{Table: "orders"},
		Type:  ast.JoinInner,
		On: &ast.BinaryExpr{
			Op:    ast.OpEq,
			Left:  &ast.ColumnRef{Table: "users", Column: "id"},
			Right: &ast.ColumnRef{Table: "elsewhere", Column: "x"},
		},
	}
	assert.Error(t, Validate(bad, cat))
}

func TestFingerprintDistinguishesPlans(t *testing.T) {
	a := &Tree{Root: &SeqScan{Table: "users"}}
	b := &Tree{Root: &SeqScan{Table: "orders"}}
	c := &Tree{Root: &SeqScan{Table: "users"}}

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), c.Fingerprint())
}

func TestCacheableRejectsVolatileFunctions(t *testing.T) {
	stable := &Tree{Root: &Filter{
		Input:     &SeqScan{Table: "users"},
		Predicate: eq("users", "id", 1),
	}}
	assert.True(t, stable.Cacheable())

	volatile := &Tree{Root: &Project{
		Input: &SeqScan{Table: "users"},
		Exprs: []ast.Expression{&ast.FuncCall{Name: "NOW"}},
		Names: []string{"now"},
	}}
	assert.False(t, volatile.Cacheable())
}

func TestExplainRendersIndentedTree(t *testing.T) {
	tree := &Tree{
		Root: &Project{
			Star:  true,
			Input: &Filter{Input: &SeqScan{Table: "users"}, Predicate: eq("users", "id", 1)},
		},
	}
	out := tree.Explain()
	assert.Contains(t, out, "Project(*)")
	assert.Contains(t, out, "  Filter(")
	assert.Contains(t, out, "    SeqScan(users)")
}

func TestCostNestedLoopPrefersSmallOuter(t *testing.T) {
	cat := testCatalog(t)
	require.NoError(t, cat.SetStats("users", catalog.TableStats{Rows: 10000, Pages: 100, AvgRowWidth: 8}))
	require.NoError(t, cat.SetStats("orders", catalog.TableStats{Rows: 100, Pages: 1, AvgRowWidth: 8}))
	m := DefaultCostModel()

	on := &ast.BinaryExpr{
		Op:    ast.OpEq,
		Left:  &ast.ColumnRef{Table: "users", Column: "id"},
		Right: &ast.ColumnRef{Table: "orders", Column: "user_id"},
	}
	mk := func(left, right string) CostEstimate {
		return m.Estimate(&Join{
			Left:  &SeqScan{Table: left},
			Right: &SeqScan{Table: right},
			Type:  ast.JoinInner,
			Algo:  JoinNestedLoop,
			On:    on,
		}, cat)
	}

	// The estimate must depend on which input drives the loop, otherwise a
	// join-order swap could never change the plan's cost.
	bigOuter := mk("users", "orders")
	smallOuter := mk("orders", "users")
	assert.Less(t, smallOuter.Total, bigOuter.Total)
}
