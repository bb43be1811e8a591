package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/plan"
	"github.com/calyxdb/calyx/internal/value"
)

func testPlanner(t *testing.T) *Planner {
	t.Helper()
	c := catalog.NewMemCatalog()
	require.NoError(t, c.CreateTable("users", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "age", Type: value.KindInt},
		{Name: "name", Type: value.KindString},
	}))
	require.NoError(t, c.CreateTable("orders", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "user_id", Type: value.KindInt},
		{Name: "total", Type: value.KindFloat},
	}))
	return New(c)
}

func col(table, name string) *ast.ColumnRef {
	return &ast.ColumnRef{Table: table, Column: name}
}

func TestBaselineShapeSelectStar(t *testing.T) {
	p := testPlanner(t)

	tree, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Star: true}},
		From:    ast.FromClause{Table: "users"},
		Where: &ast.BinaryExpr{
			Op:    ast.OpGt,
			Left:  col("users", "age"),
			Right: &ast.Literal{Value: value.NewInt(30)},
		},
	})
	require.NoError(t, err)

	// Project(*) over Filter over SeqScan.
	proj, ok := tree.Root.(*plan.Project)
	require.True(t, ok)
	assert.True(t, proj.Star)
	filter, ok := proj.Input.(*plan.Filter)
	require.True(t, ok)
	_, ok = filter.Input.(*plan.SeqScan)
	assert.True(t, ok)
	assert.False(t, tree.Optimized)
	assert.Greater(t, tree.Cost.Total, 0.0)
}

func TestJoinsChainInFromOrder(t *testing.T) {
	p := testPlanner(t)

	tree, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Star: true}},
		From: ast.FromClause{
			Table: "users",
			Joins: []ast.JoinClause{{
				Type:  ast.JoinInner,
				Table: "orders",
				On: &ast.BinaryExpr{
					Op:    ast.OpEq,
					Left:  col("users", "id"),
					Right: col("orders", "user_id"),
				},
			}},
		},
	})
	require.NoError(t, err)

	join, ok := tree.Root.(*plan.Project).Input.(*plan.Join)
	require.True(t, ok)
	assert.Equal(t, plan.JoinNestedLoop, join.Algo)
	assert.Equal(t, "users", join.Left.(*plan.SeqScan).Table)
	assert.Equal(t, "orders", join.Right.(*plan.SeqScan).Table)
}

func TestRightAndFullJoinsRejected(t *testing.T) {
	p := testPlanner(t)

	for _, jt := range []ast.JoinType{ast.JoinRight, ast.JoinFull} {
		_, err := p.Plan(&ast.SelectStatement{
			Columns: []ast.SelectItem{{Star: true}},
			From: ast.FromClause{
				Table: "users",
				Joins: []ast.JoinClause{{
					Type:  jt,
					Table: "orders",
					On: &ast.BinaryExpr{
						Op:    ast.OpEq,
						Left:  col("users", "id"),
						Right: col("orders", "user_id"),
					},
				}},
			},
		})
		assert.ErrorIs(t, err, ErrUnsupported, jt.String())
	}
}

func TestUnknownTableAndColumnRejected(t *testing.T) {
	p := testPlanner(t)

	_, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Star: true}},
		From:    ast.FromClause{Table: "nope"},
	})
	assert.ErrorIs(t, err, ErrPlanning)

	_, err = p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Expr: col("users", "salary")}},
		From:    ast.FromClause{Table: "users"},
	})
	assert.ErrorIs(t, err, ErrPlanning)
}

func TestAmbiguousColumnRejected(t *testing.T) {
	p := testPlanner(t)

	// Both users and orders have an id column.
	_, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Expr: &ast.ColumnRef{Column: "id"}}},
		From: ast.FromClause{
			Table: "users",
			Joins: []ast.JoinClause{{
				Type:  ast.JoinInner,
				Table: "orders",
				On: &ast.BinaryExpr{
					Op:    ast.OpEq,
					Left:  col("users", "id"),
					Right: col("orders", "user_id"),
				},
			}},
		},
	})
	assert.ErrorIs(t, err, ErrPlanning)
}

func TestAggregatePlanShape(t *testing.T) {
	p := testPlanner(t)

	tree, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("users", "age")},
			{Expr: &ast.FuncCall{Name: "COUNT", Star: true}, Alias: "n"},
		},
		From:    ast.FromClause{Table: "users"},
		GroupBy: []ast.Expression{col("users", "age")},
	})
	require.NoError(t, err)

	proj := tree.Root.(*plan.Project)
	agg, ok := proj.Input.(*plan.Aggregate)
	require.True(t, ok)
	require.Len(t, agg.Aggs, 1)
	assert.Equal(t, "n", agg.Aggs[0].Name)
	assert.Len(t, agg.GroupBy, 1)
}

func TestWindowPlanShape(t *testing.T) {
	p := testPlanner(t)

	tree, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("users", "name")},
			{Expr: &ast.WindowExpr{
				Func:        ast.WinRowNumber,
				PartitionBy: []ast.Expression{col("users", "age")},
				OrderBy:     []ast.OrderItem{{Expr: col("users", "id")}},
			}, Alias: "rn"},
		},
		From: ast.FromClause{Table: "users"},
	})
	require.NoError(t, err)

	proj := tree.Root.(*plan.Project)
	win, ok := proj.Input.(*plan.Window)
	require.True(t, ok)
	require.Len(t, win.Items, 1)
	assert.Equal(t, "rn", win.Items[0].Name)
}

func TestOrderByAndLimitStackOnTop(t *testing.T) {
	p := testPlanner(t)

	tree, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Expr: col("users", "name")}},
		From:    ast.FromClause{Table: "users"},
		OrderBy: []ast.OrderItem{{Expr: &ast.ColumnRef{Column: "name"}, Desc: true}},
		Limit:   &ast.LimitClause{Count: 10, Offset: 5},
	})
	require.NoError(t, err)

	limit, ok := tree.Root.(*plan.Limit)
	require.True(t, ok)
	assert.Equal(t, int64(10), limit.Count)
	assert.Equal(t, int64(5), limit.Offset)
	_, ok = limit.Input.(*plan.Sort)
	assert.True(t, ok)
}

func TestHavingWithoutAggregationRejected(t *testing.T) {
	p := testPlanner(t)

	_, err := p.Plan(&ast.SelectStatement{
		Columns: []ast.SelectItem{{Expr: col("users", "name")}},
		From:    ast.FromClause{Table: "users"},
		Having: &ast.BinaryExpr{
			Op:    ast.OpGt,
			Left:  col("users", "age"),
			Right: &ast.Literal{Value: value.NewInt(1)},
		},
	})
	assert.ErrorIs(t, err, ErrPlanning)
}
