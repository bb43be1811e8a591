// Package planner turns parsed SELECT statements into baseline plan trees.
// The baseline is deliberately naive: scans joined in FROM order, a Filter
// for WHERE, operators stacked in evaluation order. Making it fast is the
// optimizer's job.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/plan"
)

var (
	// ErrPlanning means the statement cannot be planned: unknown tables or
	// columns, ambiguous references, malformed clauses.
	ErrPlanning = errors.New("planner: cannot plan statement")
	// ErrUnsupported means the statement uses a feature the engine does not
	// implement.
	ErrUnsupported = errors.New("planner: unsupported feature")
)

// Planner builds baseline plans against a catalog.
type Planner struct {
	catalog catalog.Catalog
}

// New creates a planner over the catalog.
func New(cat catalog.Catalog) *Planner {
	return &Planner{catalog: cat}
}

// Plan builds the baseline plan tree for a SELECT.
func (p *Planner) Plan(stmt *ast.SelectStatement) (*plan.Tree, error) {
	scope, err := p.buildScope(stmt)
	if err != nil {
		return nil, err
	}
	if err := p.checkColumns(stmt, scope); err != nil {
		return nil, err
	}

	root, err := p.buildFrom(stmt)
	if err != nil {
		return nil, err
	}

	if stmt.Where != nil {
		root = &plan.Filter{Input: root, Predicate: stmt.Where}
	}

	root, projExprs, projNames, star, err := p.buildAggregation(stmt, root)
	if err != nil {
		return nil, err
	}

	if star {
		root = &plan.Project{Input: root, Star: true}
	} else {
		root = &plan.Project{Input: root, Exprs: projExprs, Names: projNames}
	}

	if len(stmt.OrderBy) > 0 {
		root = &plan.Sort{Input: root, Keys: stmt.OrderBy}
	}
	if stmt.Limit != nil {
		root = &plan.Limit{Input: root, Count: stmt.Limit.Count, Offset: stmt.Limit.Offset}
	}

	if err := plan.Validate(root, p.catalog); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	model := plan.DefaultCostModel()
	return &plan.Tree{
		Root:  root,
		Cost:  model.Estimate(root, p.catalog),
		Mode:  plan.ModeSequential,
		Hints: plan.DefaultHints(),
	}, nil
}

// buildFrom chains the FROM tables into scans and joins, in statement order.
func (p *Planner) buildFrom(stmt *ast.SelectStatement) (plan.Node, error) {
	var root plan.Node = &plan.SeqScan{Table: stmt.From.Table}
	for _, j := range stmt.From.Joins {
		switch j.Type {
		case ast.JoinInner, ast.JoinLeft, ast.JoinCross:
		case ast.JoinRight, ast.JoinFull:
			return nil, fmt.Errorf("%w: %s JOIN (rewrite as LEFT JOIN with swapped inputs)", ErrUnsupported, j.Type)
		default:
			return nil, fmt.Errorf("%w: join type %d", ErrPlanning, j.Type)
		}
		if j.Type != ast.JoinCross && j.On == nil {
			return nil, fmt.Errorf("%w: %s JOIN of %s has no ON condition", ErrPlanning, j.Type, j.Table)
		}
		root = &plan.Join{
			Left:  root,
			Right: &plan.SeqScan{Table: j.Table},
			Type:  j.Type,
			Algo:  plan.JoinNestedLoop,
			On:    j.On,
		}
	}
	return root, nil
}

// buildAggregation inserts Aggregate and Window nodes as the select list
// demands and returns the projection that goes on top.
func (p *Planner) buildAggregation(stmt *ast.SelectStatement, root plan.Node) (plan.Node, []ast.Expression, []string, bool, error) {
	var (
		projExprs []ast.Expression
		projNames []string
		aggs      []plan.AggItem
		windows   []plan.WindowItem
		star      bool
	)

	for i, item := range stmt.Columns {
		if item.Star {
			if len(stmt.Columns) != 1 {
				return nil, nil, nil, false, fmt.Errorf("%w: * mixed with other select items", ErrPlanning)
			}
			star = true
			break
		}

		name := item.Alias
		if name == "" {
			name = defaultName(item.Expr, i)
		}

		switch e := item.Expr.(type) {
		case *ast.FuncCall:
			if e.IsAggregate() {
				aggs = append(aggs, plan.AggItem{Func: e, Name: name})
				projExprs = append(projExprs, &ast.ColumnRef{Column: name})
				projNames = append(projNames, name)
				continue
			}
		case *ast.WindowExpr:
			windows = append(windows, plan.WindowItem{Expr: e, Name: name})
			projExprs = append(projExprs, &ast.ColumnRef{Column: name})
			projNames = append(projNames, name)
			continue
		}
		projExprs = append(projExprs, item.Expr)
		projNames = append(projNames, name)
	}

	if star {
		if len(stmt.GroupBy) > 0 {
			return nil, nil, nil, false, fmt.Errorf("%w: SELECT * with GROUP BY", ErrPlanning)
		}
		return root, nil, nil, true, nil
	}

	if len(aggs) > 0 && len(windows) > 0 {
		return nil, nil, nil, false, fmt.Errorf("%w: window functions mixed with plain aggregates", ErrUnsupported)
	}

	if len(aggs) > 0 || len(stmt.GroupBy) > 0 {
		if len(aggs) == 0 {
			return nil, nil, nil, false, fmt.Errorf("%w: GROUP BY without aggregates", ErrPlanning)
		}
		root = &plan.Aggregate{Input: root, GroupBy: stmt.GroupBy, Aggs: aggs, Having: stmt.Having}
	} else if stmt.Having != nil {
		return nil, nil, nil, false, fmt.Errorf("%w: HAVING without aggregation", ErrPlanning)
	}

	if len(windows) > 0 {
		root = &plan.Window{Input: root, Items: windows}
	}
	return root, projExprs, projNames, false, nil
}

func defaultName(e ast.Expression, i int) string {
	if c, ok := e.(*ast.ColumnRef); ok {
		return c.Column
	}
	if f, ok := e.(*ast.FuncCall); ok {
		return strings.ToLower(f.Name)
	}
	return fmt.Sprintf("col%d", i)
}

// scope maps each FROM table to its column set.
type scope map[string]map[string]bool

func (p *Planner) buildScope(stmt *ast.SelectStatement) (scope, error) {
	sc := make(scope)
	add := func(table string) error {
		if !p.catalog.TableExists(table) {
			return fmt.Errorf("%w: unknown table %q", ErrPlanning, table)
		}
		if _, ok := sc[table]; ok {
			return fmt.Errorf("%w: table %q appears twice in FROM", ErrPlanning, table)
		}
		cols, err := p.catalog.GetColumns(table)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPlanning, err)
		}
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c.Name] = true
		}
		sc[table] = set
		return nil
	}

	if err := add(stmt.From.Table); err != nil {
		return nil, err
	}
	for _, j := range stmt.From.Joins {
		if err := add(j.Table); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// checkColumns resolves every column reference in the statement against the
// FROM scope.
func (p *Planner) checkColumns(stmt *ast.SelectStatement, sc scope) error {
	var exprs []ast.Expression
	for _, item := range stmt.Columns {
		if !item.Star {
			exprs = append(exprs, item.Expr)
		}
	}
	if stmt.Where != nil {
		exprs = append(exprs, stmt.Where)
	}
	exprs = append(exprs, stmt.GroupBy...)
	if stmt.Having != nil {
		exprs = append(exprs, stmt.Having)
	}
	for _, j := range stmt.From.Joins {
		if j.On != nil {
			exprs = append(exprs, j.On)
		}
	}

	var err error
	for _, e := range exprs {
		ast.Walk(e, func(x ast.Expression) {
			if err != nil {
				return
			}
			ref, ok := x.(*ast.ColumnRef)
			if !ok {
				return
			}
			err = resolveRef(ref, sc)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func resolveRef(ref *ast.ColumnRef, sc scope) error {
	if ref.Table != "" {
		cols, ok := sc[ref.Table]
		if !ok {
			return fmt.Errorf("%w: unknown table %q in reference %s", ErrPlanning, ref.Table, ref)
		}
		if !cols[ref.Column] {
			return fmt.Errorf("%w: table %q has no column %q", ErrPlanning, ref.Table, ref.Column)
		}
		return nil
	}
	matches := 0
	for _, cols := range sc {
		if cols[ref.Column] {
			matches++
		}
	}
	switch matches {
	case 0:
		return fmt.Errorf("%w: unknown column %q", ErrPlanning, ref.Column)
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: column %q is ambiguous", ErrPlanning, ref.Column)
	}
}
