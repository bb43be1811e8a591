package plan

import (
	"math"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
)

// CostEstimate breaks a plan's estimated cost into resource dimensions.
// Total is the sum of the dimensions and is what plans are compared on.
type CostEstimate struct {
	CPU     float64
	IO      float64
	Memory  float64
	Network float64
	Total   float64
	Rows    int64
	Width   int
}

func (c *CostEstimate) finish() CostEstimate {
	c.Total = c.CPU + c.IO + c.Memory + c.Network
	return *c
}

// CostModel holds the per-unit cost constants the estimator works from.
type CostModel struct {
	CPUOperationCost float64
	IOPageCost       float64
	MemoryByteCost   float64
	NetworkByteCost  float64
	IndexLookupCost  float64
	SeqScanRowCost   float64
}

// DefaultCostModel returns the stock cost constants.
func DefaultCostModel() *CostModel {
	return &CostModel{
		CPUOperationCost: 0.01,
		IOPageCost:       1.0,
		MemoryByteCost:   0.0001,
		NetworkByteCost:  0.001,
		IndexLookupCost:  0.1,
		SeqScanRowCost:   0.001,
	}
}

// Join algorithm cost factors relative to nested loop.
const (
	nestedLoopFactor = 1.0
	hashJoinFactor   = 0.8
	mergeJoinFactor  = 0.6
)

// Default selectivities when no statistics decide otherwise.
const (
	eqSelectivity    = 0.1
	rangeSelectivity = 0.3
)

// Estimate computes the cost of the subtree rooted at n, bottom-up.
func (m *CostModel) Estimate(n Node, cat catalog.Catalog) CostEstimate {
	switch node := n.(type) {
	case *SeqScan:
		return m.estimateSeqScan(node, cat)
	case *IndexScan:
		return m.estimateIndexScan(node, cat)
	case *Filter:
		in := m.Estimate(node.Input, cat)
		c := CostEstimate{
			CPU:    in.CPU + float64(in.Rows)*m.CPUOperationCost,
			IO:     in.IO,
			Memory: in.Memory,
			Rows:   scaleRows(in.Rows, selectivity(node.Predicate)),
			Width:  in.Width,
		}
		return c.finish()
	case *Project:
		in := m.Estimate(node.Input, cat)
		exprCount := len(node.Exprs)
		if node.Star || exprCount == 0 {
			exprCount = 1
		}
		c := CostEstimate{
			CPU:    in.CPU + float64(in.Rows)*float64(exprCount)*m.CPUOperationCost,
			IO:     in.IO,
			Memory: in.Memory,
			Rows:   in.Rows,
			Width:  in.Width,
		}
		return c.finish()
	case *Join:
		return m.estimateJoin(node, cat)
	case *Aggregate:
		in := m.Estimate(node.Input, cat)
		groups := int64(1)
		if len(node.GroupBy) > 0 {
			groups = scaleRows(in.Rows, eqSelectivity)
		}
		c := CostEstimate{
			CPU:    in.CPU + float64(in.Rows)*m.CPUOperationCost,
			IO:     in.IO,
			Memory: in.Memory + float64(groups)*float64(in.Width)*m.MemoryByteCost,
			Rows:   groups,
			Width:  in.Width,
		}
		return c.finish()
	case *Window:
		in := m.Estimate(node.Input, cat)
		c := CostEstimate{
			CPU:    in.CPU + sortCPU(in.Rows, m.CPUOperationCost),
			IO:     in.IO,
			Memory: in.Memory + float64(in.Rows)*float64(in.Width)*m.MemoryByteCost,
			Rows:   in.Rows,
			Width:  in.Width,
		}
		return c.finish()
	case *Sort:
		in := m.Estimate(node.Input, cat)
		c := CostEstimate{
			CPU:    in.CPU + sortCPU(in.Rows, m.CPUOperationCost),
			IO:     in.IO,
			Memory: in.Memory + float64(in.Rows)*float64(in.Width)*m.MemoryByteCost,
			Rows:   in.Rows,
			Width:  in.Width,
		}
		return c.finish()
	case *Limit:
		in := m.Estimate(node.Input, cat)
		rows := in.Rows
		if node.Count >= 0 && node.Count < rows {
			rows = node.Count
		}
		c := CostEstimate{CPU: in.CPU, IO: in.IO, Memory: in.Memory, Rows: rows, Width: in.Width}
		return c.finish()
	default:
		return CostEstimate{}
	}
}

func (m *CostModel) estimateSeqScan(n *SeqScan, cat catalog.Catalog) CostEstimate {
	stats := tableStats(cat, n.Table)
	rows := stats.Rows
	cpu := float64(stats.Rows) * m.SeqScanRowCost
	if n.Filter != nil {
		cpu += float64(stats.Rows) * m.CPUOperationCost
		rows = scaleRows(rows, selectivity(n.Filter))
	}
	c := CostEstimate{
		CPU:   cpu,
		IO:    float64(stats.Pages) * m.IOPageCost,
		Rows:  rows,
		Width: stats.AvgRowWidth,
	}
	return c.finish()
}

func (m *CostModel) estimateIndexScan(n *IndexScan, cat catalog.Catalog) CostEstimate {
	stats := tableStats(cat, n.Table)
	sel := eqSelectivity
	if d, ok := stats.DistinctValues[n.Column]; ok && d > 0 {
		sel = 1.0 / float64(d)
	}
	rows := scaleRows(stats.Rows, sel)
	c := CostEstimate{
		CPU:   m.IndexLookupCost + float64(rows)*m.CPUOperationCost,
		IO:    float64(rows) * m.IOPageCost * 0.1,
		Rows:  rows,
		Width: stats.AvgRowWidth,
	}
	return c.finish()
}

func (m *CostModel) estimateJoin(n *Join, cat catalog.Catalog) CostEstimate {
	left := m.Estimate(n.Left, cat)
	right := m.Estimate(n.Right, cat)

	var joinCPU float64
	var joinMem float64
	switch n.Algo {
	case JoinHash:
		joinCPU = float64(left.Rows+right.Rows) * m.CPUOperationCost * hashJoinFactor
		joinMem = float64(right.Rows) * float64(right.Width) * m.MemoryByteCost
	case JoinMerge:
		joinCPU = float64(left.Rows+right.Rows) * m.CPUOperationCost * mergeJoinFactor
	default:
		// The left input drives the loop and pays a per-iteration cost; the
		// right input is materialized and rescanned per outer row. The model
		// is asymmetric so that swapping the inputs changes the estimate.
		joinCPU = float64(left.Rows)*float64(right.Rows)*m.CPUOperationCost*nestedLoopFactor +
			float64(left.Rows)*m.CPUOperationCost
		joinMem = float64(right.Rows) * float64(right.Width) * m.MemoryByteCost
	}

	rows := scaleRows(left.Rows*right.Rows, eqSelectivity)
	if n.On == nil {
		rows = left.Rows * right.Rows // cross join
	}
	if n.Type == ast.JoinLeft && rows < left.Rows {
		rows = left.Rows // every left row appears at least once
	}

	c := CostEstimate{
		CPU:    left.CPU + right.CPU + joinCPU,
		IO:     left.IO + right.IO,
		Memory: left.Memory + right.Memory + joinMem,
		Rows:   rows,
		Width:  left.Width + right.Width,
	}
	return c.finish()
}

func tableStats(cat catalog.Catalog, table string) catalog.TableStats {
	stats, err := cat.GetStats(table)
	if err != nil {
		return catalog.TableStats{Rows: 1000, Pages: 100, AvgRowWidth: 256}
	}
	return stats
}

func scaleRows(rows int64, sel float64) int64 {
	out := int64(float64(rows) * sel)
	if out < 1 {
		out = 1
	}
	return out
}

func sortCPU(rows int64, perOp float64) float64 {
	if rows < 2 {
		return perOp
	}
	n := float64(rows)
	return n * math.Log2(n) * perOp
}

// selectivity guesses the fraction of rows a predicate keeps.
func selectivity(e ast.Expression) float64 {
	switch x := e.(type) {
	case *ast.BinaryExpr:
		switch x.Op {
		case ast.OpEq:
			return eqSelectivity
		case ast.OpNotEq:
			return 1 - eqSelectivity
		case ast.OpLt, ast.OpLtEq, ast.OpGt, ast.OpGtEq:
			return rangeSelectivity
		case ast.OpAnd:
			return selectivity(x.Left) * selectivity(x.Right)
		case ast.OpOr:
			s := selectivity(x.Left) + selectivity(x.Right)
			if s > 1 {
				s = 1
			}
			return s
		}
	case *ast.NotExpr:
		return 1 - selectivity(x.Input)
	}
	return 1.0
}
