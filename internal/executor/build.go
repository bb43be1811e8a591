package executor

import (
	"fmt"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/plan"
)

// build turns a plan subtree into its operator pipeline.
func (e *Executor) build(n plan.Node, runEnv *env) (Operator, error) {
	switch x := n.(type) {
	case *plan.SeqScan:
		return newSeqScan(runEnv, x.Table, x.Filter), nil

	case *plan.IndexScan:
		return newIndexScan(runEnv, x.Table, x.Column, x.Equal), nil

	case *plan.Filter:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		return &filterOp{input: input, predicate: x.Predicate}, nil

	case *plan.Project:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		if x.Star {
			return input, nil // pass-through
		}
		return newProject(input, x.Exprs, x.Names), nil

	case *plan.Join:
		return e.buildJoin(x, runEnv)

	case *plan.Aggregate:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		return &aggregateOp{
			input:   input,
			groupBy: x.GroupBy,
			aggs:    x.Aggs,
			having:  x.Having,
			batch:   runEnv.batch,
		}, nil

	case *plan.Window:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		return &windowOp{input: input, items: x.Items, batch: runEnv.batch}, nil

	case *plan.Sort:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		return &sortOp{input: input, keys: x.Keys, batch: runEnv.batch}, nil

	case *plan.Limit:
		input, err := e.build(x.Input, runEnv)
		if err != nil {
			return nil, err
		}
		return &limitOp{input: input, count: x.Count, offset: x.Offset}, nil

	default:
		return nil, fmt.Errorf("%w: plan node %T", ErrUnsupported, n)
	}
}

func (e *Executor) buildJoin(x *plan.Join, runEnv *env) (Operator, error) {
	switch x.Type {
	case ast.JoinInner, ast.JoinLeft, ast.JoinCross:
	default:
		return nil, fmt.Errorf("%w: %s join", ErrUnsupported, x.Type)
	}

	left, err := e.build(x.Left, runEnv)
	if err != nil {
		return nil, err
	}
	right, err := e.build(x.Right, runEnv)
	if err != nil {
		return nil, err
	}

	switch x.Algo {
	case plan.JoinHash:
		hj := &hashJoin{
			left: left, right: right,
			joinType: x.Type, on: x.On,
			batch: runEnv.batch,
		}
		// Build on the smaller estimated input. LEFT joins must probe from
		// the left so unmatched rows can be padded.
		if x.Type == ast.JoinInner {
			model := plan.DefaultCostModel()
			leftRows := model.Estimate(x.Left, e.catalog).Rows
			rightRows := model.Estimate(x.Right, e.catalog).Rows
			hj.buildLeft = leftRows < rightRows
		}
		return hj, nil
	case plan.JoinMerge:
		return &mergeJoin{
			left: left, right: right,
			joinType: x.Type, on: x.On,
			batch: runEnv.batch,
		}, nil
	default:
		return &nestedLoopJoin{
			left: left, right: right,
			joinType: x.Type, on: x.On,
			batch: runEnv.batch,
		}, nil
	}
}
