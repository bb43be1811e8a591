// Package engine is the facade tying the layers together: statements come in
// as AST, flow through the planner and optimizer, and run on the executor
// against MVCC storage. DML statements skip planning and hit the store
// directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/executor"
	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/optimizer"
	"github.com/calyxdb/calyx/internal/planner"
	"github.com/calyxdb/calyx/internal/storage"
	"github.com/calyxdb/calyx/internal/value"
)

var (
	// ErrNoRows means a DML statement matched no rows.
	ErrNoRows = errors.New("engine: no rows matched")
	// ErrBadStatement means the statement shape is invalid.
	ErrBadStatement = errors.New("engine: bad statement")
)

// Options configures an engine instance.
type Options struct {
	// DataDir holds the write-ahead log and checkpoint snapshot.
	DataDir string
	// Optimizer overrides the stock optimizer settings.
	Optimizer optimizer.Config
	// DefaultIsolation is used by the autocommit path.
	DefaultIsolation mvcc.IsolationLevel
	// Logger receives engine lifecycle messages. Defaults to stderr.
	Logger *log.Logger
}

// QueryResult is the outcome of one statement.
type QueryResult struct {
	Columns      []string
	Rows         []value.Row
	RowsAffected int64
	Duration     time.Duration
}

// Engine owns the storage, planning and execution layers.
type Engine struct {
	store   *storage.Store
	catalog *catalog.MemCatalog
	planner *planner.Planner
	opt     *optimizer.Optimizer
	exec    *executor.Executor
	defIso  mvcc.IsolationLevel
	logger  *log.Logger
}

// Open recovers the store from the data directory and assembles the engine.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory required", ErrBadStatement)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "calyx: ", log.LstdFlags)
	}

	store, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	cat := catalog.NewMemCatalog()
	cfg := opts.Optimizer
	if cfg.MaxOptimizationTime == 0 && cfg.MaxAlternativePlans == 0 {
		cfg = optimizer.DefaultConfig()
	}
	opt, err := optimizer.New(cat, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	exec, err := executor.New(store, cat)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Printf("opened data dir %s, last LSN %d", opts.DataDir, store.Log().LastLSN())
	return &Engine{
		store:   store,
		catalog: cat,
		planner: planner.New(cat),
		opt:     opt,
		exec:    exec,
		defIso:  opts.DefaultIsolation,
		logger:  logger,
	}, nil
}

// Close flushes and closes the underlying store.
func (e *Engine) Close() error {
	e.exec.Close()
	return e.store.Close()
}

// Catalog exposes the metadata store for DDL.
func (e *Engine) Catalog() *catalog.MemCatalog { return e.catalog }

// CreateTable registers a table in the catalog.
func (e *Engine) CreateTable(name string, columns []catalog.Column) error {
	return e.catalog.CreateTable(name, columns)
}

// CreateIndex registers a secondary index in the catalog.
func (e *Engine) CreateIndex(table string, idx catalog.Index) error {
	return e.catalog.CreateIndex(table, idx)
}

// Begin starts a transaction at the given isolation level.
func (e *Engine) Begin(level mvcc.IsolationLevel) (*mvcc.Transaction, error) {
	return e.store.Txns().Begin(level)
}

// Commit commits the transaction, or aborts it on a write conflict.
func (e *Engine) Commit(txn *mvcc.Transaction) error {
	return e.store.Txns().Commit(txn)
}

// Rollback aborts the transaction.
func (e *Engine) Rollback(txn *mvcc.Transaction) error {
	return e.store.Txns().Rollback(txn)
}

// Exec runs one statement in its own transaction at the default isolation
// level, committing on success.
func (e *Engine) Exec(ctx context.Context, stmt ast.Statement) (*QueryResult, error) {
	txn, err := e.Begin(e.defIso)
	if err != nil {
		return nil, err
	}
	res, err := e.Execute(ctx, txn, stmt)
	if err != nil {
		e.store.Txns().Rollback(txn)
		return res, err
	}
	if err := e.Commit(txn); err != nil {
		return res, err
	}
	return res, nil
}

// Execute runs one statement inside an open transaction. ReadCommitted
// transactions get a fresh snapshot at each statement.
func (e *Engine) Execute(ctx context.Context, txn *mvcc.Transaction, stmt ast.Statement) (*QueryResult, error) {
	e.store.Txns().RefreshSnapshot(txn)

	switch s := stmt.(type) {
	case *ast.SelectStatement:
		return e.executeSelect(ctx, txn, s)
	case *ast.InsertStatement:
		return e.executeInsert(txn, s)
	case *ast.UpdateStatement:
		return e.executeUpdate(txn, s)
	case *ast.DeleteStatement:
		return e.executeDelete(txn, s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadStatement, stmt)
	}
}

func (e *Engine) executeSelect(ctx context.Context, txn *mvcc.Transaction, stmt *ast.SelectStatement) (*QueryResult, error) {
	tree, err := e.planner.Plan(stmt)
	if err != nil {
		return nil, err
	}
	optimized, err := e.opt.Optimize(tree, nil)
	if err != nil {
		return nil, err
	}

	result, err := e.exec.Execute(ctx, optimized, txn)
	if err != nil {
		return nil, err
	}

	e.opt.LearnFromExecution(optimized, optimizer.RuntimeStatistics{
		Rows:        result.Stats.Rows,
		Batches:     result.Stats.Batches,
		Duration:    result.Stats.Duration,
		MemoryBytes: result.Stats.MemoryBytes,
	})

	cols := make([]string, len(result.Schema))
	for i, c := range result.Schema {
		cols[i] = c.Name
	}
	return &QueryResult{
		Columns:  cols,
		Rows:     result.Rows,
		Duration: result.Stats.Duration,
	}, nil
}

// Explain returns the optimized plan rendering without running it.
func (e *Engine) Explain(stmt *ast.SelectStatement) (string, error) {
	tree, err := e.planner.Plan(stmt)
	if err != nil {
		return "", err
	}
	optimized, err := e.opt.Optimize(tree, nil)
	if err != nil {
		return "", err
	}
	return optimized.Explain(), nil
}

// rowKey derives the storage key from the primary key value, which is always
// the table's first column. The encoded form is unique per value.
func rowKey(v value.Value) (string, error) {
	if v.IsNull() {
		return "", fmt.Errorf("%w: primary key must not be NULL", ErrBadStatement)
	}
	return string(value.Row{v}.Encode()), nil
}

func (e *Engine) executeInsert(txn *mvcc.Transaction, stmt *ast.InsertStatement) (*QueryResult, error) {
	cols, err := e.catalog.GetColumns(stmt.Table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStatement, err)
	}

	// Map the statement's column list onto table positions; an empty list
	// means values arrive in schema order.
	positions := make([]int, 0, len(stmt.Columns))
	if len(stmt.Columns) == 0 {
		for i := range cols {
			positions = append(positions, i)
		}
	} else {
		for _, name := range stmt.Columns {
			idx := -1
			for i, c := range cols {
				if c.Name == name {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("%w: column %q not in table %q", ErrBadStatement, name, stmt.Table)
			}
			positions = append(positions, idx)
		}
	}

	start := time.Now()
	var affected int64
	for _, exprs := range stmt.Rows {
		if len(exprs) != len(positions) {
			return nil, fmt.Errorf("%w: %d values for %d columns", ErrBadStatement, len(exprs), len(positions))
		}
		row := make(value.Row, len(cols))
		for i := range row {
			row[i] = value.Null()
		}
		for i, expr := range exprs {
			v, err := executor.Eval(expr, nil, nil)
			if err != nil {
				return nil, err
			}
			row[positions[i]] = v
		}

		key, err := rowKey(row[0])
		if err != nil {
			return nil, err
		}
		if err := e.store.InsertRow(txn, stmt.Table, key, row); err != nil {
			return nil, err
		}
		affected++
	}
	return &QueryResult{RowsAffected: affected, Duration: time.Since(start)}, nil
}

// matchingRows scans the table and returns the visible rows passing the WHERE
// clause, with their storage keys.
func (e *Engine) matchingRows(txn *mvcc.Transaction, table string, where ast.Expression) ([]storage.KeyRow, executor.Schema, error) {
	cols, err := e.catalog.GetColumns(table)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadStatement, err)
	}
	schema := make(executor.Schema, len(cols))
	for i, c := range cols {
		schema[i] = executor.Column{Table: table, Name: c.Name}
	}

	all, err := e.store.Scan(txn, table)
	if err != nil {
		return nil, nil, err
	}
	if where == nil {
		return all, schema, nil
	}

	matched := all[:0]
	for _, kr := range all {
		v, err := executor.Eval(where, kr.Row, schema)
		if err != nil {
			return nil, nil, err
		}
		if v.Kind() == value.KindBool && v.Bool() {
			matched = append(matched, kr)
		}
	}
	return matched, schema, nil
}

func (e *Engine) executeUpdate(txn *mvcc.Transaction, stmt *ast.UpdateStatement) (*QueryResult, error) {
	start := time.Now()
	matched, schema, err := e.matchingRows(txn, stmt.Table, stmt.Where)
	if err != nil {
		return nil, err
	}

	var affected int64
	for _, kr := range matched {
		updated := kr.Row.Clone()
		for _, a := range stmt.Assignments {
			idx, err := schema.Resolve(&ast.ColumnRef{Column: a.Column})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadStatement, err)
			}
			v, err := executor.Eval(a.Expr, kr.Row, schema)
			if err != nil {
				return nil, err
			}
			updated[idx] = v
		}
		if err := e.store.UpdateRow(txn, stmt.Table, kr.Key, updated); err != nil {
			return nil, err
		}
		affected++
	}
	return &QueryResult{RowsAffected: affected, Duration: time.Since(start)}, nil
}

func (e *Engine) executeDelete(txn *mvcc.Transaction, stmt *ast.DeleteStatement) (*QueryResult, error) {
	start := time.Now()
	matched, _, err := e.matchingRows(txn, stmt.Table, stmt.Where)
	if err != nil {
		return nil, err
	}

	var affected int64
	for _, kr := range matched {
		if err := e.store.DeleteRow(txn, stmt.Table, kr.Key); err != nil {
			return nil, err
		}
		affected++
	}
	return &QueryResult{RowsAffected: affected, Duration: time.Since(start)}, nil
}

// Checkpoint snapshots committed state and truncates the log.
func (e *Engine) Checkpoint() error {
	if err := e.store.Checkpoint(); err != nil {
		return err
	}
	e.logger.Printf("checkpoint complete, last LSN %d", e.store.Log().LastLSN())
	return nil
}

// Vacuum removes row versions no active or future snapshot can see.
func (e *Engine) Vacuum() int {
	n := e.store.Vacuum()
	if n > 0 {
		e.logger.Printf("vacuum removed %d dead versions", n)
	}
	return n
}

// OptimizerStats reports per-rule effectiveness counters.
func (e *Engine) OptimizerStats() []optimizer.RuleStats {
	return e.opt.Stats()
}

// OptimizerSummary reports the optimizer's activity totals.
func (e *Engine) OptimizerSummary() optimizer.Summary {
	return e.opt.Summarize()
}
