// Package executor runs optimized plan trees with a pull-based operator
// model: each operator produces row batches on demand from its children.
// Queries move through an explicit lifecycle and honor cooperative
// cancellation between batches.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/plan"
	"github.com/calyxdb/calyx/internal/storage"
	"github.com/calyxdb/calyx/internal/value"
)

var (
	// ErrExecution wraps operator failures during a run.
	ErrExecution = errors.New("executor: execution failed")
	// ErrCancelled means the query was cancelled between batches.
	ErrCancelled = errors.New("executor: query cancelled")
	// ErrTimeout means the query exceeded its deadline.
	ErrTimeout = errors.New("executor: query timed out")
	// ErrUnsupported marks plan features the executor cannot run.
	ErrUnsupported = errors.New("executor: unsupported plan feature")
)

// Column identifies one output column, optionally table-qualified.
type Column struct {
	Table string
	Name  string
}

// Schema is the ordered column list an operator produces.
type Schema []Column

// Batch is a unit of rows flowing between operators.
type Batch struct {
	Rows []value.Row
}

// Operator is one node of the running pipeline. Next returns (nil, nil) when
// the operator is exhausted.
type Operator interface {
	Init() error
	Next(ctx context.Context) (*Batch, error)
	Close() error
	Schema() Schema
}

// State is the query lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateFinished
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// env carries the per-query execution environment down the operator tree.
// batchSize is atomic: the adaptive loop retunes it mid-query.
type env struct {
	store     *storage.Store
	catalog   catalog.Catalog
	txn       *mvcc.Transaction
	batchSize atomic.Int32
	parallel  bool
	pool      *scanPool
}

func (e *env) batch() int { return int(e.batchSize.Load()) }

// Stats summarizes one query execution.
type Stats struct {
	Rows     int64
	Batches  int
	Duration time.Duration
	// MemoryBytes estimates the materialized output size from the plan's
	// row width.
	MemoryBytes int64
}

// Result is a fully drained query output.
type Result struct {
	QueryID uuid.UUID
	Schema  Schema
	Rows    []value.Row
	Stats   Stats
	State   State
}

// Executor builds and runs operator pipelines against a store.
type Executor struct {
	store   *storage.Store
	catalog catalog.Catalog
	pool    *scanPool
}

// New creates an executor. The scan pool is shared by all queries.
func New(store *storage.Store, cat catalog.Catalog) (*Executor, error) {
	pool, err := newScanPool()
	if err != nil {
		return nil, err
	}
	return &Executor{store: store, catalog: cat, pool: pool}, nil
}

// Close releases the executor's worker pool.
func (e *Executor) Close() {
	e.pool.release()
}

// Execute runs the tree to completion within the transaction and returns the
// drained result. Cancellation and deadline are taken from ctx and checked
// between batches; a cancelled query closes its operators before returning.
func (e *Executor) Execute(ctx context.Context, tree *plan.Tree, txn *mvcc.Transaction) (*Result, error) {
	result := &Result{QueryID: uuid.New(), State: StateCreated}

	hints := tree.Hints
	if hints.BatchSize <= 0 {
		hints = plan.DefaultHints()
	}
	runEnv := &env{
		store:    e.store,
		catalog:  e.catalog,
		txn:      txn,
		parallel: hints.ParallelScan,
		pool:     e.pool,
	}
	runEnv.batchSize.Store(int32(hints.BatchSize))

	root, err := e.build(tree.Root, runEnv)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	defer root.Close()

	if err := root.Init(); err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("%w: init: %v", ErrExecution, err)
	}
	result.State = StateInitialized
	result.Schema = root.Schema()

	result.State = StateRunning
	start := time.Now()
	sampler := newSampler(tree, hints, runEnv)

	for {
		if err := ctx.Err(); err != nil {
			result.State = StateCancelled
			if errors.Is(err, context.DeadlineExceeded) {
				return result, fmt.Errorf("%w: after %d rows", ErrTimeout, result.Stats.Rows)
			}
			return result, fmt.Errorf("%w: after %d rows", ErrCancelled, result.Stats.Rows)
		}

		batch, err := root.Next(ctx)
		if err != nil {
			result.State = StateFailed
			return result, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		if batch == nil {
			break
		}

		result.Rows = append(result.Rows, batch.Rows...)
		result.Stats.Rows += int64(len(batch.Rows))
		result.Stats.Batches++
		sampler.observe(result.Stats)
	}

	result.Stats.Duration = time.Since(start)
	result.Stats.MemoryBytes = result.Stats.Rows * int64(tree.Cost.Width)
	result.State = StateFinished
	return result, nil
}

// sampler is the adaptive execution loop: at fixed batch intervals it
// compares observed output against the estimate and retunes the batch size
// for the remaining work. Completed work is never revisited.
type sampler struct {
	env      *env
	interval int
	estimate int64
}

func newSampler(tree *plan.Tree, hints plan.Hints, runEnv *env) *sampler {
	if tree.Mode != plan.ModeAdaptive || hints.SampleEveryBatches <= 0 {
		return &sampler{}
	}
	return &sampler{env: runEnv, interval: hints.SampleEveryBatches, estimate: tree.Cost.Rows}
}

func (s *sampler) observe(stats Stats) {
	if s.env == nil || stats.Batches == 0 || stats.Batches%s.interval != 0 {
		return
	}
	current := int64(s.env.batch())
	switch {
	case s.estimate > 0 && stats.Rows > s.estimate:
		// Producing more than estimated: bigger batches cut per-batch
		// overhead for the rest of the query.
		s.env.batchSize.Store(int32(clampBatch(int(current * 2))))
	case stats.Rows < current:
		s.env.batchSize.Store(int32(clampBatch(int(current / 2))))
	}
}

func clampBatch(n int) int {
	const minBatch, maxBatch = 16, 1024
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return n
}

// Resolve finds the index of a column reference in the schema. Unqualified
// references must match exactly one column.
func (s Schema) Resolve(ref *ast.ColumnRef) (int, error) {
	if ref.Table != "" {
		for i, c := range s {
			if c.Table == ref.Table && c.Name == ref.Column {
				return i, nil
			}
		}
		return 0, fmt.Errorf("column %s.%s not in schema", ref.Table, ref.Column)
	}
	found := -1
	for i, c := range s {
		if c.Name == ref.Column {
			if found >= 0 {
				return 0, fmt.Errorf("column %s is ambiguous", ref.Column)
			}
			found = i
		}
	}
	if found < 0 {
		return 0, fmt.Errorf("column %s not in schema", ref.Column)
	}
	return found, nil
}
