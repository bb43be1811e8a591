// Package optimizer improves baseline plan trees through a staged pipeline:
// heuristic rewrites, cost-based alternative generation, confidence-weighted
// selection, and an adaptive pass that tunes execution hints from observed
// runtime statistics. The whole pipeline runs under a time budget; when it
// expires the best plan found so far is returned.
package optimizer

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/plan"
)

// Config tunes the optimizer.
type Config struct {
	// MaxOptimizationTime bounds one Optimize call. Expiry is not an
	// error: the best plan found so far wins.
	MaxOptimizationTime time.Duration
	// MaxAlternativePlans caps stage-two plan generation.
	MaxAlternativePlans int
	// EnableAdaptive lets plans run in adaptive execution mode.
	EnableAdaptive bool
	// EnableLearning keeps per-rule effectiveness statistics from
	// execution feedback.
	EnableLearning bool
	// Scorer overrides the stock confidence-weighted cost scoring when
	// set, e.g. with a learned model. It receives the candidate root and
	// its cost estimate and returns a comparable score, lower is better.
	Scorer func(root plan.Node, cost plan.CostEstimate) float64
}

// DefaultConfig returns the stock optimizer settings.
func DefaultConfig() Config {
	return Config{
		MaxOptimizationTime: time.Second,
		MaxAlternativePlans: 10,
		EnableAdaptive:      true,
		EnableLearning:      true,
	}
}

// RuntimeStatistics is execution feedback for a previously optimized plan.
type RuntimeStatistics struct {
	Rows        int64
	Batches     int
	Duration    time.Duration
	MemoryBytes int64
}

// Optimizer rewrites plan trees. Safe for concurrent use.
type Optimizer struct {
	config  Config
	catalog catalog.Catalog
	model   *plan.CostModel
	cache   *planCache
	rules   *ruleBook
	// feedback remembers actual row counts per plan fingerprint so the
	// next optimization of the same plan corrects its estimates.
	feedback *lru.Cache[uint64, int64]

	optimizations atomic.Int64
	cacheHits     atomic.Int64
}

// New creates an optimizer over the catalog.
func New(cat catalog.Catalog, cfg Config) (*Optimizer, error) {
	if cfg.MaxOptimizationTime <= 0 {
		cfg.MaxOptimizationTime = time.Second
	}
	if cfg.MaxAlternativePlans <= 0 {
		cfg.MaxAlternativePlans = 10
	}
	cache, err := newPlanCache()
	if err != nil {
		return nil, fmt.Errorf("optimizer: plan cache: %w", err)
	}
	feedback, err := lru.New[uint64, int64](1024)
	if err != nil {
		return nil, fmt.Errorf("optimizer: feedback cache: %w", err)
	}
	return &Optimizer{
		config:   cfg,
		catalog:  cat,
		model:    plan.DefaultCostModel(),
		cache:    cache,
		rules:    newRuleBook(),
		feedback: feedback,
	}, nil
}

// candidate is a plan variant with the optimizer's confidence in its cost
// estimate.
type candidate struct {
	root       plan.Node
	confidence float64
}

// score weights the estimated cost by estimate confidence: a cheap plan the
// optimizer barely trusts loses to a slightly dearer one it trusts fully.
func (o *Optimizer) score(c candidate) float64 {
	cost := o.model.Estimate(c.root, o.catalog)
	if o.config.Scorer != nil {
		return o.config.Scorer(c.root, cost)
	}
	return cost.Total * (1 + (1 - c.confidence))
}

// Optimize rewrites the tree and returns an optimized copy. The input is
// never mutated. stats may be nil when no runtime feedback exists yet.
func (o *Optimizer) Optimize(tree *plan.Tree, stats *RuntimeStatistics) (*plan.Tree, error) {
	if tree == nil || tree.Root == nil {
		return nil, fmt.Errorf("optimizer: empty plan")
	}
	deadline := time.Now().Add(o.config.MaxOptimizationTime)
	cacheKey := tree.Fingerprint()
	o.optimizations.Add(1)

	if cached, ok := o.cache.get(cacheKey); ok {
		o.cacheHits.Add(1)
		return o.adaptAndFinalize(cached, stats)
	}

	// Stage 1: heuristic rewrites to fixpoint.
	best := candidate{root: o.rewrite(tree.Root.Clone(), deadline), confidence: 0.9}

	// Stage 2: cost-based alternatives.
	if time.Now().Before(deadline) {
		alternatives := o.generateAlternatives(best.root, o.config.MaxAlternativePlans, deadline)

		// Stage 3: confidence-weighted selection.
		for _, alt := range alternatives {
			if o.score(alt) < o.score(best) {
				best = alt
			}
		}
	}

	out := tree.Clone()
	out.Root = best.root

	// Fold stored cardinality feedback in when the caller has none.
	if stats == nil {
		if rows, ok := o.feedback.Get(out.Fingerprint()); ok {
			stats = &RuntimeStatistics{Rows: rows}
		}
	}

	result, err := o.adaptAndFinalize(out, stats)
	if err != nil {
		return nil, err
	}
	o.rules.recordApplied(result.Fingerprint())
	o.cache.put(cacheKey, result)
	return result, nil
}

// adaptAndFinalize runs stages 4 and 5: the hints-only adaptive pass, then
// validation and cost stamping.
func (o *Optimizer) adaptAndFinalize(tree *plan.Tree, stats *RuntimeStatistics) (*plan.Tree, error) {
	out := tree.Clone()
	o.applyAdaptiveHints(out, stats)

	// Stage 5: a rewritten plan must still be structurally sound.
	if err := plan.Validate(out.Root, o.catalog); err != nil {
		return nil, fmt.Errorf("optimizer: produced invalid plan: %w", err)
	}
	out.Cost = o.model.Estimate(out.Root, o.catalog)
	out.Optimized = true
	return out, nil
}

// applyAdaptiveHints is the stage-four pass. It only ever touches execution
// hints and mode; the operator tree is immutable from here on.
func (o *Optimizer) applyAdaptiveHints(tree *plan.Tree, stats *RuntimeStatistics) {
	if tree.Hints.BatchSize == 0 {
		tree.Hints = plan.DefaultHints()
	}
	if !o.config.EnableAdaptive {
		tree.Mode = plan.ModeSequential
		tree.Hints.SampleEveryBatches = 0
		return
	}
	tree.Mode = plan.ModeAdaptive
	if tree.Hints.SampleEveryBatches == 0 {
		tree.Hints.SampleEveryBatches = plan.DefaultHints().SampleEveryBatches
	}
	if stats == nil {
		return
	}

	// Roughly a buffer pool's worth of materialized rows; past this the
	// run is memory-bound and smaller batches relieve pressure.
	const memoryBudgetBytes = 64 << 20

	estimate := o.model.Estimate(tree.Root, o.catalog)
	switch {
	case stats.MemoryBytes > memoryBudgetBytes:
		tree.Hints.BatchSize = clampBatch(tree.Hints.BatchSize / 2)
		tree.Hints.ParallelScan = false
	case stats.Rows > estimate.Rows*2:
		// The plan produced far more rows than estimated: amortize
		// per-batch overhead and let scans fan out.
		tree.Hints.BatchSize = clampBatch(tree.Hints.BatchSize * 2)
		tree.Hints.ParallelScan = true
	case estimate.Rows > 2*stats.Rows:
		tree.Hints.BatchSize = clampBatch(tree.Hints.BatchSize / 2)
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

// LearnFromExecution records execution feedback: actual cardinality per
// fingerprint for estimate correction, and rule effectiveness for the
// learning loop.
func (o *Optimizer) LearnFromExecution(tree *plan.Tree, stats RuntimeStatistics) {
	o.feedback.Add(tree.Fingerprint(), stats.Rows)
	if !o.config.EnableLearning {
		return
	}

	// Improvement ratio: how much cheaper the run was than estimated.
	// Ratios use row counts as the common unit between estimate and
	// observation.
	actual := stats.Rows
	if actual < 1 {
		actual = 1
	}
	ratio := float64(tree.Cost.Rows) / float64(actual)
	o.rules.learn(tree, ratio)
}

// RuleStats exposes the learned effectiveness of one rewrite rule.
type RuleStats struct {
	Name         string
	Applications int
	Confidence   float64
}

// Stats returns a snapshot of the optimizer's learned rule statistics.
func (o *Optimizer) Stats() []RuleStats {
	return o.rules.snapshot()
}

// Summary aggregates the optimizer's activity counters.
type Summary struct {
	Optimizations int64
	CacheHits     int64
	LearnedRules  int
	// AvgConfidence averages the learned rules' confidence scores, zero
	// when nothing has been learned yet.
	AvgConfidence float64
}

// Summarize reports totals since the optimizer was created.
func (o *Optimizer) Summarize() Summary {
	rules := o.rules.snapshot()
	s := Summary{
		Optimizations: o.optimizations.Load(),
		CacheHits:     o.cacheHits.Load(),
		LearnedRules:  len(rules),
	}
	if len(rules) > 0 {
		var sum float64
		for _, r := range rules {
			sum += r.Confidence
		}
		s.AvgConfidence = sum / float64(len(rules))
	}
	return s
}
