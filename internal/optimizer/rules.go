package optimizer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/plan"
	"github.com/calyxdb/calyx/internal/value"
)

// Heuristic rewrite rule names, also the keys of the learning loop.
const (
	ruleConstantFolding  = "constant_folding"
	ruleFilterMerge      = "filter_merge"
	rulePushdown         = "predicate_pushdown"
	ruleProjectionElim   = "projection_elimination"
	maxRewriteIterations = 10
)

// rewrite applies the heuristic rules to fixpoint, bounded by iteration
// count and the stage deadline. The input subtree is owned by the caller's
// clone and may be mutated freely.
func (o *Optimizer) rewrite(root plan.Node, deadline time.Time) plan.Node {
	for i := 0; i < maxRewriteIterations; i++ {
		if !time.Now().Before(deadline) {
			break
		}
		changed := false
		if o.rules.enabled(ruleConstantFolding) {
			var c bool
			root, c = foldConstants(root)
			changed = changed || c
			o.rules.noteApplied(ruleConstantFolding, c)
		}
		if o.rules.enabled(ruleFilterMerge) {
			var c bool
			root, c = mergeFilters(root)
			changed = changed || c
			o.rules.noteApplied(ruleFilterMerge, c)
		}
		if o.rules.enabled(rulePushdown) {
			var c bool
			root, c = pushDownFilters(root)
			changed = changed || c
			o.rules.noteApplied(rulePushdown, c)
		}
		if o.rules.enabled(ruleProjectionElim) {
			var c bool
			root, c = dropIdentityProjections(root)
			changed = changed || c
			o.rules.noteApplied(ruleProjectionElim, c)
		}
		if !changed {
			break
		}
	}
	return root
}

// rewriteChildren applies f to each child in place and reports change.
func rewriteChildren(n plan.Node, f func(plan.Node) (plan.Node, bool)) bool {
	changed := false
	apply := func(c plan.Node) plan.Node {
		out, ch := f(c)
		changed = changed || ch
		return out
	}
	switch x := n.(type) {
	case *plan.Filter:
		x.Input = apply(x.Input)
	case *plan.Project:
		x.Input = apply(x.Input)
	case *plan.Join:
		x.Left = apply(x.Left)
		x.Right = apply(x.Right)
	case *plan.Aggregate:
		x.Input = apply(x.Input)
	case *plan.Window:
		x.Input = apply(x.Input)
	case *plan.Sort:
		x.Input = apply(x.Input)
	case *plan.Limit:
		x.Input = apply(x.Input)
	}
	return changed
}

// mergeFilters collapses stacked Filter nodes into one conjunction.
func mergeFilters(n plan.Node) (plan.Node, bool) {
	changed := rewriteChildren(n, mergeFilters)
	f, ok := n.(*plan.Filter)
	if !ok {
		return n, changed
	}
	inner, ok := f.Input.(*plan.Filter)
	if !ok {
		return n, changed
	}
	return &plan.Filter{
		Input:     inner.Input,
		Predicate: conjoin(inner.Predicate, f.Predicate),
	}, true
}

// pushDownFilters moves predicates toward the scans that can evaluate them.
// A conjunct whose columns all come from one side of a join moves below the
// join; a predicate directly above a sequential scan merges into the scan.
func pushDownFilters(n plan.Node) (plan.Node, bool) {
	changed := rewriteChildren(n, pushDownFilters)
	f, ok := n.(*plan.Filter)
	if !ok {
		return n, changed
	}

	switch input := f.Input.(type) {
	case *plan.SeqScan:
		input.Filter = conjoin(input.Filter, f.Predicate)
		return input, true
	case *plan.Join:
		return pushIntoJoin(f, input)
	}
	return n, changed
}

func pushIntoJoin(f *plan.Filter, join *plan.Join) (plan.Node, bool) {
	leftTables := tableSet(join.Left)
	rightTables := tableSet(join.Right)

	var kept, toLeft, toRight []ast.Expression
	for _, conj := range splitAnd(f.Predicate) {
		switch {
		case referencesOnly(conj, leftTables):
			toLeft = append(toLeft, conj)
		case referencesOnly(conj, rightTables) && join.Type == ast.JoinInner:
			// Filtering the right input of a LEFT join before padding
			// would change which rows get padded, so only inner joins
			// push right.
			toRight = append(toRight, conj)
		default:
			kept = append(kept, conj)
		}
	}
	if len(toLeft) == 0 && len(toRight) == 0 {
		return f, false
	}

	if len(toLeft) > 0 {
		join.Left = &plan.Filter{Input: join.Left, Predicate: conjoinAll(toLeft)}
	}
	if len(toRight) > 0 {
		join.Right = &plan.Filter{Input: join.Right, Predicate: conjoinAll(toRight)}
	}
	if len(kept) == 0 {
		return join, true
	}
	return &plan.Filter{Input: join, Predicate: conjoinAll(kept)}, true
}

// dropIdentityProjections removes pass-through Project(*) nodes.
func dropIdentityProjections(n plan.Node) (plan.Node, bool) {
	changed := rewriteChildren(n, dropIdentityProjections)
	if p, ok := n.(*plan.Project); ok && p.Star {
		return p.Input, true
	}
	return n, changed
}

// foldConstants evaluates constant subexpressions in every node predicate.
func foldConstants(n plan.Node) (plan.Node, bool) {
	changed := rewriteChildren(n, foldConstants)
	fold := func(e ast.Expression) ast.Expression {
		out, c := foldExpr(e)
		changed = changed || c
		return out
	}
	switch x := n.(type) {
	case *plan.SeqScan:
		if x.Filter != nil {
			x.Filter = fold(x.Filter)
		}
	case *plan.Filter:
		x.Predicate = fold(x.Predicate)
	case *plan.Project:
		for i := range x.Exprs {
			x.Exprs[i] = fold(x.Exprs[i])
		}
	case *plan.Join:
		if x.On != nil {
			x.On = fold(x.On)
		}
	case *plan.Aggregate:
		if x.Having != nil {
			x.Having = fold(x.Having)
		}
	}
	return n, changed
}

func foldExpr(e ast.Expression) (ast.Expression, bool) {
	b, ok := e.(*ast.BinaryExpr)
	if !ok {
		return e, false
	}
	left, lc := foldExpr(b.Left)
	right, rc := foldExpr(b.Right)
	changed := lc || rc
	if changed {
		b = &ast.BinaryExpr{Op: b.Op, Left: left, Right: right}
	}

	ll, lok := left.(*ast.Literal)
	rl, rok := right.(*ast.Literal)
	if !lok || !rok {
		return b, changed
	}

	folded, ok := foldLiterals(b.Op, ll.Value, rl.Value)
	if !ok {
		return b, changed
	}
	return &ast.Literal{Value: folded}, true
}

func foldLiterals(op ast.BinaryOp, l, r value.Value) (value.Value, bool) {
	switch op {
	case ast.OpAdd:
		v, err := l.Add(r)
		return v, err == nil
	case ast.OpSub:
		v, err := l.Sub(r)
		return v, err == nil
	case ast.OpMul:
		v, err := l.Mul(r)
		return v, err == nil
	case ast.OpDiv:
		v, err := l.Div(r)
		return v, err == nil
	}
	if op.IsComparison() {
		cmp, err := l.Compare(r)
		if err != nil {
			return value.Null(), false
		}
		var res bool
		switch op {
		case ast.OpEq:
			res = cmp == 0
		case ast.OpNotEq:
			res = cmp != 0
		case ast.OpLt:
			res = cmp < 0
		case ast.OpLtEq:
			res = cmp <= 0
		case ast.OpGt:
			res = cmp > 0
		case ast.OpGtEq:
			res = cmp >= 0
		}
		return value.NewBool(res), true
	}
	return value.Null(), false
}

// splitAnd flattens a conjunction into its conjuncts.
func splitAnd(e ast.Expression) []ast.Expression {
	if b, ok := e.(*ast.BinaryExpr); ok && b.Op == ast.OpAnd {
		return append(splitAnd(b.Left), splitAnd(b.Right)...)
	}
	return []ast.Expression{e}
}

func conjoin(a, b ast.Expression) ast.Expression {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &ast.BinaryExpr{Op: ast.OpAnd, Left: a, Right: b}
}

func conjoinAll(exprs []ast.Expression) ast.Expression {
	var out ast.Expression
	for _, e := range exprs {
		out = conjoin(out, e)
	}
	return out
}

func tableSet(n plan.Node) map[string]bool {
	set := make(map[string]bool)
	for _, t := range plan.Tables(n) {
		set[t] = true
	}
	return set
}

// referencesOnly reports whether every column reference in the expression is
// qualified and names a table in the set. Unqualified references keep the
// predicate where it is.
func referencesOnly(e ast.Expression, tables map[string]bool) bool {
	refs := ast.Columns(e)
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if ref.Table == "" || !tables[ref.Table] {
			return false
		}
	}
	return true
}

// ruleBook tracks the learned effectiveness of each rewrite rule. A rule
// that repeatedly produces plans whose estimates hold up at runtime keeps a
// high confidence; rules that do not decay and eventually stop firing.
type ruleBook struct {
	mu      sync.Mutex
	rules   map[string]*ruleState
	applied *lru.Cache[uint64, []string]
	// recent holds the rules that fired in the rewrites since the last
	// recordApplied call.
	recent map[string]bool
}

type ruleState struct {
	applications int
	confidence   float64
}

const (
	initialRuleConfidence = 0.5
	// retainConfidence is assigned when execution beats the estimate by
	// more than retainRatio.
	retainConfidence = 0.8
	retainRatio      = 1.5
	disableThreshold = 0.3
	decayFactor      = 0.95
)

func newRuleBook() *ruleBook {
	applied, _ := lru.New[uint64, []string](1024)
	rb := &ruleBook{
		rules:   make(map[string]*ruleState),
		applied: applied,
		recent:  make(map[string]bool),
	}
	for _, name := range []string{ruleConstantFolding, ruleFilterMerge, rulePushdown, ruleProjectionElim} {
		rb.rules[name] = &ruleState{confidence: initialRuleConfidence}
	}
	return rb
}

func (rb *ruleBook) enabled(name string) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	st, ok := rb.rules[name]
	return ok && st.confidence >= disableThreshold
}

func (rb *ruleBook) noteApplied(name string, fired bool) {
	if !fired {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.recent[name] = true
	if st, ok := rb.rules[name]; ok {
		st.applications++
	}
}

// recordApplied associates the recently fired rules with a plan fingerprint
// so later feedback can credit them.
func (rb *ruleBook) recordApplied(fingerprint uint64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.recent) == 0 {
		return
	}
	names := make([]string, 0, len(rb.recent))
	for name := range rb.recent {
		names = append(names, name)
	}
	rb.recent = make(map[string]bool)
	rb.applied.Add(fingerprint, names)
}

// learn adjusts rule confidence from an executed plan's improvement ratio.
func (rb *ruleBook) learn(tree *plan.Tree, ratio float64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	names, ok := rb.applied.Get(tree.Fingerprint())
	credited := make(map[string]bool, len(names))
	if ok {
		for _, name := range names {
			credited[name] = true
		}
	}
	for name, st := range rb.rules {
		if credited[name] && ratio > retainRatio {
			if st.confidence < retainConfidence {
				st.confidence = retainConfidence
			}
			continue
		}
		// Disuse or unconfirmed benefit decays confidence.
		st.confidence *= decayFactor
		if st.confidence < disableThreshold/2 {
			st.confidence = disableThreshold / 2
		}
	}
}

func (rb *ruleBook) snapshot() []RuleStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]RuleStats, 0, len(rb.rules))
	for name, st := range rb.rules {
		out = append(out, RuleStats{Name: name, Applications: st.applications, Confidence: st.confidence})
	}
	return out
}
