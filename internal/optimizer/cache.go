package optimizer

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/calyxdb/calyx/internal/plan"
)

// planCache reuses optimized plans across executions of the same statement
// shape. Plans referencing volatile functions are never cached.
type planCache struct {
	cache *ristretto.Cache[uint64, *plan.Tree]
}

func newPlanCache() (*planCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *plan.Tree]{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &planCache{cache: cache}, nil
}

// get looks up the optimized plan stored under the unoptimized tree's
// fingerprint. The caller gets a private clone; cached trees are never
// handed out for mutation.
func (c *planCache) get(key uint64) (*plan.Tree, bool) {
	cached, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return cached.Clone(), true
}

func (c *planCache) put(key uint64, tree *plan.Tree) {
	if !tree.Cacheable() {
		return
	}
	// Cost the entry by estimated plan width as a proxy for tree size.
	c.cache.Set(key, tree.Clone(), int64(tree.Cost.Width)+1)
}
