// Package cache keeps decoded points of read-only buckets in memory.
package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/xtxerr/tsdb/internal/storage/series"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// pointCost approximates the memory of one decoded point.
const pointCost = 24

// BucketCache is a cost-bounded cache of decoded buckets. Entries are
// keyed by bucket id and version, so a compacted bucket never serves
// stale points.
type BucketCache struct {
	c *ristretto.Cache
}

// New creates a cache bounded to maxBytes of decoded points.
func New(maxBytes int64) (*BucketCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}

	// ristretto recommends ten counters per expected entry
	entries := maxBytes / (pointCost * 256)
	if entries < 100 {
		entries = 100
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &BucketCache{c: c}, nil
}

func key(b *series.Bucket) string {
	return fmt.Sprintf("%d:%d", b.ID(), b.Version())
}

// Get returns the cached points of b.
func (c *BucketCache) Get(b *series.Bucket) ([]types.DataPoint, bool) {
	v, ok := c.c.Get(key(b))
	if !ok {
		return nil, false
	}
	points, ok := v.([]types.DataPoint)
	return points, ok
}

// Put caches the decoded points of b. The cache may drop the entry.
func (c *BucketCache) Put(b *series.Bucket, points []types.DataPoint) {
	c.c.Set(key(b), points, int64(len(points))*pointCost+1)
}

// Wait blocks until buffered writes are applied.
func (c *BucketCache) Wait() { c.c.Wait() }

// HitRatio returns the hit ratio since creation.
func (c *BucketCache) HitRatio() float64 {
	if c.c.Metrics == nil {
		return 0
	}
	return c.c.Metrics.Ratio()
}

// Close stops the cache goroutines.
func (c *BucketCache) Close() { c.c.Close() }
