package cache

import (
	"context"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
)

type CapacitySource interface {
	Capacity(ctx context.Context, locationID string) (models.Capacity, error)
}

// CapacityCache serves the read-only capacity endpoint from a periodically refreshed
// snapshot, keeping reporting traffic off the slots table. Slightly stale counts are
// fine for this consumer; correctness lives in the claim/release transactions.
type CapacityCache struct {
	mu     sync.RWMutex
	byLoc  map[string]models.Capacity
	source CapacitySource
}

func NewCapacityCache(source CapacitySource) *CapacityCache {
	return &CapacityCache{
		byLoc:  make(map[string]models.Capacity),
		source: source,
	}
}

// Get returns the cached snapshot for the location, fetching and caching it on a miss.
func (c *CapacityCache) Get(ctx context.Context, locationID string) (models.Capacity, error) {
	c.mu.RLock()
	cap, ok := c.byLoc[locationID]
	c.mu.RUnlock()
	if ok {
		return cap, nil
	}

	cap, err := c.source.Capacity(ctx, locationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byLoc[locationID] = cap
	c.mu.Unlock()
	return cap, nil
}

// Refresh re-reads every tracked location from the source.
func (c *CapacityCache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.byLoc))
	for id := range c.byLoc {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		cap, err := c.source.Capacity(ctx, id)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.byLoc[id] = cap
		c.mu.Unlock()
	}
	return nil
}

func (c *CapacityCache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
