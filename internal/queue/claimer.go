package queue

import (
	"context"

	"github.com/foxzi/cadence/internal/metrics"
)

// Claimer reserves fixed-size batches of one campaign's lots
type Claimer struct {
	store      Store
	campaignID string
	limit      int
}

// NewClaimer creates a claimer that takes at most limit items per call
func NewClaimer(store Store, campaignID string, limit int) *Claimer {
	if limit <= 0 {
		limit = 1
	}
	return &Claimer{store: store, campaignID: campaignID, limit: limit}
}

// Next claims the next batch of the lot. An empty result means the lot has
// no pending items left.
func (c *Claimer) Next(ctx context.Context, lotID string) ([]Item, error) {
	items, err := c.store.ClaimBatch(ctx, c.campaignID, lotID, c.limit)
	if err != nil {
		return nil, err
	}
	metrics.AddItemsClaimed(len(items))
	return items, nil
}

// Limit returns the batch size
func (c *Claimer) Limit() int {
	return c.limit
}
