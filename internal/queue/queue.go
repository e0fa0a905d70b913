// Package queue persists the per-recipient work of each campaign firing and
// hands it out in atomically claimed batches.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/models"
)

// DefaultLotSize is used when EnsureFiring is called with a non-positive size
const DefaultLotSize = 500

var (
	// ErrNotClaimed is wrapped by InvariantError
	ErrNotClaimed = errors.New("item is not claimed")

	// ErrItemNotFound is returned for unknown item IDs
	ErrItemNotFound = errors.New("item not found")
)

// InvariantError reports an attempt to resolve an item the caller does not
// hold a claim on. The stored item is left unchanged.
type InvariantError struct {
	ItemID string
	Status Status
	Op     string
}

func (e *InvariantError) Error() string {
	if e.Status == StatusClaimed {
		return fmt.Sprintf("%s %s: item is claimed by another batch", e.Op, e.ItemID)
	}
	return fmt.Sprintf("%s %s: item is %s, not claimed", e.Op, e.ItemID, e.Status)
}

func (e *InvariantError) Unwrap() error {
	return ErrNotClaimed
}

// Store defines the dispatch queue operations
type Store interface {
	// EnsureFiring creates the lots and pending items of one firing. Calling it
	// again for the same campaign and fireAt returns the existing lots and
	// creates nothing.
	EnsureFiring(ctx context.Context, campaignID string, fireAt time.Time, recipients []models.Recipient, lotSize int) ([]Lot, error)

	// ClaimBatch atomically moves up to limit pending items of the lot to
	// claimed and returns them in seq order. No item is returned to two callers.
	ClaimBatch(ctx context.Context, campaignID, lotID string, limit int) ([]Item, error)

	// Touch renews the claim of an item right before it is sent: claimed_at is
	// reset to now so the reclaim sweep counts its grace from the send. It
	// returns an InvariantError unless the item is still claimed under token.
	Touch(ctx context.Context, itemID, token string) error

	// MarkSent resolves a claimed item as delivered
	MarkSent(ctx context.Context, itemID string) error

	// MarkError resolves a claimed item as failed
	MarkError(ctx context.Context, itemID, detail string) error

	// Release puts claimed items that were never attempted back to pending
	Release(ctx context.Context, itemIDs []string) (int, error)

	// ReclaimStale returns items claimed before olderThan to pending
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)

	// CountByStatus counts committed items of the scope in status
	CountByStatus(ctx context.Context, scope Scope, status Status) (int, error)

	// Stats counts committed items of the scope in every status
	Stats(ctx context.Context, scope Scope) (Stats, error)

	// ListLots returns the lots of a firing, or of every firing when fireAt is zero
	ListLots(ctx context.Context, campaignID string, fireAt time.Time) ([]Lot, error)

	// GetItem returns an item by ID; nil, nil if not found
	GetItem(ctx context.Context, itemID string) (*Item, error)

	// Close closes the storage connection
	Close() error
}

// split chunks recipients into lots of at most size
func split(recipients []models.Recipient, size int) [][]models.Recipient {
	if size <= 0 {
		size = DefaultLotSize
	}
	var out [][]models.Recipient
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		out = append(out, recipients[start:end])
	}
	return out
}
