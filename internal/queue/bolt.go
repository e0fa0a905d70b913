package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems        = []byte("items")
	bucketLots         = []byte("lots")
	bucketFirings      = []byte("firings")
	bucketCampaignLots = []byte("campaign_lots")
	bucketLotItems     = []byte("lot_items")
	bucketPending      = []byte("pending")
	bucketClaimed      = []byte("claimed")
	bucketLotSequences = []byte("lot_sequences")
)

var allBuckets = [][]byte{bucketItems, bucketLots, bucketFirings, bucketCampaignLots, bucketLotItems, bucketPending, bucketClaimed, bucketLotSequences}

// BoltStore implements Store using BoltDB. Every mutation runs in a single
// read-write transaction; bolt allows one writer at a time, which is what
// makes ClaimBatch atomic.
//
// Layout:
//
//	items          item id            -> Item JSON
//	lots           lot id             -> Lot JSON
//	firings        campaign|fire_at   -> lot ids JSON
//	campaign_lots  campaign|lot seq   -> lot id
//	lot_items      lot|item seq       -> item id
//	pending        lot|item seq       -> item id (pending items only)
//	claimed        claimed_at|item id -> item id (claimed items only, moved by Touch)
//	lot_sequences  campaign           -> last lot seq
type BoltStore struct {
	db    *bolt.DB
	clock clock.Clock
}

// NewBoltStore opens (creating if needed) a BoltDB queue at path
func NewBoltStore(path string, clk clock.Clock) (*BoltStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if clk == nil {
		clk = clock.Real{}
	}
	return &BoltStore{db: db, clock: clk}, nil
}

// EnsureFiring creates the lots and pending items of one firing
func (s *BoltStore) EnsureFiring(ctx context.Context, campaignID string, fireAt time.Time, recipients []models.Recipient, lotSize int) ([]Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fireAt = fireAt.UTC()
	now := s.clock.Now().UTC()

	var lots []Lot
	err := s.db.Update(func(tx *bolt.Tx) error {
		firings := tx.Bucket(bucketFirings)
		fkey := firingKey(campaignID, fireAt)

		if existing := firings.Get(fkey); existing != nil {
			var err error
			lots, err = loadLots(tx, existing)
			return err
		}

		seqBucket := tx.Bucket(bucketLotSequences)
		lastSeq := 0
		if v := seqBucket.Get([]byte(campaignID)); v != nil {
			lastSeq, _ = strconv.Atoi(string(v))
		}

		lotIDs := []string{}
		for _, chunk := range split(recipients, lotSize) {
			lastSeq++
			lot := Lot{
				ID:         uuid.New().String(),
				CampaignID: campaignID,
				FireAt:     fireAt,
				Seq:        lastSeq,
				Size:       len(chunk),
				CreatedAt:  now,
			}
			if err := putJSON(tx.Bucket(bucketLots), []byte(lot.ID), lot); err != nil {
				return err
			}
			if err := tx.Bucket(bucketCampaignLots).Put(seqKey(campaignID, lot.Seq), []byte(lot.ID)); err != nil {
				return err
			}

			for i, rec := range chunk {
				item := Item{
					ID:         uuid.New().String(),
					LotID:      lot.ID,
					CampaignID: campaignID,
					FireAt:     fireAt,
					Recipient:  rec,
					Status:     StatusPending,
					Seq:        i,
					CreatedAt:  now,
				}
				if err := putJSON(tx.Bucket(bucketItems), []byte(item.ID), item); err != nil {
					return err
				}
				key := seqKey(lot.ID, item.Seq)
				if err := tx.Bucket(bucketLotItems).Put(key, []byte(item.ID)); err != nil {
					return err
				}
				if err := tx.Bucket(bucketPending).Put(key, []byte(item.ID)); err != nil {
					return err
				}
			}

			lots = append(lots, lot)
			lotIDs = append(lotIDs, lot.ID)
		}

		if err := seqBucket.Put([]byte(campaignID), []byte(strconv.Itoa(lastSeq))); err != nil {
			return err
		}
		return putJSON(firings, fkey, lotIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create firing: %w", err)
	}
	return lots, nil
}

// ClaimBatch moves up to limit pending items of the lot to claimed
func (s *BoltStore) ClaimBatch(ctx context.Context, campaignID, lotID string, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	token := uuid.New().String()

	var claimed []Item
	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		pending := tx.Bucket(bucketPending)
		claimedIdx := tx.Bucket(bucketClaimed)

		prefix := []byte(lotID + "|")
		var taken [][]byte

		c := pending.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && len(claimed) < limit; k, v = c.Next() {
			item, err := getItem(items, v)
			if err != nil {
				return err
			}
			if item == nil || item.Status != StatusPending {
				// Stale index entry
				taken = append(taken, append([]byte{}, k...))
				continue
			}
			if item.CampaignID != campaignID {
				return fmt.Errorf("lot %s does not belong to campaign %s", lotID, campaignID)
			}

			item.Status = StatusClaimed
			item.ClaimedAt = &now
			item.ClaimToken = token
			if err := putJSON(items, []byte(item.ID), item); err != nil {
				return err
			}
			if err := claimedIdx.Put(claimedKey(now, item.ID), []byte(item.ID)); err != nil {
				return err
			}
			taken = append(taken, append([]byte{}, k...))
			claimed = append(claimed, *item)
		}

		// Deleting behind a live cursor can skip entries, so do it afterwards
		for _, k := range taken {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return claimed, nil
}

// Touch renews the claim of an item held under token
func (s *BoltStore) Touch(ctx context.Context, itemID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getItem(items, []byte(itemID))
		if err != nil {
			return err
		}
		if item == nil {
			return ErrItemNotFound
		}
		if item.Status != StatusClaimed || item.ClaimToken != token {
			return &InvariantError{ItemID: itemID, Status: item.Status, Op: "touch"}
		}

		claimedIdx := tx.Bucket(bucketClaimed)
		if item.ClaimedAt != nil {
			if err := claimedIdx.Delete(claimedKey(*item.ClaimedAt, item.ID)); err != nil {
				return err
			}
		}
		item.ClaimedAt = &now
		if err := claimedIdx.Put(claimedKey(now, item.ID), []byte(item.ID)); err != nil {
			return err
		}
		return putJSON(items, []byte(item.ID), item)
	})
}

// MarkSent resolves a claimed item as delivered
func (s *BoltStore) MarkSent(ctx context.Context, itemID string) error {
	return s.resolve(ctx, itemID, StatusSent, "", "mark_sent")
}

// MarkError resolves a claimed item as failed
func (s *BoltStore) MarkError(ctx context.Context, itemID, detail string) error {
	return s.resolve(ctx, itemID, StatusError, detail, "mark_error")
}

func (s *BoltStore) resolve(ctx context.Context, itemID string, status Status, detail, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getItem(items, []byte(itemID))
		if err != nil {
			return err
		}
		if item == nil {
			return ErrItemNotFound
		}
		if item.Status != StatusClaimed {
			return &InvariantError{ItemID: itemID, Status: item.Status, Op: op}
		}

		if item.ClaimedAt != nil {
			if err := tx.Bucket(bucketClaimed).Delete(claimedKey(*item.ClaimedAt, item.ID)); err != nil {
				return err
			}
		}
		item.Status = status
		item.ResolvedAt = &now
		item.ErrorDetail = detail
		return putJSON(items, []byte(item.ID), item)
	})
}

// Release puts claimed items back to pending
func (s *BoltStore) Release(ctx context.Context, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	released := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range itemIDs {
			ok, err := unclaim(tx, []byte(id))
			if err != nil {
				return err
			}
			if ok {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release items: %w", err)
	}
	return released, nil
}

// ReclaimStale returns items claimed before olderThan to pending
func (s *BoltStore) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := claimedKey(olderThan, "")

	reclaimed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		c := tx.Bucket(bucketClaimed).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, v = c.Next() {
			stale = append(stale, append([]byte{}, v...))
		}

		for _, id := range stale {
			ok, err := unclaim(tx, id)
			if err != nil {
				return err
			}
			if ok {
				reclaimed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale items: %w", err)
	}
	return reclaimed, nil
}

// unclaim moves one claimed item back to pending; other statuses are left alone
func unclaim(tx *bolt.Tx, id []byte) (bool, error) {
	items := tx.Bucket(bucketItems)
	item, err := getItem(items, id)
	if err != nil || item == nil || item.Status != StatusClaimed {
		return false, err
	}

	if item.ClaimedAt != nil {
		if err := tx.Bucket(bucketClaimed).Delete(claimedKey(*item.ClaimedAt, item.ID)); err != nil {
			return false, err
		}
	}
	item.Status = StatusPending
	item.ClaimedAt = nil
	item.ClaimToken = ""
	if err := putJSON(items, id, item); err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketPending).Put(seqKey(item.LotID, item.Seq), id); err != nil {
		return false, err
	}
	return true, nil
}

// CountByStatus counts items of the scope in status
func (s *BoltStore) CountByStatus(ctx context.Context, scope Scope, status Status) (int, error) {
	stats, err := s.Stats(ctx, scope)
	if err != nil {
		return 0, err
	}
	return stats.Count(status), nil
}

// Stats counts items of the scope in every status
func (s *BoltStore) Stats(ctx context.Context, scope Scope) (Stats, error) {
	var stats Stats
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)

		if scope.LotID == "" && scope.CampaignID == "" {
			return items.ForEach(func(k, v []byte) error {
				var item Item
				if err := json.Unmarshal(v, &item); err != nil {
					return err
				}
				stats.add(item.Status, 1)
				return nil
			})
		}

		lotIDs, err := scopeLots(tx, scope)
		if err != nil {
			return err
		}
		lotItems := tx.Bucket(bucketLotItems)
		for _, lotID := range lotIDs {
			prefix := []byte(lotID + "|")
			c := lotItems.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				item, err := getItem(items, v)
				if err != nil {
					return err
				}
				if item != nil {
					stats.add(item.Status, 1)
				}
			}
		}
		return nil
	})
	return stats, err
}

func scopeLots(tx *bolt.Tx, scope Scope) ([]string, error) {
	if scope.LotID != "" {
		return []string{scope.LotID}, nil
	}

	if !scope.FireAt.IsZero() {
		raw := tx.Bucket(bucketFirings).Get(firingKey(scope.CampaignID, scope.FireAt.UTC()))
		if raw == nil {
			return nil, nil
		}
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	}

	var ids []string
	prefix := []byte(scope.CampaignID + "|")
	c := tx.Bucket(bucketCampaignLots).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids, nil
}

// ListLots returns the lots of a firing, or of every firing when fireAt is zero
func (s *BoltStore) ListLots(ctx context.Context, campaignID string, fireAt time.Time) ([]Lot, error) {
	lots := []Lot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, err := scopeLots(tx, Scope{CampaignID: campaignID, FireAt: fireAt})
		if err != nil {
			return err
		}
		for _, id := range ids {
			var lot Lot
			raw := tx.Bucket(bucketLots).Get([]byte(id))
			if raw == nil {
				continue
			}
			if err := json.Unmarshal(raw, &lot); err != nil {
				return err
			}
			lots = append(lots, lot)
		}
		return nil
	})
	return lots, err
}

// GetItem returns an item by ID
func (s *BoltStore) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item *Item
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx.Bucket(bucketItems), []byte(itemID))
		return err
	})
	return item, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func loadLots(tx *bolt.Tx, rawIDs []byte) ([]Lot, error) {
	var ids []string
	if err := json.Unmarshal(rawIDs, &ids); err != nil {
		return nil, err
	}
	lots := make([]Lot, 0, len(ids))
	for _, id := range ids {
		raw := tx.Bucket(bucketLots).Get([]byte(id))
		if raw == nil {
			return nil, fmt.Errorf("lot %s missing", id)
		}
		var lot Lot
		if err := json.Unmarshal(raw, &lot); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func getItem(b *bolt.Bucket, id []byte) (*Item, error) {
	raw := b.Get(id)
	if raw == nil {
		return nil, nil
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return &item, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

// indexTimeFormat is fixed width so keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

func firingKey(campaignID string, fireAt time.Time) []byte {
	return []byte(campaignID + "|" + fireAt.UTC().Format(indexTimeFormat))
}

func seqKey(prefix string, seq int) []byte {
	return []byte(fmt.Sprintf("%s|%010d", prefix, seq))
}

func claimedKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + "|" + id)
}
