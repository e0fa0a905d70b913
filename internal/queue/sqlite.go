package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
)

// SQLStore implements Store on the lots and queue_items tables of the
// SQLite database. The schema is created by db.Migrate.
type SQLStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLStore creates a store over an already migrated database
func NewSQLStore(db *sql.DB, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SQLStore{db: db, clock: clk}
}

const itemColumns = `id, lot_id, campaign_id, fire_at, recipient, status, seq,
	claimed_at, claim_token, resolved_at, error_detail, created_at`

// EnsureFiring creates the lots and pending items of one firing
func (s *SQLStore) EnsureFiring(ctx context.Context, campaignID string, fireAt time.Time, recipients []models.Recipient, lotSize int) ([]Lot, error) {
	fireAt = fireAt.UTC()
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := queryLots(ctx, tx, `
		SELECT id, campaign_id, fire_at, seq, size, created_at
		FROM lots WHERE campaign_id = ? AND fire_at = ? ORDER BY seq`, campaignID, fireAt)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	var lastSeq int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM lots WHERE campaign_id = ?", campaignID).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("failed to read lot sequence: %w", err)
	}

	lotStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lots (id, campaign_id, fire_at, seq, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer lotStmt.Close()

	itemStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_items (id, lot_id, campaign_id, fire_at, recipient, status, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer itemStmt.Close()

	lots := []Lot{}
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
		if _, err := lotStmt.ExecContext(ctx, lot.ID, lot.CampaignID, lot.FireAt, lot.Seq, lot.Size, lot.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to create lot: %w", err)
		}

		for i, rec := range chunk {
			data, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal recipient: %w", err)
			}
			if _, err := itemStmt.ExecContext(ctx, uuid.New().String(), lot.ID, campaignID, fireAt, string(data), StatusPending, i, now); err != nil {
				return nil, fmt.Errorf("failed to create queue item: %w", err)
			}
		}
		lots = append(lots, lot)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit firing: %w", err)
	}
	return lots, nil
}

// ClaimBatch moves up to limit pending items of the lot to claimed. The status
// flip is a single UPDATE, so concurrent callers never receive the same row.
func (s *SQLStore) ClaimBatch(ctx context.Context, campaignID, lotID string, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	token := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE queue_items SET status = ?, claimed_at = ?, claim_token = ?
		WHERE status = ? AND id IN (
			SELECT id FROM queue_items
			WHERE lot_id = ? AND campaign_id = ? AND status = ?
			ORDER BY seq LIMIT ?
		)
		RETURNING id`,
		StatusClaimed, now, token, StatusPending, lotID, campaignID, StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to claim batch: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	items, err := queryItems(ctx, tx, "SELECT "+itemColumns+" FROM queue_items WHERE id IN ("+placeholders(len(ids))+")", toArgs(ids)...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

// Touch renews the claim of an item held under token
func (s *SQLStore) Touch(ctx context.Context, itemID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET claimed_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?`,
		s.clock.Now().UTC(), itemID, StatusClaimed, token,
	)
	if err != nil {
		return fmt.Errorf("failed to renew claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew claim: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.invariantError(ctx, itemID, "touch")
}

// MarkSent resolves a claimed item as delivered
func (s *SQLStore) MarkSent(ctx context.Context, itemID string) error {
	return s.resolve(ctx, itemID, StatusSent, "", "mark_sent")
}

// MarkError resolves a claimed item as failed
func (s *SQLStore) MarkError(ctx context.Context, itemID, detail string) error {
	return s.resolve(ctx, itemID, StatusError, detail, "mark_error")
}

func (s *SQLStore) resolve(ctx context.Context, itemID string, status Status, detail, op string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, resolved_at = ?, error_detail = ?
		WHERE id = ? AND status = ?`,
		status, s.clock.Now().UTC(), detail, itemID, StatusClaimed,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.invariantError(ctx, itemID, op)
}

// invariantError explains why a guarded update of itemID matched no row
func (s *SQLStore) invariantError(ctx context.Context, itemID, op string) error {
	var current Status
	err := s.db.QueryRowContext(ctx, "SELECT status FROM queue_items WHERE id = ?", itemID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read item status: %w", err)
	}
	return &InvariantError{ItemID: itemID, Status: current, Op: op}
}

// Release puts claimed items back to pending
func (s *SQLStore) Release(ctx context.Context, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	args := append([]any{StatusPending, StatusClaimed}, toArgs(itemIDs)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, claimed_at = NULL, claim_token = ''
		WHERE status = ? AND id IN (`+placeholders(len(itemIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReclaimStale returns items claimed before olderThan to pending
func (s *SQLStore) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, claimed_at = NULL, claim_token = ''
		WHERE status = ? AND claimed_at < ?`,
		StatusPending, StatusClaimed, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountByStatus counts items of the scope in status
func (s *SQLStore) CountByStatus(ctx context.Context, scope Scope, status Status) (int, error) {
	where, args := scopeWhere(scope)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items"+where+" AND status = ?", append(args, status)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// Stats counts items of the scope in every status
func (s *SQLStore) Stats(ctx context.Context, scope Scope) (Stats, error) {
	var stats Stats
	where, args := scopeWhere(scope)

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_items"+where+" GROUP BY status", args...)
	if err != nil {
		return stats, fmt.Errorf("failed to read stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.add(status, n)
	}
	return stats, rows.Err()
}

func scopeWhere(scope Scope) (string, []any) {
	switch {
	case scope.LotID != "":
		return " WHERE lot_id = ?", []any{scope.LotID}
	case scope.CampaignID != "" && !scope.FireAt.IsZero():
		return " WHERE campaign_id = ? AND fire_at = ?", []any{scope.CampaignID, scope.FireAt.UTC()}
	case scope.CampaignID != "":
		return " WHERE campaign_id = ?", []any{scope.CampaignID}
	default:
		return " WHERE 1=1", nil
	}
}

// ListLots returns the lots of a firing, or of every firing when fireAt is zero
func (s *SQLStore) ListLots(ctx context.Context, campaignID string, fireAt time.Time) ([]Lot, error) {
	query := "SELECT id, campaign_id, fire_at, seq, size, created_at FROM lots WHERE campaign_id = ?"
	args := []any{campaignID}
	if !fireAt.IsZero() {
		query += " AND fire_at = ?"
		args = append(args, fireAt.UTC())
	}
	return queryLots(ctx, s.db, query+" ORDER BY seq", args...)
}

// GetItem returns an item by ID
func (s *SQLStore) GetItem(ctx context.Context, itemID string) (*Item, error) {
	items, err := queryItems(ctx, s.db, "SELECT "+itemColumns+" FROM queue_items WHERE id = ?", itemID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// Close is a no-op; the database belongs to the caller
func (s *SQLStore) Close() error {
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]Lot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	lots := []Lot{}
	for rows.Next() {
		var lot Lot
		if err := rows.Scan(&lot.ID, &lot.CampaignID, &lot.FireAt, &lot.Seq, &lot.Size, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func queryItems(ctx context.Context, q querier, query string, args ...any) ([]Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var item Item
		var recipient string
		var claimedAt, resolvedAt sql.NullTime

		err := rows.Scan(&item.ID, &item.LotID, &item.CampaignID, &item.FireAt, &recipient, &item.Status, &item.Seq,
			&claimedAt, &item.ClaimToken, &resolvedAt, &item.ErrorDetail, &item.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipient), &item.Recipient); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipient of item %s: %w", item.ID, err)
		}
		if claimedAt.Valid {
			item.ClaimedAt = &claimedAt.Time
		}
		if resolvedAt.Valid {
			item.ResolvedAt = &resolvedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
