package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/schedule"
	"github.com/google/uuid"
)

// ErrStaleCampaign is returned by Update when next_fire_at no longer holds
// the firing key, meaning another driver already advanced the campaign.
var ErrStaleCampaign = errors.New("campaign was updated concurrently")

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, message_template, schedule, channel, active,
	last_executed_at, next_fire_at, total_sent, created_at, updated_at`

// Create inserts a new active campaign. NextFireAt is seeded with the first
// occurrence at or after CreatedAt (now when unset).
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if err := c.Schedule.Validate(); err != nil {
		return err
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.CreatedAt
	c.Active = true

	first, ok, err := schedule.FirstFire(c.Schedule, c.CreatedAt)
	if err != nil {
		return err
	}
	c.NextFireAt = nil
	if ok {
		first = first.UTC()
		c.NextFireAt = &first
	} else {
		c.Active = false
	}

	specJSON, err := json.Marshal(c.Schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, message_template, schedule, channel, active, last_executed_at, next_fire_at, total_sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.MessageTemplate, string(specJSON), c.Channel, c.Active, nil, nullTime(c.NextFireAt), c.TotalSent, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	for i, listID := range c.RecipientListIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO campaign_lists (campaign_id, list_id, position) VALUES (?, ?, ?)",
			c.ID, listID, i,
		); err != nil {
			return fmt.Errorf("failed to attach recipient list %s: %w", listID, err)
		}
	}

	return tx.Commit()
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.RecipientListIDs, err = r.listIDs(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Active != nil {
		where += " AND active = ?"
		args = append(args, *filter.Active)
	}
	if filter.Search != "" {
		where += " AND name LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	campaigns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListDue returns active campaigns whose next fire instant is at or before now,
// oldest first
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	return r.query(ctx, "SELECT "+campaignColumns+`
		FROM campaigns
		WHERE active = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at ASC`, now.UTC())
}

// Update persists the outcome of a firing in one statement. The write only
// applies while next_fire_at still equals firingKey; otherwise it returns
// ErrStaleCampaign and the row is left untouched.
func (r *CampaignRepository) Update(ctx context.Context, c *models.Campaign, firingKey time.Time) error {
	c.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET active = ?, last_executed_at = ?, next_fire_at = ?, total_sent = ?, updated_at = ?
		WHERE id = ? AND next_fire_at = ?`,
		c.Active, nullTime(c.LastExecutedAt), nullTime(c.NextFireAt), c.TotalSent, c.UpdatedAt,
		c.ID, firingKey.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if n == 0 {
		return ErrStaleCampaign
	}
	return nil
}

// SetActive pauses or resumes a campaign without touching its schedule state
func (r *CampaignRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, "UPDATE campaigns SET active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().UTC(), id)
	return err
}

func (r *CampaignRepository) query(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range campaigns {
		ids, err := r.listIDs(ctx, campaigns[i].ID)
		if err != nil {
			return nil, err
		}
		campaigns[i].RecipientListIDs = ids
	}
	return campaigns, nil
}

func (r *CampaignRepository) listIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT list_id FROM campaign_lists WHERE campaign_id = ? ORDER BY position", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var specJSON string
	var lastExecutedAt, nextFireAt sql.NullTime

	err := s.Scan(&c.ID, &c.Name, &c.MessageTemplate, &specJSON, &c.Channel, &c.Active,
		&lastExecutedAt, &nextFireAt, &c.TotalSent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(specJSON), &c.Schedule); err != nil {
		return nil, fmt.Errorf("failed to decode schedule of campaign %s: %w", c.ID, err)
	}
	if lastExecutedAt.Valid {
		c.LastExecutedAt = &lastExecutedAt.Time
	}
	if nextFireAt.Valid {
		c.NextFireAt = &nextFireAt.Time
	}
	return c, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
