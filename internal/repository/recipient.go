package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// CreateList creates a new recipient list
func (r *RecipientRepository) CreateList(ctx context.Context, list *models.RecipientList) error {
	if list.ID == "" {
		list.ID = uuid.New().String()
	}
	list.CreatedAt = time.Now().UTC()
	list.UpdatedAt = list.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipient_lists (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		list.ID, list.Name, list.Description, list.CreatedAt, list.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient list: %w", err)
	}
	return nil
}

// GetListByID returns a recipient list by ID
func (r *RecipientRepository) GetListByID(ctx context.Context, id string) (*models.RecipientList, error) {
	list := &models.RecipientList{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM recipient_lists WHERE id = ?`, id,
	).Scan(&list.ID, &list.Name, &list.Description, &list.CreatedAt, &list.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// AddRecipients upserts recipients into a list in one transaction and
// returns how many rows were written
func (r *RecipientRepository) AddRecipients(ctx context.Context, listID string, recipients []models.Recipient) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipients (id, list_id, address, name, variables, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(list_id, address) DO UPDATE SET
			name = excluded.name,
			variables = excluded.variables,
			status = excluded.status`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	written := 0
	for i := range recipients {
		rec := &recipients[i]
		rec.Address = strings.TrimSpace(rec.Address)
		if rec.Address == "" {
			continue
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.Status == "" {
			rec.Status = models.RecipientActive
		}
		rec.ListID = listID
		rec.CreatedAt = now

		vars, err := encodeVariables(rec.Variables)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, listID, rec.Address, rec.Name, vars, rec.Status, rec.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to add recipient %s: %w", rec.Address, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recipients: %w", err)
	}
	return written, nil
}

// SetStatus changes the status of one recipient in a list
func (r *RecipientRepository) SetStatus(ctx context.Context, listID, address, status string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE recipients SET status = ? WHERE list_id = ? AND address = ?",
		status, listID, address)
	return err
}

// Resolve returns the active recipients of the given lists. Lists are read in
// the order given and recipients in insertion order; an address that appears
// more than once (case-insensitively) is kept at its first position only.
func (r *RecipientRepository) Resolve(ctx context.Context, listIDs []string) ([]models.Recipient, error) {
	seen := make(map[string]struct{})
	out := []models.Recipient{}

	for _, listID := range listIDs {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, list_id, address, name, variables, status, created_at
			FROM recipients WHERE list_id = ? AND status = ?
			ORDER BY rowid`, listID, models.RecipientActive)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve list %s: %w", listID, err)
		}

		for rows.Next() {
			var rec models.Recipient
			var vars sql.NullString
			if err := rows.Scan(&rec.ID, &rec.ListID, &rec.Address, &rec.Name, &vars, &rec.Status, &rec.CreatedAt); err != nil {
				rows.Close()
				return nil, err
			}
			key := strings.ToLower(rec.Address)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if vars.Valid && vars.String != "" {
				if err := json.Unmarshal([]byte(vars.String), &rec.Variables); err != nil {
					rows.Close()
					return nil, fmt.Errorf("failed to decode variables of recipient %s: %w", rec.ID, err)
				}
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func encodeVariables(vars map[string]string) (any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variables: %w", err)
	}
	return string(b), nil
}
