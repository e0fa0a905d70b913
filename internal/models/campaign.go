package models

import (
	"time"

	"github.com/foxzi/cadence/internal/schedule"
)

// Campaign is a recurring send of one message template to a set of recipient lists
type Campaign struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	MessageTemplate  string        `json:"message_template"`
	Schedule         schedule.Spec `json:"schedule"`
	RecipientListIDs []string      `json:"recipient_list_ids"`
	Channel          string        `json:"channel,omitempty"` // empty = default channel
	Active           bool          `json:"active"`
	LastExecutedAt   *time.Time    `json:"last_executed_at,omitempty"`
	NextFireAt       *time.Time    `json:"next_fire_at,omitempty"` // nil = will not fire again
	TotalSent        int64         `json:"total_sent"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsDue reports whether the campaign should fire at now
func (c *Campaign) IsDue(now time.Time) bool {
	return c.Active && c.NextFireAt != nil && !c.NextFireAt.After(now)
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Active *bool
	Search string
	Limit  int
	Offset int
}
