package models

import "time"

// RecipientList is a named group of recipients a campaign can target
type RecipientList struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Recipient is the reference a queue item carries. Address is whatever the
// channel delivers to: an email address or a webhook subscriber key.
type Recipient struct {
	ID        string            `json:"id"`
	ListID    string            `json:"list_id,omitempty"`
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Status    string            `json:"status,omitempty"` // active, unsubscribed, bounced
	CreatedAt time.Time         `json:"created_at"`
}

// Recipient statuses
const (
	RecipientActive       = "active"
	RecipientUnsubscribed = "unsubscribed"
	RecipientBounced      = "bounced"
)
