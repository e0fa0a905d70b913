package queue

import (
	"time"

	"github.com/foxzi/cadence/internal/models"
)

// Status is the lifecycle state of a queue item
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// ParseStatus parses a status name
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusClaimed, StatusSent, StatusError:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// Item is one recipient of one firing
type Item struct {
	ID          string           `json:"id"`
	LotID       string           `json:"lot_id"`
	CampaignID  string           `json:"campaign_id"`
	FireAt      time.Time        `json:"fire_at"`
	Recipient   models.Recipient `json:"recipient"`
	Status      Status           `json:"status"`
	Seq         int              `json:"seq"` // claim order within the lot
	ClaimedAt   *time.Time       `json:"claimed_at,omitempty"`
	ClaimToken  string           `json:"claim_token,omitempty"` // set per ClaimBatch call, cleared on unclaim
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Lot is a bounded slice of a firing's items
type Lot struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	FireAt     time.Time `json:"fire_at"`
	Seq        int       `json:"seq"` // monotonic per campaign
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Scope selects the items a count applies to. LotID wins over CampaignID;
// a zero FireAt covers every firing of the campaign; the zero Scope covers
// the whole queue.
type Scope struct {
	CampaignID string
	FireAt     time.Time
	LotID      string
}

// LotScope selects one lot
func LotScope(lotID string) Scope { return Scope{LotID: lotID} }

// CampaignScope selects every firing of a campaign
func CampaignScope(campaignID string) Scope { return Scope{CampaignID: campaignID} }

// FiringScope selects the items of one firing
func FiringScope(campaignID string, fireAt time.Time) Scope {
	return Scope{CampaignID: campaignID, FireAt: fireAt}
}

// Stats counts items per status
type Stats struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Error   int `json:"error"`
	Total   int `json:"total"`
}

// Count returns the number of items in status
func (s Stats) Count(status Status) int {
	switch status {
	case StatusPending:
		return s.Pending
	case StatusClaimed:
		return s.Claimed
	case StatusSent:
		return s.Sent
	case StatusError:
		return s.Error
	}
	return 0
}

func (s *Stats) add(status Status, n int) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusClaimed:
		s.Claimed += n
	case StatusSent:
		s.Sent += n
	case StatusError:
		s.Error += n
	}
	s.Total += n
}
