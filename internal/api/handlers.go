package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/scheduler"
	"github.com/foxzi/cadence/internal/schedule"
)

// maxPreviewCount bounds POST /schedule/preview
const maxPreviewCount = 100

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// StatsResponse is the response for the stats endpoints
type StatsResponse struct {
	CampaignID string      `json:"campaign_id,omitempty"`
	LotID      string      `json:"lot_id,omitempty"`
	FireAt     *time.Time  `json:"fire_at,omitempty"`
	Stats      queue.Stats `json:"stats"`
	Lots       []LotStats  `json:"lots,omitempty"`
}

// LotStats is one lot with its counts
type LotStats struct {
	queue.Lot
	Stats queue.Stats `json:"stats"`
}

// PreviewRequest is the request body for POST /schedule/preview
type PreviewRequest struct {
	Schedule schedule.Spec `json:"schedule"`
	From     *time.Time    `json:"from,omitempty"`
	Count    int           `json:"count"`
}

// PreviewResponse lists upcoming fire instants
type PreviewResponse struct {
	Upcoming []time.Time `json:"upcoming"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.scheduler != nil {
		st := s.scheduler.Status()
		resp.Scheduler = &st
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.CampaignListFilter{
		Search: q.Get("search"),
		Limit:  50,
	}

	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filter.Active = &active
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.sendError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		filter.Offset = n
	}

	campaigns, total, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: total})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats. With
// ?fire_at=RFC3339 the counts cover that firing only.
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	resp := StatsResponse{CampaignID: c.ID}
	scope := queue.CampaignScope(c.ID)
	var fireAt time.Time

	if v := r.URL.Query().Get("fire_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "fire_at must be an RFC 3339 timestamp")
			return
		}
		fireAt = t.UTC()
		resp.FireAt = &fireAt
		scope = queue.FiringScope(c.ID, fireAt)
	}

	stats, err := s.queue.Stats(r.Context(), scope)
	if err != nil {
		s.logger.Error("failed to get campaign stats", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	resp.Stats = stats

	lots, err := s.queue.ListLots(r.Context(), c.ID, fireAt)
	if err != nil {
		s.logger.Error("failed to list lots", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	for _, lot := range lots {
		ls, err := s.queue.Stats(r.Context(), queue.LotScope(lot.ID))
		if err != nil {
			s.logger.Error("failed to get lot stats", "lot_id", lot.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
			return
		}
		resp.Lots = append(resp.Lots, LotStats{Lot: lot, Stats: ls})
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleLotStats handles GET /api/v1/lots/{id}/stats
func (s *Server) handleLotStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := s.queue.Stats(r.Context(), queue.LotScope(id))
	if err != nil {
		s.logger.Error("failed to get lot stats", "lot_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	if stats.Total == 0 {
		s.sendError(w, http.StatusNotFound, "Lot not found")
		return
	}

	s.sendJSON(w, http.StatusOK, StatsResponse{LotID: id, Stats: stats})
}

// handleSchedulePreview handles POST /api/v1/schedule/preview
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Count == 0 {
		req.Count = 5
	}
	if req.Count < 1 || req.Count > maxPreviewCount {
		s.sendError(w, http.StatusBadRequest, "count must be between 1 and 100")
		return
	}

	spec, err := schedule.New(req.Schedule.Frequency, req.Schedule.Times, req.Schedule.Weekdays, req.Schedule.StartDate, req.Schedule.Timezone)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	from := time.Now()
	if req.From != nil {
		from = *req.From
	}

	upcoming, err := spec.Upcoming(from, req.Count)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if upcoming == nil {
		upcoming = []time.Time{}
	}

	s.sendJSON(w, http.StatusOK, PreviewResponse{Upcoming: upcoming})
}

// handleSchedulerStatus handles GET /api/v1/scheduler
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Scheduler not running")
		return
	}
	s.sendJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
