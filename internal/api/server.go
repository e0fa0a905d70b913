package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/ipfilter"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/scheduler"
)

// CampaignReader reads stored campaigns
type CampaignReader interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error)
}

// QueueReader reads dispatch queue progress
type QueueReader interface {
	Stats(ctx context.Context, scope queue.Scope) (queue.Stats, error)
	ListLots(ctx context.Context, campaignID string, fireAt time.Time) ([]queue.Lot, error)
}

// StatusProvider reports scheduler state. *scheduler.Driver implements it.
type StatusProvider interface {
	Status() scheduler.Status
}

// Options contains the dependencies of the API server
type Options struct {
	Config    *config.APIConfig
	Campaigns CampaignReader
	Queue     QueueReader
	Scheduler StatusProvider // optional
	TLSConfig *tls.Config    // optional, serves HTTPS when set
	Logger    *slog.Logger
	Version   string
}

// Server is the read-only reporting API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  CampaignReader
	queue      QueueReader
	scheduler  StatusProvider
	config     *config.APIConfig
	filter     *ipfilter.Filter
	tlsConfig  *tls.Config
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: opts.Campaigns,
		queue:     opts.Queue,
		scheduler: opts.Scheduler,
		config:    opts.Config,
		filter:    ipfilter.New("api", opts.Config.AllowedIPs, logger),
		tlsConfig: opts.TLSConfig,
		logger:    logger,
		version:   opts.Version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// No RealIP: the IP filter trusts the connection address only
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.HTTPMiddleware)
		r.Use(s.authMiddleware)

		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Get("/campaigns/{id}/stats", s.handleCampaignStats)
		r.Get("/lots/{id}/stats", s.handleLotStats)
		r.Post("/schedule/preview", s.handleSchedulePreview)
		r.Get("/scheduler", s.handleSchedulerStatus)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		// Certificates come from TLSConfig
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
