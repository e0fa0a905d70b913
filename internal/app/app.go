package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/dkim"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/scheduler"
	"github.com/foxzi/cadence/internal/template"
	cadenceTLS "github.com/foxzi/cadence/internal/tls"
)

// Version is reported by the health endpoint
var Version = "dev"

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	queue         queue.Store
	campaigns     *repository.CampaignRepository
	recipients    *repository.RecipientRepository
	channels      *channel.Registry
	driver        *scheduler.Driver
	reclaimer     *queue.Reclaimer
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	clk := clock.Real{}

	database, err := db.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store, err := OpenQueue(cfg, database, clk)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		config:     cfg,
		db:         database,
		queue:      store,
		campaigns:  repository.NewCampaignRepository(database.DB),
		recipients: repository.NewRecipientRepository(database.DB),
		logger:     logger,
	}

	a.channels, err = buildChannels(cfg.Channels, clk, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	renderer, err := template.New(cfg.Template.Engine, cfg.Template.Variables, cfg.Template.Strict)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	dispatcher := dispatch.New(store, a.channels, renderer, dispatch.Config{
		BaseDelay:    cfg.Pacing.BaseDelay,
		Jitter:       cfg.Pacing.Jitter,
		MaxPerSecond: cfg.Pacing.MaxPerSecond,
		SendTimeout:  cfg.Pacing.SendTimeout,
	}, clk, logger.With("component", "dispatcher"))

	a.driver = scheduler.New(a.campaigns, a.recipients, store, dispatcher, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		Workers:      cfg.Scheduler.Workers,
		BatchLimit:   cfg.Scheduler.BatchLimit,
		LotSize:      cfg.Queue.LotSize,
		Timezone:     cfg.Scheduler.Timezone,
	}, clk, logger)

	a.reclaimer = queue.NewReclaimer(store, queue.ReclaimerConfig{
		Interval: cfg.Reclaim.Interval,
		Grace:    cfg.Reclaim.Grace,
	}, clk, logger.With("component", "reclaimer"))

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		storagePath := cfg.Storage.SQLitePath
		if bs, ok := store.(*queue.BoltStore); ok {
			storagePath = bs.Path()
		}
		a.collector = metrics.NewCollector(m, queueStats{store}, storagePath, cfg.Metrics.FlushInterval)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	if cfg.API.Enabled {
		var tlsConfig *tls.Config
		if cfg.API.TLSCertFile != "" {
			tlsConfig, err = cadenceTLS.LoadCertificate(cfg.API.TLSCertFile, cfg.API.TLSKeyFile)
			if err != nil {
				a.close()
				return nil, err
			}
		}
		a.apiServer = api.NewServer(api.Options{
			Config:    &cfg.API,
			Campaigns: a.campaigns,
			Queue:     store,
			Scheduler: a.driver,
			TLSConfig: tlsConfig,
			Logger:    logger,
			Version:   Version,
		})
	}

	return a, nil
}

// OpenQueue opens the dispatch queue selected by queue.driver. The sqlite
// driver shares database.
func OpenQueue(cfg *config.Config, database *db.DB, clk clock.Clock) (queue.Store, error) {
	switch cfg.Queue.Driver {
	case "sqlite":
		return queue.NewSQLStore(database.DB, clk), nil
	case "bolt":
		store, err := queue.NewBoltStore(cfg.Storage.BoltPath, clk)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

// buildChannels registers every enabled delivery channel
func buildChannels(cfg config.ChannelsConfig, clk clock.Clock, logger *slog.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry(cfg.Default)

	if cfg.SMTP.Enabled {
		var signer *dkim.Signer
		if cfg.SMTP.DKIM.Enabled {
			var err error
			signer, err = dkim.Load(dkim.Options{
				Domain:     cfg.SMTP.DKIM.Domain,
				Selector:   cfg.SMTP.DKIM.Selector,
				KeyFile:    cfg.SMTP.DKIM.KeyFile,
				HeaderKeys: cfg.SMTP.DKIM.Headers,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
		}

		sender, err := channel.NewSMTP(channel.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.SMTP.From,
			Subject:            cfg.SMTP.Subject,
			HeloName:           cfg.SMTP.HeloName,
			StartTLS:           cfg.SMTP.StartTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			Timeout:            cfg.SMTP.Timeout,
		}, signer, logger.With("component", "smtp_channel"))
		if err != nil {
			return nil, fmt.Errorf("failed to create smtp channel: %w", err)
		}
		reg.Register("smtp", sender)
	}

	if cfg.Webhook.Enabled {
		sender, err := channel.NewWebhook(channel.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Token:   cfg.Webhook.Token,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook channel: %w", err)
		}
		reg.Register("webhook", sender)
	}

	if cfg.Sandbox.Enabled {
		sb := channel.NewSandbox(cfg.Sandbox.Limit, clk, logger.With("component", "sandbox_channel"))
		if cfg.Sandbox.SimulateErrors {
			sb.SetErrorSimulation(true, cfg.Sandbox.ErrorProbability)
			logger.Warn("sandbox error simulation enabled", "probability", cfg.Sandbox.ErrorProbability)
		}
		reg.Register("sandbox", sb)
	}

	if _, _, err := reg.Get(""); err != nil {
		return nil, fmt.Errorf("default channel %q: %w", cfg.Default, err)
	}

	logger.Info("delivery channels ready", "channels", reg.Names(), "default", cfg.Default)
	return reg, nil
}

// queueStats exposes whole-queue counts to the metrics collector
type queueStats struct {
	store queue.Store
}

func (q queueStats) QueueStats(ctx context.Context) (map[string]int, error) {
	st, err := q.store.Stats(ctx, queue.Scope{})
	if err != nil {
		return nil, err
	}
	return map[string]int{
		string(queue.StatusPending): st.Pending,
		string(queue.StatusClaimed): st.Claimed,
		string(queue.StatusSent):    st.Sent,
		string(queue.StatusError):   st.Error,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting cadence",
		"version", Version,
		"queue_driver", a.config.Queue.Driver,
		"poll_interval", a.config.Scheduler.PollInterval,
		"api_enabled", a.apiServer != nil,
		"metrics_enabled", a.metricsServer != nil,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	// The reclaimer sweeps once on start, picking up claims left by a crash
	a.reclaimer.Start(ctx)
	a.driver.Start(ctx)

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. In-flight sends finish
// within pacing.send_timeout; unattempted claims are released.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Pacing.SendTimeout+10*time.Second)
	defer cancel()

	// Stop the scheduler first so no new firings start
	a.driver.Stop()
	a.reclaimer.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.close(); err != nil {
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) close() error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
