package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/metrics"
)

// ReclaimerConfig contains reclaim sweep settings
type ReclaimerConfig struct {
	// Interval between sweeps
	Interval time.Duration
	// Grace is how long an item may stay claimed before it is considered
	// abandoned by a crashed worker
	Grace time.Duration
}

// Reclaimer periodically returns abandoned claims to pending
type Reclaimer struct {
	store  Store
	cfg    ReclaimerConfig
	clock  clock.Clock
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewReclaimer creates a new reclaim sweep
func NewReclaimer(store Store, cfg ReclaimerConfig, clk clock.Clock, logger *slog.Logger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reclaimer{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the sweep goroutine
func (r *Reclaimer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reclaimer started", "interval", r.cfg.Interval, "grace", r.cfg.Grace)
}

// Stop stops the sweep and waits for it to finish
func (r *Reclaimer) Stop() {
	close(r.done)
	r.wg.Wait()
	r.logger.Info("reclaimer stopped")
}

func (r *Reclaimer) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims every item claimed longer than the grace period ago
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.cfg.Grace)

	n, err := r.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to reclaim stale items", "error", err)
		return 0, err
	}

	if n > 0 {
		metrics.AddItemsReclaimed(n)
		r.logger.Warn("reclaimed stale claims", "count", n, "claimed_before", cutoff)
	}
	return n, nil
}
