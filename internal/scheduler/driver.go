// Package scheduler polls for due campaigns, dispatches their firing and
// advances each campaign to its next occurrence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/schedule"
)

// CampaignStore loads due campaigns and persists firing outcomes.
// *repository.CampaignRepository implements it.
type CampaignStore interface {
	ListDue(ctx context.Context, now time.Time) ([]models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign, firingKey time.Time) error
}

// RecipientResolver expands recipient lists. *repository.RecipientRepository
// implements it.
type RecipientResolver interface {
	Resolve(ctx context.Context, listIDs []string) ([]models.Recipient, error)
}

// BatchDispatcher sends claimed items. *dispatch.Dispatcher implements it.
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, c *models.Campaign, items []queue.Item) (dispatch.BatchResult, error)
}

// Outcome of one campaign firing
type Outcome string

const (
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomePending means items of the firing are still claimed elsewhere;
	// the campaign stays due until they resolve or are reclaimed.
	OutcomePending Outcome = "pending_claims"
	// OutcomeStale means another instance advanced the campaign first
	OutcomeStale Outcome = "stale"
)

// Config controls the polling loop
type Config struct {
	PollInterval time.Duration
	Workers      int
	BatchLimit   int
	LotSize      int
	Timezone     string
}

// Status is a snapshot of the driver's counters
type Status struct {
	Running     bool              `json:"running"`
	LastTickAt  time.Time         `json:"last_tick_at"`
	Ticks       int64             `json:"ticks"`
	InFlight    int               `json:"in_flight"`
	Firings     map[Outcome]int64 `json:"firings"`
	LastError   string            `json:"last_error,omitempty"`
	LastErrorAt time.Time         `json:"last_error_at,omitempty"`
}

// Driver runs the campaign scheduling loop
type Driver struct {
	campaigns  CampaignStore
	recipients RecipientResolver
	queue      queue.Store
	dispatcher BatchDispatcher
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	status   Status
	inFlight map[string]bool // campaigns queued or firing

	// sem bounds concurrent firings across ticks
	sem  chan struct{}
	pool sync.WaitGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a driver
func New(campaigns CampaignStore, recipients RecipientResolver, store queue.Store, dispatcher BatchDispatcher, cfg Config, clk clock.Clock, logger *slog.Logger) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = queue.DefaultLotSize
	}

	return &Driver{
		campaigns:  campaigns,
		recipients: recipients,
		queue:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With("component", "scheduler"),
		status:     Status{Firings: make(map[Outcome]int64)},
		inFlight:   make(map[string]bool),
		sem:        make(chan struct{}, cfg.Workers),
	}
}

// Start runs the loop in the background until Stop is called
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run(ctx)
	}()
	d.logger.Info("scheduler started",
		"poll_interval", d.cfg.PollInterval,
		"workers", d.cfg.Workers,
		"batch_limit", d.cfg.BatchLimit,
	)
}

// Stop cancels the loop and waits for in-flight campaigns to wind down
func (d *Driver) Stop() {
	d.logger.Info("stopping scheduler...")
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.Wait()
	d.logger.Info("scheduler stopped")
}

// Wait blocks until every firing started by Tick has finished
func (d *Driver) Wait() {
	d.pool.Wait()
}

// Run ticks immediately and then every poll interval until ctx is done, then
// waits for the firings it started
func (d *Driver) Run(ctx context.Context) {
	d.setRunning(true)
	defer d.setRunning(false)
	defer d.Wait()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("scheduler tick failed", "error", err)
		}
		if err := d.clock.Sleep(ctx, d.cfg.PollInterval); err != nil {
			return
		}
	}
}

// Tick runs one poll. Every due campaign that is not already queued or firing
// is handed to the worker pool. Tick returns without waiting for the firings;
// Wait blocks until they are done.
func (d *Driver) Tick(ctx context.Context) error {
	now := d.clock.Now()
	d.recordTick(now)

	due, err := d.campaigns.ListDue(ctx, now)
	if err != nil {
		err = fmt.Errorf("failed to list due campaigns: %w", err)
		d.recordError(err)
		return err
	}
	if len(due) == 0 {
		return nil
	}

	scheduled := 0
	for i := range due {
		c := due[i]
		if !d.claimSlot(c.ID) {
			continue
		}
		scheduled++

		d.pool.Add(1)
		go func() {
			defer d.pool.Done()
			defer d.releaseSlot(c.ID)

			select {
			case <-ctx.Done():
				return
			case d.sem <- struct{}{}:
			}
			defer func() { <-d.sem }()

			d.fireAt(ctx, &c, now)
		}()
	}
	d.logger.Debug("due campaigns", "count", len(due), "scheduled", scheduled)
	return nil
}

// Fire processes one due campaign synchronously and reports what happened to it
func (d *Driver) Fire(ctx context.Context, c *models.Campaign) Outcome {
	return d.fireAt(ctx, c, d.clock.Now())
}

// fireAt fires c for the poll taken at now. now is the base of the next
// occurrence and becomes LastExecutedAt, however long the dispatch takes.
func (d *Driver) fireAt(ctx context.Context, c *models.Campaign, now time.Time) Outcome {
	if c.NextFireAt == nil {
		return OutcomeFailed
	}
	key := *c.NextFireAt
	logger := d.logger.With("campaign_id", c.ID, "fire_at", key)

	d.addInFlight(1)
	defer d.addInFlight(-1)

	outcome, err := d.fire(ctx, c, key, now, logger)
	if err != nil {
		d.recordError(err)
		logger.Error("campaign firing failed", "outcome", outcome, "error", err)
	}
	d.recordOutcome(outcome)
	return outcome
}

func (d *Driver) fire(ctx context.Context, c *models.Campaign, key, now time.Time, logger *slog.Logger) (Outcome, error) {
	recipients, err := d.recipients.Resolve(ctx, c.RecipientListIDs)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	lots, err := d.queue.EnsureFiring(ctx, c.ID, key, recipients, d.cfg.LotSize)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to enqueue firing: %w", err)
	}
	logger.Info("firing campaign", "recipients", len(recipients), "lots", len(lots))

	claimer := queue.NewClaimer(d.queue, c.ID, d.cfg.BatchLimit)
	var total dispatch.BatchResult
	for _, lot := range lots {
		for {
			if ctx.Err() != nil {
				logger.Info("firing interrupted", "sent", total.Sent, "errored", total.Errored)
				return OutcomeInterrupted, nil
			}

			items, err := claimer.Next(ctx, lot.ID)
			if err != nil {
				return OutcomeFailed, fmt.Errorf("failed to claim batch of lot %s: %w", lot.ID, err)
			}
			if len(items) == 0 {
				break
			}

			res, err := d.dispatcher.DispatchBatch(ctx, c, items)
			total.Sent += res.Sent
			total.Errored += res.Errored
			if err != nil && !errors.Is(err, queue.ErrNotClaimed) {
				return OutcomeFailed, fmt.Errorf("failed to dispatch batch of lot %s: %w", lot.ID, err)
			}
		}
	}
	if ctx.Err() != nil {
		return OutcomeInterrupted, nil
	}

	firing := queue.FiringScope(c.ID, key)
	stats, err := d.queue.Stats(ctx, firing)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to count firing results: %w", err)
	}
	if stats.Claimed > 0 || stats.Pending > 0 {
		logger.Warn("firing has unresolved items, keeping campaign due",
			"claimed", stats.Claimed,
			"pending", stats.Pending,
		)
		return OutcomePending, nil
	}

	// Slots that passed during the dispatch stay ahead of now and fire on a
	// later tick
	c.TotalSent += int64(stats.Sent)
	c.LastExecutedAt = &now

	outcome := OutcomeRescheduled
	next, ok, err := schedule.NextFire(c.Schedule.WithDefaultTimezone(d.cfg.Timezone), now)
	switch {
	case err != nil:
		logger.Error("campaign schedule is invalid, deactivating", "error", err)
		c.Active = false
		c.NextFireAt = nil
		outcome = OutcomeExhausted
	case ok:
		c.NextFireAt = &next
	default:
		c.Active = false
		c.NextFireAt = nil
		outcome = OutcomeExhausted
	}

	if err := d.campaigns.Update(ctx, c, key); err != nil {
		if errors.Is(err, repository.ErrStaleCampaign) {
			logger.Info("campaign already advanced by another instance")
			return OutcomeStale, nil
		}
		return OutcomeFailed, fmt.Errorf("failed to update campaign: %w", err)
	}

	logger.Info("campaign fired",
		"outcome", outcome,
		"sent", stats.Sent,
		"errored", stats.Error,
		"total_sent", c.TotalSent,
		"next_fire_at", c.NextFireAt,
	)
	return outcome, nil
}

// Status returns a snapshot of the driver counters
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.status
	s.Firings = make(map[Outcome]int64, len(d.status.Firings))
	for k, v := range d.status.Firings {
		s.Firings[k] = v
	}
	return s
}

// claimSlot marks a campaign as in flight, reporting false if it already was
func (d *Driver) claimSlot(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[id] {
		return false
	}
	d.inFlight[id] = true
	return true
}

func (d *Driver) releaseSlot(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

func (d *Driver) setRunning(running bool) {
	d.mu.Lock()
	d.status.Running = running
	d.mu.Unlock()
}

func (d *Driver) recordTick(now time.Time) {
	d.mu.Lock()
	d.status.Ticks++
	d.status.LastTickAt = now
	d.mu.Unlock()
	metrics.ObserveTick(float64(now.Unix()))
}

func (d *Driver) recordOutcome(o Outcome) {
	d.mu.Lock()
	d.status.Firings[o]++
	d.mu.Unlock()
	metrics.IncFirings(string(o))
}

func (d *Driver) recordError(err error) {
	d.mu.Lock()
	d.status.LastError = err.Error()
	d.status.LastErrorAt = d.clock.Now()
	d.mu.Unlock()
}

func (d *Driver) addInFlight(delta int) {
	d.mu.Lock()
	d.status.InFlight += delta
	d.mu.Unlock()
	metrics.AddCampaignsInFlight(float64(delta))
}
