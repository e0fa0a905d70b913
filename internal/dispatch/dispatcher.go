// Package dispatch sends claimed queue items one at a time with pacing and
// records each outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/template"
)

// Recorder persists item outcomes. queue.Store implements it.
type Recorder interface {
	Touch(ctx context.Context, itemID, token string) error
	MarkSent(ctx context.Context, itemID string) error
	MarkError(ctx context.Context, itemID, detail string) error
	Release(ctx context.Context, itemIDs []string) (int, error)
}

// SenderResolver looks up the sender of a campaign channel. *channel.Registry
// implements it.
type SenderResolver interface {
	Get(name string) (string, channel.Sender, error)
}

// Config controls pacing between sends
type Config struct {
	BaseDelay    time.Duration
	Jitter       time.Duration
	MaxPerSecond float64
	SendTimeout  time.Duration
}

// BatchResult counts what happened to the items of one batch. Skipped items
// were never attempted.
type BatchResult struct {
	Sent    int
	Errored int
	Skipped int
}

// Dispatcher delivers claimed items sequentially
type Dispatcher struct {
	store    Recorder
	senders  SenderResolver
	renderer template.Renderer
	cfg      Config
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *slog.Logger

	jitter func(max time.Duration) time.Duration
}

// New creates a dispatcher
func New(store Recorder, senders SenderResolver, renderer template.Renderer, cfg Config, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		store:    store,
		senders:  senders,
		renderer: renderer,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With("component", "dispatcher"),
		jitter:   randomJitter,
	}
	if cfg.MaxPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), 1)
	}
	return d
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// DispatchBatch sends every item of the batch in order. Per-recipient
// failures are recorded on the item and do not stop the batch. The returned
// error is non-nil only when recording failed: a store error aborts the rest
// of the batch, claim invariant violations are collected and joined.
//
// Each claim is renewed right before its send; an item whose claim was lost
// meanwhile (reclaimed, possibly re-claimed by another batch) is skipped
// without sending. If ctx is cancelled the item in flight is finished and the
// remaining items are released back to pending.
func (d *Dispatcher) DispatchBatch(ctx context.Context, c *models.Campaign, items []queue.Item) (BatchResult, error) {
	var res BatchResult
	if len(items) == 0 {
		return res, nil
	}

	logger := d.logger.With("campaign_id", c.ID)

	name, sender, err := d.senders.Get(c.Channel)
	if err != nil {
		res.Skipped += d.release(ctx, logger, items)
		metrics.IncBatches("aborted")
		return res, fmt.Errorf("failed to resolve channel for campaign %s: %w", c.ID, err)
	}

	// Outcomes are committed even after ctx is cancelled
	recordCtx := context.WithoutCancel(ctx)

	var violations []error
	for i, item := range items {
		if err := d.pace(ctx, i); err != nil {
			released := d.release(ctx, logger, items[i:])
			res.Skipped += released
			logger.Info("batch interrupted", "attempted", i, "released", released)
			metrics.IncBatches("interrupted")
			return res, errors.Join(violations...)
		}

		if err := d.store.Touch(recordCtx, item.ID, item.ClaimToken); err != nil {
			var inv *queue.InvariantError
			switch {
			case errors.As(err, &inv) && inv.Status.Terminal():
				// Resolved by someone else while this batch held it
				violations = append(violations, d.violation(logger, item, inv))
			case errors.Is(err, queue.ErrNotClaimed), errors.Is(err, queue.ErrItemNotFound):
				// Reclaimed by the sweep, possibly claimed again by another batch
				res.Skipped++
				metrics.IncClaimsLost()
				logger.Warn("claim lost before send, skipping item", "item_id", item.ID, "error", err)
			default:
				res.Skipped += d.release(ctx, logger, items[i:])
				metrics.IncBatches("aborted")
				return res, fmt.Errorf("failed to renew claim of item %s: %w", item.ID, err)
			}
			continue
		}

		ok, detail := d.attempt(ctx, c, name, sender, item, logger)

		var recErr error
		if ok {
			recErr = d.store.MarkSent(recordCtx, item.ID)
		} else {
			recErr = d.store.MarkError(recordCtx, item.ID, detail)
		}

		if recErr != nil {
			var inv *queue.InvariantError
			if errors.As(recErr, &inv) {
				violations = append(violations, d.violation(logger, item, inv))
				continue
			}

			res.Skipped += d.release(ctx, logger, items[i+1:])
			metrics.IncBatches("aborted")
			return res, fmt.Errorf("failed to record outcome of item %s: %w", item.ID, recErr)
		}

		if ok {
			res.Sent++
		} else {
			res.Errored++
		}
	}

	outcome := "completed"
	if len(violations) > 0 {
		outcome = "invariant_violation"
	}
	metrics.IncBatches(outcome)
	return res, errors.Join(violations...)
}

// violation counts and logs a claim invariant violation and returns it
func (d *Dispatcher) violation(logger *slog.Logger, item queue.Item, inv *queue.InvariantError) error {
	metrics.IncInvariantViolations(inv.Op)
	logger.Error("claim invariant violated",
		"kind", "invariant_violation",
		"item_id", item.ID,
		"op", inv.Op,
		"status", inv.Status,
	)
	return inv
}

// pace waits before every send except the first of the batch
func (d *Dispatcher) pace(ctx context.Context, i int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i > 0 {
		wait := d.cfg.BaseDelay + d.jitter(d.cfg.Jitter)
		if wait > 0 {
			if err := d.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			metrics.AddPacingWait(wait.Seconds())
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// attempt renders and sends one item, returning whether it was delivered and
// the failure detail otherwise
func (d *Dispatcher) attempt(ctx context.Context, c *models.Campaign, name string, sender channel.Sender, item queue.Item, logger *slog.Logger) (bool, string) {
	message, err := d.renderer.Render(c.MessageTemplate, item.Recipient)
	if err != nil {
		logger.Warn("render failed", "item_id", item.ID, "error", err)
		return false, "render: " + err.Error()
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	start := d.clock.Now()
	out, err := sender.Send(sendCtx, item.Recipient, message)
	elapsed := d.clock.Now().Sub(start)

	switch {
	case err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		metrics.ObserveSend(name, false, elapsed.Seconds())
		logger.Warn("send timed out", "item_id", item.ID, "timeout", d.cfg.SendTimeout)
		return false, fmt.Sprintf("send timed out after %s", d.cfg.SendTimeout)
	case err != nil:
		metrics.ObserveSend(name, false, elapsed.Seconds())
		logger.Warn("send failed",
			"item_id", item.ID,
			"temporary", channel.IsTemporary(err),
			"error", err,
		)
		return false, err.Error()
	case !out.Success:
		metrics.ObserveSend(name, false, elapsed.Seconds())
		detail := out.Detail
		if detail == "" {
			detail = "rejected by channel"
		}
		logger.Debug("send refused", "item_id", item.ID, "detail", detail)
		return false, detail
	}

	metrics.ObserveSend(name, true, elapsed.Seconds())
	return true, ""
}

// release returns never-attempted items to pending and reports their count
func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, items []queue.Item) int {
	if len(items) == 0 {
		return 0
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	n, err := d.store.Release(context.WithoutCancel(ctx), ids)
	if err != nil {
		logger.Error("failed to release items", "count", len(ids), "error", err)
		return len(items)
	}
	metrics.AddItemsReleased(n)
	return len(items)
}
