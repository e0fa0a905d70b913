package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/queue"
)

var (
	queueCampaign string
	queueLot      string
	queueFireAt   string
	queueGrace    time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Dispatch queue commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts per status",
	Long:  `Show item counts for the whole queue, one campaign (optionally one firing) or one lot.`,
	RunE:  runQueueStats,
}

var queueLotsCmd = &cobra.Command{
	Use:   "lots",
	Short: "List the lots of a campaign",
	RunE:  runQueueLots,
}

var queueReclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return stale claims to pending",
	Long:  `Return items claimed longer than the grace period ago to pending. Run it after a crash when the service is not running.`,
	RunE:  runQueueReclaim,
}

func init() {
	queueStatsCmd.Flags().StringVar(&queueCampaign, "campaign", "", "Campaign ID")
	queueStatsCmd.Flags().StringVar(&queueLot, "lot", "", "Lot ID (takes precedence over --campaign)")
	queueStatsCmd.Flags().StringVar(&queueFireAt, "fire-at", "", "Firing instant (RFC 3339), requires --campaign")

	queueLotsCmd.Flags().StringVar(&queueCampaign, "campaign", "", "Campaign ID (required)")
	queueLotsCmd.Flags().StringVar(&queueFireAt, "fire-at", "", "Firing instant (RFC 3339)")
	queueLotsCmd.MarkFlagRequired("campaign")

	queueReclaimCmd.Flags().DurationVar(&queueGrace, "grace", 0, "Override reclaim.grace")

	queueCmd.AddCommand(queueStatsCmd, queueLotsCmd, queueReclaimCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueueStorage opens the configured queue. The returned func closes the
// queue and the database behind it.
func openQueueStorage() (queue.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store, err := app.OpenQueue(cfg, database, clock.Real{})
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	return store, func() {
		store.Close()
		database.Close()
	}, nil
}

func parseFireAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --fire-at: %w", err)
	}
	return t.UTC(), nil
}

// statsScope builds the scope selected by the stats flags
func statsScope(campaignID, lotID, fireAt string) (queue.Scope, error) {
	t, err := parseFireAt(fireAt)
	if err != nil {
		return queue.Scope{}, err
	}
	switch {
	case lotID != "":
		return queue.LotScope(lotID), nil
	case campaignID != "" && !t.IsZero():
		return queue.FiringScope(campaignID, t), nil
	case campaignID != "":
		return queue.CampaignScope(campaignID), nil
	case !t.IsZero():
		return queue.Scope{}, fmt.Errorf("--fire-at requires --campaign")
	}
	return queue.Scope{}, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	scope, err := statsScope(queueCampaign, queueLot, queueFireAt)
	if err != nil {
		return err
	}

	store, closeFn, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := store.Stats(context.Background(), scope)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	printStats(os.Stdout, scope, stats)
	return nil
}

func printStats(w io.Writer, scope queue.Scope, stats queue.Stats) {
	title := "Queue Statistics"
	switch {
	case scope.LotID != "":
		title = "Lot " + scope.LotID
	case scope.CampaignID != "" && !scope.FireAt.IsZero():
		title = fmt.Sprintf("Campaign %s @ %s", scope.CampaignID, scope.FireAt.Format(time.RFC3339))
	case scope.CampaignID != "":
		title = "Campaign " + scope.CampaignID
	}

	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", len(title)))
	fmt.Fprintf(w, "Total:   %d\n", stats.Total)
	fmt.Fprintf(w, "Pending: %d\n", stats.Pending)
	fmt.Fprintf(w, "Claimed: %d\n", stats.Claimed)
	fmt.Fprintf(w, "Sent:    %d\n", stats.Sent)
	fmt.Fprintf(w, "Error:   %d\n", stats.Error)
}

func runQueueLots(cmd *cobra.Command, args []string) error {
	fireAt, err := parseFireAt(queueFireAt)
	if err != nil {
		return err
	}

	store, closeFn, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	lots, err := store.ListLots(ctx, queueCampaign, fireAt)
	if err != nil {
		return fmt.Errorf("failed to list lots: %w", err)
	}
	if len(lots) == 0 {
		fmt.Println("No lots found")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOT\tFIRE AT\tSEQ\tSIZE\tPENDING\tCLAIMED\tSENT\tERROR")
	for _, lot := range lots {
		st, err := store.Stats(ctx, queue.LotScope(lot.ID))
		if err != nil {
			return fmt.Errorf("failed to get lot stats: %w", err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			lot.ID, lot.FireAt.Format(time.RFC3339), lot.Seq, lot.Size,
			st.Pending, st.Claimed, st.Sent, st.Error)
	}
	return tw.Flush()
}

func runQueueReclaim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	grace := cfg.Reclaim.Grace
	if queueGrace > 0 {
		grace = queueGrace
	}

	store, closeFn, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := queue.NewReclaimer(store, queue.ReclaimerConfig{Grace: grace}, clock.Real{}, logger)

	n, err := r.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("failed to reclaim: %w", err)
	}

	fmt.Printf("Reclaimed %d item(s) claimed more than %s ago\n", n, grace)
	return nil
}
