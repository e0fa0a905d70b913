package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/schedule"
)

var (
	scheduleFrequency string
	scheduleTimes     string
	scheduleWeekdays  string
	scheduleStart     string
	scheduleTimezone  string
	scheduleFrom      string
	scheduleCount     int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule commands",
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Preview upcoming fire times",
	Long: `Print the next fire times of a schedule, e.g.

  cadence schedule next --frequency weekly --times 09:00,18:30 --weekdays 1,3,5 -n 6`,
	RunE: runScheduleNext,
}

func init() {
	f := scheduleNextCmd.Flags()
	f.StringVar(&scheduleFrequency, "frequency", "", "once, daily or weekly (required)")
	f.StringVar(&scheduleTimes, "times", "", "Comma-separated HH:MM times of day (required)")
	f.StringVar(&scheduleWeekdays, "weekdays", "", "Comma-separated weekdays as 0-6 (0 = Sunday) or mon..sun, weekly only")
	f.StringVar(&scheduleStart, "start", "", "Start date YYYY-MM-DD (required for once)")
	f.StringVar(&scheduleTimezone, "timezone", "", "IANA timezone, default UTC")
	f.StringVar(&scheduleFrom, "from", "", "Preview from this RFC 3339 instant instead of now")
	f.IntVarP(&scheduleCount, "count", "n", 5, "Number of fire times to print")
	scheduleNextCmd.MarkFlagRequired("frequency")
	scheduleNextCmd.MarkFlagRequired("times")

	scheduleCmd.AddCommand(scheduleNextCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// buildSpec parses the schedule flags into a validated Spec
func buildSpec(frequency, times, weekdays, start, timezone string) (schedule.Spec, error) {
	freq, err := schedule.ParseFrequency(frequency)
	if err != nil {
		return schedule.Spec{}, err
	}
	tods, err := schedule.ParseTimes(times)
	if err != nil {
		return schedule.Spec{}, err
	}

	var wds []time.Weekday
	if weekdays != "" {
		if wds, err = schedule.ParseWeekdays(weekdays); err != nil {
			return schedule.Spec{}, err
		}
	}

	var startDate schedule.Date
	if start != "" {
		if startDate, err = schedule.ParseDate(start); err != nil {
			return schedule.Spec{}, err
		}
	}

	return schedule.New(freq, tods, wds, startDate, timezone)
}

func runScheduleNext(cmd *cobra.Command, args []string) error {
	if scheduleCount < 1 {
		return fmt.Errorf("-n must be positive")
	}

	spec, err := buildSpec(scheduleFrequency, scheduleTimes, scheduleWeekdays, scheduleStart, scheduleTimezone)
	if err != nil {
		return err
	}

	from := time.Now()
	if scheduleFrom != "" {
		if from, err = time.Parse(time.RFC3339, scheduleFrom); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}

	return printUpcoming(os.Stdout, spec, from, scheduleCount)
}

func printUpcoming(w io.Writer, spec schedule.Spec, from time.Time, n int) error {
	upcoming, err := spec.Upcoming(from, n)
	if err != nil {
		return err
	}
	if len(upcoming) == 0 {
		fmt.Fprintln(w, "Schedule will not fire again")
		return nil
	}

	for _, t := range upcoming {
		fmt.Fprintf(w, "%s  %s\n", t.Format(time.RFC3339), t.Weekday())
	}
	return nil
}
