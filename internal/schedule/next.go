// Package schedule computes fire instants for recurring campaigns.
//
// All functions are pure: the caller passes the current instant and the
// result depends only on the arguments. A slot equal to "now" counts as
// already passed, so a campaign never fires twice for the same instant.
package schedule

import (
	"time"
)

// NextFire returns the earliest slot of s strictly after now. The boolean is
// false when the schedule will not fire again (an exhausted one-time schedule).
// An invalid spec is reported as an error wrapping ErrInvalidSpec.
func NextFire(s Spec, now time.Time) (time.Time, bool, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, false, err
	}
	loc, _ := s.Location()

	today := DateOf(now.In(loc))

	switch s.Frequency {
	case Once:
		if today != s.StartDate {
			return time.Time{}, false, nil
		}
		t, ok := s.earliestAfter(today, now, loc)
		return t, ok, nil

	case Daily:
		if t, ok := s.earliestAfter(today, now, loc); ok {
			return t, true, nil
		}
		return s.earliestOn(addDays(today, 1), loc), true, nil

	case Weekly:
		if s.activeOn(weekdayOf(today)) {
			if t, ok := s.earliestAfter(today, now, loc); ok {
				return t, true, nil
			}
		}
		for i := 1; i <= 7; i++ {
			day := addDays(today, i)
			if s.activeOn(weekdayOf(day)) {
				return s.earliestOn(day, loc), true, nil
			}
		}
	}

	// Unreachable for a validated spec
	return time.Time{}, false, ErrInvalidSpec
}

// FirstFire returns the first occurrence at or after t, never earlier than
// the start date. It seeds NextFireAt when a campaign is created.
func FirstFire(s Spec, t time.Time) (time.Time, bool, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, false, err
	}
	loc, _ := s.Location()

	from := t.Add(-time.Nanosecond)
	if !s.StartDate.IsZero() {
		start := s.StartDate.Midnight(loc)
		if from.Before(start) {
			if s.Frequency == Once {
				return s.earliestOn(s.StartDate, loc), true, nil
			}
			from = start.Add(-time.Nanosecond)
		}
	}
	return NextFire(s, from)
}

// Upcoming returns up to n consecutive fire instants strictly after now,
// none of them before the start date
func (s Spec) Upcoming(now time.Time, n int) ([]time.Time, error) {
	var out []time.Time
	next, ok, err := FirstFire(s, now.Add(time.Nanosecond))
	for err == nil && ok && len(out) < n {
		out = append(out, next)
		next, ok, err = NextFire(s, next)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// earliestAfter scans every slot on day and keeps the earliest one strictly
// after now. Times need not be sorted.
func (s Spec) earliestAfter(day Date, now time.Time, loc *time.Location) (time.Time, bool) {
	var best time.Time
	found := false
	for _, tod := range s.Times {
		slot := at(day, tod, loc)
		if !slot.After(now) {
			continue
		}
		if !found || slot.Before(best) {
			best = slot
			found = true
		}
	}
	return best, found
}

func (s Spec) earliestOn(day Date, loc *time.Location) time.Time {
	var best time.Time
	for i, tod := range s.Times {
		slot := at(day, tod, loc)
		if i == 0 || slot.Before(best) {
			best = slot
		}
	}
	return best
}

func at(day Date, tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(day.Year, day.Month, day.Day, tod.Hour, tod.Minute, 0, 0, loc)
}

func addDays(d Date, n int) Date {
	// Noon in UTC keeps the arithmetic clear of DST transitions
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func weekdayOf(d Date) time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}
