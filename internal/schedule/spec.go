package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSpec is returned for schedules that violate their invariants
var ErrInvalidSpec = errors.New("invalid schedule")

// Frequency selects the recurrence variant
type Frequency string

const (
	Once   Frequency = "once"
	Daily  Frequency = "daily"
	Weekly Frequency = "weekly"
)

// ParseFrequency parses once, daily or weekly (case-insensitive)
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case Once, Daily, Weekly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidSpec, s)
	}
}

// TimeOfDay is a wall-clock slot in the schedule's timezone
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: bad time of day %q", ErrInvalidSpec, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) before(o TimeOfDay) bool {
	if t.Hour != o.Hour {
		return t.Hour < o.Hour
	}
	return t.Minute < o.Minute
}

// MarshalText implements encoding.TextMarshaler
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date is a calendar date without a zone
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses "YYYY-MM-DD"
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: bad date %q", ErrInvalidSpec, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// IsZero reports whether the date is unset
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Midnight returns 00:00 of the date in loc
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// MarshalText implements encoding.TextMarshaler
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; empty text is the zero date
func (d *Date) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Spec describes when a campaign fires. Build it with New so the
// per-frequency fields are validated and normalised.
type Spec struct {
	Frequency Frequency      `json:"frequency" yaml:"frequency"`
	Times     []TimeOfDay    `json:"times" yaml:"times"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	StartDate Date           `json:"start_date" yaml:"start_date"`
	Timezone  string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// New builds a validated Spec. Times and weekdays are sorted and de-duplicated.
func New(freq Frequency, times []TimeOfDay, weekdays []time.Weekday, start Date, timezone string) (Spec, error) {
	s := Spec{
		Frequency: freq,
		Times:     normalizeTimes(times),
		Weekdays:  normalizeWeekdays(weekdays),
		StartDate: start,
		Timezone:  timezone,
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate checks the invariants of the variant selected by Frequency
func (s Spec) Validate() error {
	switch s.Frequency {
	case Once, Daily, Weekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSpec, s.Frequency)
	}

	if len(s.Times) == 0 {
		return fmt.Errorf("%w: at least one time of day is required", ErrInvalidSpec)
	}
	for _, t := range s.Times {
		if !t.valid() {
			return fmt.Errorf("%w: time of day %s out of range", ErrInvalidSpec, t)
		}
	}

	switch s.Frequency {
	case Weekly:
		if len(s.Weekdays) == 0 {
			return fmt.Errorf("%w: weekly schedule needs at least one weekday", ErrInvalidSpec)
		}
		for _, wd := range s.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidSpec, wd)
			}
		}
	default:
		if len(s.Weekdays) > 0 {
			return fmt.Errorf("%w: weekdays only apply to weekly schedules", ErrInvalidSpec)
		}
	}

	if s.Frequency == Once && s.StartDate.IsZero() {
		return fmt.Errorf("%w: one-time schedule needs a start date", ErrInvalidSpec)
	}

	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone; empty means UTC
func (s Spec) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSpec, s.Timezone)
	}
	return loc, nil
}

// WithDefaultTimezone returns s with Timezone set to tz when it is empty
func (s Spec) WithDefaultTimezone(tz string) Spec {
	if s.Timezone == "" {
		s.Timezone = tz
	}
	return s
}

func (s Spec) activeOn(wd time.Weekday) bool {
	for _, d := range s.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// ParseTimes parses a comma separated list of "HH:MM" slots
func ParseTimes(s string) ([]TimeOfDay, error) {
	var out []TimeOfDay
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseTimeOfDay(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses a comma separated list of weekday numbers (0=Sunday)
// or three-letter names
func ParseWeekdays(s string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if wd, ok := weekdayNames[part]; ok {
			out = append(out, wd)
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("%w: bad weekday %q", ErrInvalidSpec, part)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

func normalizeTimes(in []TimeOfDay) []TimeOfDay {
	out := append([]TimeOfDay(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	n := 0
	for i, t := range out {
		if i > 0 && t == out[n-1] {
			continue
		}
		out[n] = t
		n++
	}
	return out[:n]
}

func normalizeWeekdays(in []time.Weekday) []time.Weekday {
	if len(in) == 0 {
		return nil
	}
	out := append([]time.Weekday(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, wd := range out {
		if i > 0 && wd == out[n-1] {
			continue
		}
		out[n] = wd
		n++
	}
	return out[:n]
}
