package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustSpec(t *testing.T, freq Frequency, times string, weekdays []time.Weekday, start string) Spec {
	t.Helper()

	tods, err := ParseTimes(times)
	if err != nil {
		t.Fatalf("ParseTimes(%q) error = %v", times, err)
	}
	var d Date
	if start != "" {
		if d, err = ParseDate(start); err != nil {
			t.Fatalf("ParseDate(%q) error = %v", start, err)
		}
	}
	s, err := New(freq, tods, weekdays, d, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func utc(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFire(t *testing.T) {
	// 2026-10-14 is a Wednesday
	tests := []struct {
		name   string
		spec   func(t *testing.T) Spec
		now    string
		want   string
		wantOK bool
	}{
		{
			name:   "once before slot",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00", nil, "2026-10-14") },
			now:    "2026-10-14 09:00",
			want:   "2026-10-14 10:00",
			wantOK: true,
		},
		{
			name:   "once after slot is exhausted",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00", nil, "2026-10-14") },
			now:    "2026-10-14 11:00",
			wantOK: false,
		},
		{
			name:   "once slot equal to now has passed",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00", nil, "2026-10-14") },
			now:    "2026-10-14 10:00",
			wantOK: false,
		},
		{
			name:   "once multiple slots picks next remaining",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "18:00,09:00,12:00", nil, "2026-10-14") },
			now:    "2026-10-14 09:00",
			want:   "2026-10-14 12:00",
			wantOK: true,
		},
		{
			name:   "once on another day never fires",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00", nil, "2026-10-13") },
			now:    "2026-10-14 08:00",
			wantOK: false,
		},
		{
			name:   "daily later slot today",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Daily, "09:00,18:00", nil, "") },
			now:    "2026-10-14 10:00",
			want:   "2026-10-14 18:00",
			wantOK: true,
		},
		{
			name:   "daily rollover to tomorrow",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Daily, "09:00,18:00", nil, "") },
			now:    "2026-10-14 19:00",
			want:   "2026-10-15 09:00",
			wantOK: true,
		},
		{
			name:   "daily rollover across month end",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Daily, "07:30", nil, "") },
			now:    "2026-10-31 23:00",
			want:   "2026-11-01 07:30",
			wantOK: true,
		},
		{
			name:   "weekly searches following monday",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Weekly, "08:00", []time.Weekday{1, 3}, "") },
			now:    "2026-10-15 12:00", // Thursday
			want:   "2026-10-19 08:00",
			wantOK: true,
		},
		{
			name:   "weekly active today with remaining slot",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Weekly, "08:00,20:00", []time.Weekday{3}, "") },
			now:    "2026-10-14 12:00",
			want:   "2026-10-14 20:00",
			wantOK: true,
		},
		{
			name:   "weekly single weekday wraps a full week",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Weekly, "08:00", []time.Weekday{3}, "") },
			now:    "2026-10-14 09:00",
			want:   "2026-10-21 08:00",
			wantOK: true,
		},
		{
			name:   "weekly sunday from saturday night",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Weekly, "06:00", []time.Weekday{0}, "") },
			now:    "2026-10-17 23:59",
			want:   "2026-10-18 06:00",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := NextFire(tt.spec(t), utc(tt.now))
			if err != nil {
				t.Fatalf("NextFire() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("NextFire() ok = %v, want %v (got %v)", ok, tt.wantOK, got)
			}
			if tt.wantOK && !got.Equal(utc(tt.want)) {
				t.Errorf("NextFire() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextFireDeterministic(t *testing.T) {
	s := mustSpec(t, Weekly, "08:00,13:15,21:45", []time.Weekday{0, 2, 5}, "")
	now := utc("2026-10-14 13:15")

	for i := 0; i < 50; i++ {
		cursor := now.Add(time.Duration(i) * 7 * time.Hour)
		a, okA, errA := NextFire(s, cursor)
		b, okB, errB := NextFire(s, cursor)
		if !a.Equal(b) || okA != okB || errA != errB {
			t.Fatalf("NextFire not deterministic at %v: %v/%v vs %v/%v", cursor, a, okA, b, okB)
		}
		if okA && !a.After(cursor) {
			t.Fatalf("NextFire(%v) = %v, not strictly after now", cursor, a)
		}
	}
}

func TestNextFireTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tods, _ := ParseTimes("09:00")
	s, err := New(Daily, tods, nil, Date{}, "Europe/Berlin")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// 08:30 UTC is 10:30 in Berlin (CEST), so today's slot has passed
	now := time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC)
	got, ok, err := NextFire(s, now)
	if err != nil || !ok {
		t.Fatalf("NextFire() = %v, %v, %v", got, ok, err)
	}
	want := time.Date(2026, 10, 15, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextFire() = %v, want %v", got, want)
	}
}

func TestNextFireInvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"empty times", Spec{Frequency: Daily}},
		{"weekly without weekdays", Spec{Frequency: Weekly, Times: []TimeOfDay{{8, 0}}}},
		{"once without start date", Spec{Frequency: Once, Times: []TimeOfDay{{8, 0}}}},
		{"unknown frequency", Spec{Frequency: "hourly", Times: []TimeOfDay{{8, 0}}}},
		{"hour out of range", Spec{Frequency: Daily, Times: []TimeOfDay{{24, 0}}}},
		{"bad timezone", Spec{Frequency: Daily, Times: []TimeOfDay{{8, 0}}, Timezone: "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := NextFire(tt.spec, utc("2026-10-14 09:00"))
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("NextFire() error = %v, want ErrInvalidSpec", err)
			}
			if ok {
				t.Error("NextFire() ok = true for invalid spec")
			}
		})
	}
}

func TestFirstFire(t *testing.T) {
	tests := []struct {
		name   string
		spec   func(t *testing.T) Spec
		at     string
		want   string
		wantOK bool
	}{
		{
			name:   "slot equal to creation time counts",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Daily, "09:00", nil, "") },
			at:     "2026-10-14 09:00",
			want:   "2026-10-14 09:00",
			wantOK: true,
		},
		{
			name:   "once created days ahead of start date",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00,07:00", nil, "2026-10-20") },
			at:     "2026-10-14 12:00",
			want:   "2026-10-20 07:00",
			wantOK: true,
		},
		{
			name:   "once created after start date",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Once, "10:00", nil, "2026-10-01") },
			at:     "2026-10-14 12:00",
			wantOK: false,
		},
		{
			name:   "daily waits for start date",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Daily, "23:00,06:00", nil, "2026-10-16") },
			at:     "2026-10-14 05:00",
			want:   "2026-10-16 06:00",
			wantOK: true,
		},
		{
			name:   "weekly start date on inactive day",
			spec:   func(t *testing.T) Spec { return mustSpec(t, Weekly, "08:00", []time.Weekday{1}, "2026-10-14") },
			at:     "2026-10-01 00:00",
			want:   "2026-10-19 08:00",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := FirstFire(tt.spec(t), utc(tt.at))
			if err != nil {
				t.Fatalf("FirstFire() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("FirstFire() ok = %v, want %v (got %v)", ok, tt.wantOK, got)
			}
			if tt.wantOK && !got.Equal(utc(tt.want)) {
				t.Errorf("FirstFire() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpcoming(t *testing.T) {
	s := mustSpec(t, Weekly, "08:00,18:00", []time.Weekday{1, 3}, "")
	got, err := s.Upcoming(utc("2026-10-14 09:00"), 4)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	want := []string{"2026-10-14 18:00", "2026-10-19 08:00", "2026-10-19 18:00", "2026-10-21 08:00"}
	if len(got) != len(want) {
		t.Fatalf("Upcoming() returned %d instants, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(utc(want[i])) {
			t.Errorf("Upcoming()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	once := mustSpec(t, Once, "10:00,11:00", nil, "2026-10-14")
	got, err = once.Upcoming(utc("2026-10-14 09:00"), 5)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Upcoming() for once returned %d instants, want 2", len(got))
	}

	later := mustSpec(t, Daily, "07:30", nil, "2026-11-01")
	got, err = later.Upcoming(utc("2026-10-14 09:00"), 2)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(got) != 2 || !got[0].Equal(utc("2026-11-01 07:30")) || !got[1].Equal(utc("2026-11-02 07:30")) {
		t.Errorf("Upcoming() before start date = %v", got)
	}
}

func TestNewNormalizes(t *testing.T) {
	s := mustSpec(t, Weekly, "18:00,08:00,18:00", []time.Weekday{3, 1, 3}, "")
	if len(s.Times) != 2 || s.Times[0] != (TimeOfDay{8, 0}) {
		t.Errorf("Times = %v, want [08:00 18:00]", s.Times)
	}
	if len(s.Weekdays) != 2 || s.Weekdays[0] != time.Monday {
		t.Errorf("Weekdays = %v, want [Monday Wednesday]", s.Weekdays)
	}

	if _, err := New(Daily, []TimeOfDay{{9, 0}}, []time.Weekday{1}, Date{}, ""); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("New(daily with weekdays) error = %v, want ErrInvalidSpec", err)
	}
}

func TestSpecJSON(t *testing.T) {
	data := []byte(`{"frequency":"weekly","times":["18:30","08:00"],"weekdays":[1,3],"start_date":"2026-01-05"}`)

	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if s.StartDate != (Date{2026, time.January, 5}) {
		t.Errorf("StartDate = %v", s.StartDate)
	}
	if s.Times[0] != (TimeOfDay{18, 30}) {
		t.Errorf("Times[0] = %v, want 18:30", s.Times[0])
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"frequency":"weekly","times":["18:30","08:00"],"weekdays":[1,3],"start_date":"2026-01-05"}`; string(out) != want {
		t.Errorf("Marshal() = %s, want %s", out, want)
	}
}

func TestParseWeekdays(t *testing.T) {
	got, err := ParseWeekdays("mon, 3,Fri")
	if err != nil {
		t.Fatalf("ParseWeekdays() error = %v", err)
	}
	want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseWeekdays()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := ParseWeekdays("7"); err == nil {
		t.Error("ParseWeekdays(7) expected error")
	}
}
