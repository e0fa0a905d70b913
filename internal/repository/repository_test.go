package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/schedule"
)

// setupTestDB creates a migrated SQLite database in a temp dir
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d.DB
}

func dailySpec(t *testing.T, times string) schedule.Spec {
	t.Helper()
	tods, err := schedule.ParseTimes(times)
	if err != nil {
		t.Fatal(err)
	}
	s, err := schedule.New(schedule.Daily, tods, nil, schedule.Date{}, "")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func createList(t *testing.T, repo *RecipientRepository, name string, addrs ...string) string {
	t.Helper()
	ctx := context.Background()

	list := &models.RecipientList{Name: name}
	if err := repo.CreateList(ctx, list); err != nil {
		t.Fatalf("CreateList() error = %v", err)
	}
	recs := make([]models.Recipient, 0, len(addrs))
	for _, a := range addrs {
		recs = append(recs, models.Recipient{Address: a})
	}
	if _, err := repo.AddRecipients(ctx, list.ID, recs); err != nil {
		t.Fatalf("AddRecipients() error = %v", err)
	}
	return list.ID
}

func TestCampaignCreateAndGet(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(sqlDB)
	recipients := NewRecipientRepository(sqlDB)

	listA := createList(t, recipients, "a", "one@example.com")
	listB := createList(t, recipients, "b", "two@example.com")

	created := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	c := &models.Campaign{
		Name:             "weekly digest",
		MessageTemplate:  "Hello {{name}}",
		Schedule:         dailySpec(t, "09:00,18:00"),
		RecipientListIDs: []string{listB, listA},
		CreatedAt:        created,
	}
	if err := campaigns.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if !c.Active {
		t.Error("new campaign should be active")
	}
	// A slot equal to the creation time is the first occurrence
	if c.NextFireAt == nil || !c.NextFireAt.Equal(created) {
		t.Errorf("NextFireAt = %v, want %v", c.NextFireAt, created)
	}

	got, err := campaigns.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.Name != c.Name || got.MessageTemplate != c.MessageTemplate {
		t.Errorf("GetByID() = %+v", got)
	}
	if len(got.RecipientListIDs) != 2 || got.RecipientListIDs[0] != listB {
		t.Errorf("RecipientListIDs = %v, want [%s %s]", got.RecipientListIDs, listB, listA)
	}
	if got.Schedule.Frequency != schedule.Daily || len(got.Schedule.Times) != 2 {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
	if got.NextFireAt == nil || !got.NextFireAt.Equal(created) {
		t.Errorf("stored NextFireAt = %v", got.NextFireAt)
	}

	missing, err := campaigns.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCampaignCreateRejectsInvalidSchedule(t *testing.T) {
	campaigns := NewCampaignRepository(setupTestDB(t))

	c := &models.Campaign{Name: "broken", Schedule: schedule.Spec{Frequency: schedule.Weekly}}
	err := campaigns.Create(context.Background(), c)
	if !errors.Is(err, schedule.ErrInvalidSpec) {
		t.Errorf("Create() error = %v, want ErrInvalidSpec", err)
	}
}

func TestCampaignListDue(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(sqlDB)

	base := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	early := &models.Campaign{Name: "early", Schedule: dailySpec(t, "08:30"), CreatedAt: base}
	late := &models.Campaign{Name: "late", Schedule: dailySpec(t, "12:00"), CreatedAt: base}
	paused := &models.Campaign{Name: "paused", Schedule: dailySpec(t, "08:15"), CreatedAt: base}
	for _, c := range []*models.Campaign{early, late, paused} {
		if err := campaigns.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.Name, err)
		}
	}
	if err := campaigns.SetActive(ctx, paused.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	due, err := campaigns.ListDue(ctx, time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != early.ID {
		t.Fatalf("ListDue() = %v, want only %q", names(due), early.Name)
	}

	due, err = campaigns.ListDue(ctx, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Errorf("ListDue() = %v, want [early late]", names(due))
	}
}

func TestCampaignUpdateCompareAndSet(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(sqlDB)

	c := &models.Campaign{Name: "cas", Schedule: dailySpec(t, "09:00"), CreatedAt: time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)}
	if err := campaigns.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	key := *c.NextFireAt

	ran := time.Date(2026, 10, 14, 9, 0, 5, 0, time.UTC)
	next := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c.LastExecutedAt = &ran
	c.NextFireAt = &next
	c.TotalSent = 42
	if err := campaigns.Update(ctx, c, key); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Replaying with the old key must not overwrite the newer state
	stale := *c
	stale.TotalSent = 99
	if err := campaigns.Update(ctx, &stale, key); !errors.Is(err, ErrStaleCampaign) {
		t.Errorf("Update(stale key) error = %v, want ErrStaleCampaign", err)
	}

	got, err := campaigns.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TotalSent != 42 {
		t.Errorf("TotalSent = %d, want 42", got.TotalSent)
	}
	if got.NextFireAt == nil || !got.NextFireAt.Equal(next) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, next)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(ran) {
		t.Errorf("LastExecutedAt = %v, want %v", got.LastExecutedAt, ran)
	}

	// Exhaustion clears next_fire_at and deactivates
	got.Active = false
	got.NextFireAt = nil
	if err := campaigns.Update(ctx, got, next); err != nil {
		t.Fatalf("Update(exhausted) error = %v", err)
	}
	got, _ = campaigns.GetByID(ctx, c.ID)
	if got.Active || got.NextFireAt != nil {
		t.Errorf("exhausted campaign = active %v next %v", got.Active, got.NextFireAt)
	}
}

func TestCampaignList(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(sqlDB)

	for _, name := range []string{"alpha", "beta", "alphabet"} {
		c := &models.Campaign{Name: name, Schedule: dailySpec(t, "09:00")}
		if err := campaigns.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	list, total, err := campaigns.List(ctx, models.CampaignListFilter{Search: "alpha"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Errorf("List(search) = %d/%d, want 2/2", len(list), total)
	}

	list, total, err = campaigns.List(ctx, models.CampaignListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(list) != 1 {
		t.Errorf("List(limit) = %d/%d, want 1/3", len(list), total)
	}
}

func TestRecipientResolve(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecipientRepository(sqlDB)

	listA := createList(t, repo, "a", "a@example.com", "shared@example.com", "b@example.com")
	listB := createList(t, repo, "b", "SHARED@example.com", "c@example.com", "gone@example.com")
	if err := repo.SetStatus(ctx, listB, "gone@example.com", models.RecipientUnsubscribed); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, err := repo.Resolve(ctx, []string{listA, listB})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := []string{"a@example.com", "shared@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("Resolve() returned %d recipients, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Address != want[i] {
			t.Errorf("Resolve()[%d] = %s, want %s", i, got[i].Address, want[i])
		}
	}

	empty, err := repo.Resolve(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("Resolve(nil) = %v, %v", empty, err)
	}
}

func TestRecipientVariables(t *testing.T) {
	sqlDB := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecipientRepository(sqlDB)

	list := &models.RecipientList{Name: "vars"}
	if err := repo.CreateList(ctx, list); err != nil {
		t.Fatal(err)
	}
	_, err := repo.AddRecipients(ctx, list.ID, []models.Recipient{
		{Address: "x@example.com", Name: "X", Variables: map[string]string{"plan": "pro"}},
		{Address: "  "},
	})
	if err != nil {
		t.Fatalf("AddRecipients() error = %v", err)
	}

	got, err := repo.Resolve(ctx, []string{list.ID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Resolve() = %d recipients, want 1", len(got))
	}
	if got[0].Name != "X" || got[0].Variables["plan"] != "pro" {
		t.Errorf("recipient = %+v", got[0])
	}
}

func names(cs []models.Campaign) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}
