package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/queue"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/schedule"
	"github.com/foxzi/cadence/internal/template"
)

var (
	slot = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	t0   = slot.Add(30 * time.Second)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCampaigns is an in-memory CampaignStore with compare-and-set updates
type fakeCampaigns struct {
	mu        sync.Mutex
	byID      map[string]models.Campaign
	updateErr error
	listErr   error
	lists     int
	onList    func(n int)
	updated   chan string // receives the id of every stored update
}

func newFakeCampaigns(cs ...models.Campaign) *fakeCampaigns {
	f := &fakeCampaigns{byID: make(map[string]models.Campaign)}
	for _, c := range cs {
		f.byID[c.ID] = c
	}
	return f
}

func (f *fakeCampaigns) ListDue(_ context.Context, now time.Time) ([]models.Campaign, error) {
	f.mu.Lock()
	f.lists++
	n := f.lists
	var due []models.Campaign
	for _, c := range f.byID {
		if c.IsDue(now) {
			due = append(due, c)
		}
	}
	err := f.listErr
	hook := f.onList
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(*due[j].NextFireAt) })
	return due, err
}

func (f *fakeCampaigns) Update(_ context.Context, c *models.Campaign, key time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		err := f.updateErr
		f.updateErr = nil
		return err
	}
	stored, ok := f.byID[c.ID]
	if !ok || stored.NextFireAt == nil || !stored.NextFireAt.Equal(key) {
		return repository.ErrStaleCampaign
	}
	f.byID[c.ID] = *c
	if f.updated != nil {
		f.updated <- c.ID
	}
	return nil
}

func (f *fakeCampaigns) put(c models.Campaign) {
	f.mu.Lock()
	f.byID[c.ID] = c
	f.mu.Unlock()
}

func (f *fakeCampaigns) get(id string) models.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type fakeResolver struct {
	lists map[string][]models.Recipient
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, listIDs []string) ([]models.Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Recipient
	for _, id := range listIDs {
		out = append(out, f.lists[id]...)
	}
	return out, nil
}

type countingSender struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]bool
	onSend func()

	// Sends to holdFor report on holding, then block until hold is closed
	holdFor string
	holding chan string
	hold    chan struct{}
}

func (s *countingSender) Send(_ context.Context, r models.Recipient, _ string) (channel.Outcome, error) {
	if s.holdFor != "" && r.Address == s.holdFor {
		s.holding <- r.Address
		<-s.hold
	}
	s.mu.Lock()
	s.sent = append(s.sent, r.Address)
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend()
	}
	if s.fail[r.Address] {
		return channel.Outcome{Success: false, Detail: "mailbox full"}, nil
	}
	return channel.Outcome{Success: true}, nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *countingSender) sentTo() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, addr := range s.sent {
		out[addr]++
	}
	return out
}

type harness struct {
	driver    *Driver
	campaigns *fakeCampaigns
	resolver  *fakeResolver
	sender    *countingSender
	store     *queue.BoltStore
	clock     *clock.Fake
}

func recipients(n int) []models.Recipient {
	out := make([]models.Recipient, n)
	for i := range out {
		out[i] = models.Recipient{ID: fmt.Sprintf("r%d", i+1), Address: fmt.Sprintf("user%d@example.com", i+1)}
	}
	return out
}

// tick runs one poll and waits for the firings it started
func (h *harness) tick(ctx context.Context) error {
	err := h.driver.Tick(ctx)
	h.driver.Wait()
	return err
}

func newHarness(t *testing.T, cfg Config, cs ...models.Campaign) *harness {
	t.Helper()
	return newPacedHarness(t, cfg, dispatch.Config{}, cs...)
}

func newPacedHarness(t *testing.T, cfg Config, pacing dispatch.Config, cs ...models.Campaign) *harness {
	t.Helper()

	clk := clock.NewFake(t0)
	store, err := queue.NewBoltStore(filepath.Join(t.TempDir(), "queue.db"), clk)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sender := &countingSender{fail: map[string]bool{}}
	reg := channel.NewRegistry("test")
	reg.Register("test", sender)

	d := dispatch.New(store, reg, &template.VarRenderer{}, pacing, clk, testLogger())
	campaigns := newFakeCampaigns(cs...)
	resolver := &fakeResolver{lists: map[string][]models.Recipient{"list-1": recipients(3)}}

	return &harness{
		driver:    New(campaigns, resolver, store, d, cfg, clk, testLogger()),
		campaigns: campaigns,
		resolver:  resolver,
		sender:    sender,
		store:     store,
		clock:     clk,
	}
}

func dailyCampaign(t *testing.T, id string) models.Campaign {
	t.Helper()
	times, err := schedule.ParseTimes("09:00")
	if err != nil {
		t.Fatal(err)
	}
	spec, err := schedule.New(schedule.Daily, times, nil, schedule.Date{}, "")
	if err != nil {
		t.Fatal(err)
	}
	next := slot
	return models.Campaign{
		ID:               id,
		Name:             id,
		MessageTemplate:  "Hello {{address}}",
		Schedule:         spec,
		RecipientListIDs: []string{"list-1"},
		Active:           true,
		NextFireAt:       &next,
	}
}

func TestTickReschedules(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))

	if err := h.tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if h.sender.count() != 3 {
		t.Errorf("sent %d messages, want 3", h.sender.count())
	}
	c := h.campaigns.get("c1")
	if !c.Active || c.TotalSent != 3 {
		t.Errorf("campaign = active %v total %d", c.Active, c.TotalSent)
	}
	want := slot.AddDate(0, 0, 1)
	if c.NextFireAt == nil || !c.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", c.NextFireAt, want)
	}
	if c.LastExecutedAt == nil || !c.LastExecutedAt.Equal(t0) {
		t.Errorf("LastExecutedAt = %v, want %v", c.LastExecutedAt, t0)
	}

	st := h.driver.Status()
	if st.Ticks != 1 || st.Firings[OutcomeRescheduled] != 1 || !st.LastTickAt.Equal(t0) {
		t.Errorf("Status() = %+v", st)
	}

	// Not due again until tomorrow
	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 3 {
		t.Errorf("second tick sent again: %d", h.sender.count())
	}
}

func TestTickExhaustsOnce(t *testing.T) {
	c := dailyCampaign(t, "once")
	start, _ := schedule.ParseDate("2026-10-14")
	spec, err := schedule.New(schedule.Once, c.Schedule.Times, nil, start, "")
	if err != nil {
		t.Fatal(err)
	}
	c.Schedule = spec

	h := newHarness(t, Config{}, c)
	if got := h.driver.Fire(context.Background(), &c); got != OutcomeExhausted {
		t.Fatalf("Fire() = %s, want exhausted", got)
	}

	stored := h.campaigns.get("once")
	if stored.Active || stored.NextFireAt != nil {
		t.Errorf("exhausted campaign = active %v next %v", stored.Active, stored.NextFireAt)
	}
	if stored.TotalSent != 3 {
		t.Errorf("TotalSent = %d, want 3", stored.TotalSent)
	}
}

func TestTickReschedulesFromPollTime(t *testing.T) {
	c := dailyCampaign(t, "twice")
	start, _ := schedule.ParseDate("2026-10-14")
	times, err := schedule.ParseTimes("09:00,09:05")
	if err != nil {
		t.Fatal(err)
	}
	spec, err := schedule.New(schedule.Once, times, nil, start, "")
	if err != nil {
		t.Fatal(err)
	}
	c.Schedule = spec

	// Three sends three minutes apart outlast the 09:05 slot
	h := newPacedHarness(t, Config{}, dispatch.Config{BaseDelay: 3 * time.Minute}, c)
	ctx := context.Background()

	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.clock.Now().After(slot.Add(5 * time.Minute)) {
		t.Fatalf("firing ended at %v, want after 09:05", h.clock.Now())
	}
	stored := h.campaigns.get("twice")
	want := slot.Add(5 * time.Minute)
	if !stored.Active || stored.NextFireAt == nil || !stored.NextFireAt.Equal(want) {
		t.Fatalf("after first firing = active %v next %v, want active next %v", stored.Active, stored.NextFireAt, want)
	}
	if stored.LastExecutedAt == nil || !stored.LastExecutedAt.Equal(t0) {
		t.Errorf("LastExecutedAt = %v, want the poll time %v", stored.LastExecutedAt, t0)
	}

	// The slot that passed during the dispatch fires on the next poll
	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	stored = h.campaigns.get("twice")
	if stored.Active || stored.NextFireAt != nil || stored.TotalSent != 6 {
		t.Errorf("after second firing = active %v next %v total %d, want exhausted with 6 sent", stored.Active, stored.NextFireAt, stored.TotalSent)
	}
	if h.sender.count() != 6 {
		t.Errorf("sent %d, want 6 over both slots", h.sender.count())
	}
}

func TestTickSweepDuringBatchSendsOnce(t *testing.T) {
	h := newPacedHarness(t, Config{BatchLimit: 4}, dispatch.Config{BaseDelay: 20 * time.Second}, dailyCampaign(t, "c1"))
	h.resolver.lists["list-1"] = recipients(4)
	ctx := context.Background()

	// The reclaim sweep runs on every send with a grace shorter than the batch
	const grace = 31 * time.Second
	h.sender.onSend = func() {
		if _, err := h.store.ReclaimStale(ctx, h.clock.Now().Add(-grace)); err != nil {
			t.Errorf("ReclaimStale() error = %v", err)
		}
	}

	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}

	sent := h.sender.sentTo()
	if len(sent) != 4 {
		t.Errorf("sent to %v, want 4 recipients", sent)
	}
	for addr, n := range sent {
		if n != 1 {
			t.Errorf("%s sent %d times, want once", addr, n)
		}
	}
	c := h.campaigns.get("c1")
	if c.TotalSent != 4 || c.NextFireAt == nil || !c.NextFireAt.After(slot) {
		t.Errorf("campaign = total %d next %v", c.TotalSent, c.NextFireAt)
	}
	if st := h.driver.Status(); st.Firings[OutcomeRescheduled] != 1 {
		t.Errorf("Status() = %+v, want one rescheduled firing", st)
	}
}

func TestTickDoesNotWaitForRunningFirings(t *testing.T) {
	slow := dailyCampaign(t, "slow")
	slow.RecipientListIDs = []string{"list-slow"}

	h := newHarness(t, Config{Workers: 2}, slow)
	h.resolver.lists["list-slow"] = []models.Recipient{{ID: "s1", Address: "slow@example.com"}}
	h.sender.holdFor = "slow@example.com"
	h.sender.holding = make(chan string, 1)
	h.sender.hold = make(chan struct{})
	h.campaigns.updated = make(chan string, 4)
	ctx := context.Background()

	if err := h.driver.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.sender.holding:
	case <-time.After(5 * time.Second):
		t.Fatal("slow campaign never started sending")
	}

	// A campaign that becomes due while the slow one is still sending
	h.campaigns.put(dailyCampaign(t, "fast"))
	if err := h.driver.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-h.campaigns.updated:
		if id != "fast" {
			t.Fatalf("first update = %s, want fast", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast campaign did not fire while the slow one was running")
	}
	if st := h.driver.Status(); st.InFlight != 1 {
		t.Errorf("InFlight = %d, want the slow campaign only", st.InFlight)
	}

	close(h.sender.hold)
	h.driver.Wait()

	sent := h.sender.sentTo()
	if sent["slow@example.com"] != 1 {
		t.Errorf("slow campaign sent %d times, want once despite being due on both polls", sent["slow@example.com"])
	}
	if got := h.campaigns.get("fast"); got.TotalSent != 3 {
		t.Errorf("fast TotalSent = %d, want 3", got.TotalSent)
	}
	if got := h.campaigns.get("slow"); got.TotalSent != 1 || !got.NextFireAt.After(slot) {
		t.Errorf("slow = total %d next %v", got.TotalSent, got.NextFireAt)
	}
}

func TestTickPartialFailureStillReschedules(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))
	h.sender.fail["user2@example.com"] = true

	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := h.campaigns.get("c1")
	if c.TotalSent != 2 || c.NextFireAt == nil || !c.NextFireAt.After(slot) {
		t.Errorf("campaign = total %d next %v", c.TotalSent, c.NextFireAt)
	}

	stats, err := h.store.Stats(context.Background(), queue.FiringScope("c1", slot))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 2 || stats.Error != 1 {
		t.Errorf("firing stats = %+v", stats)
	}
}

func TestTickRerunAfterCrashIsSafe(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))
	ctx := context.Background()

	// The firing is dispatched but the campaign update is lost
	h.campaigns.updateErr = errors.New("database is locked")
	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 3 {
		t.Fatalf("first run sent %d, want 3", h.sender.count())
	}
	c := h.campaigns.get("c1")
	if !c.NextFireAt.Equal(slot) || c.TotalSent != 0 {
		t.Fatalf("campaign should still be due: next %v total %d", c.NextFireAt, c.TotalSent)
	}
	if h.driver.Status().Firings[OutcomeFailed] != 1 {
		t.Errorf("failed firing not counted: %+v", h.driver.Status())
	}

	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 3 {
		t.Errorf("re-run sent again: %d messages", h.sender.count())
	}
	c = h.campaigns.get("c1")
	if c.TotalSent != 3 || !c.NextFireAt.After(slot) {
		t.Errorf("after re-run: total %d next %v", c.TotalSent, c.NextFireAt)
	}
}

func TestTickResolverFailureKeepsCampaignDue(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))
	h.resolver.err = errors.New("connection refused")

	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := h.campaigns.get("c1")
	if !c.NextFireAt.Equal(slot) || c.LastExecutedAt != nil {
		t.Errorf("campaign changed after failed firing: %+v", c)
	}
	if st := h.driver.Status(); st.LastError == "" {
		t.Error("Status().LastError not recorded")
	}
}

func TestTickListFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.campaigns.listErr = errors.New("no such table")

	if err := h.tick(context.Background()); err == nil {
		t.Error("Tick() expected error")
	}
}

func TestTickZeroRecipients(t *testing.T) {
	c := dailyCampaign(t, "empty")
	c.RecipientListIDs = []string{"missing"}
	h := newHarness(t, Config{}, c)

	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	stored := h.campaigns.get("empty")
	if stored.TotalSent != 0 || stored.NextFireAt == nil || !stored.NextFireAt.After(slot) {
		t.Errorf("zero recipient campaign = total %d next %v", stored.TotalSent, stored.NextFireAt)
	}
}

func TestTickStaleUpdate(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))
	h.campaigns.updateErr = repository.ErrStaleCampaign

	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.driver.Status().Firings[OutcomeStale] != 1 {
		t.Errorf("Status() = %+v, want one stale firing", h.driver.Status())
	}
}

func TestTickWaitsForForeignClaims(t *testing.T) {
	h := newHarness(t, Config{}, dailyCampaign(t, "c1"))
	ctx := context.Background()

	// Another instance claimed one item of the same firing and died
	lots, err := h.store.EnsureFiring(ctx, "c1", slot, recipients(3), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.ClaimBatch(ctx, "c1", lots[0].ID, 1); err != nil {
		t.Fatal(err)
	}

	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 2 {
		t.Errorf("sent %d, want the 2 unclaimed items", h.sender.count())
	}
	if c := h.campaigns.get("c1"); !c.NextFireAt.Equal(slot) {
		t.Fatalf("campaign advanced with claimed items outstanding")
	}

	h.clock.Advance(15 * time.Minute)
	if n, err := h.store.ReclaimStale(ctx, h.clock.Now().Add(-10*time.Minute)); err != nil || n != 1 {
		t.Fatalf("ReclaimStale() = %d, %v", n, err)
	}

	if err := h.tick(ctx); err != nil {
		t.Fatal(err)
	}
	c := h.campaigns.get("c1")
	if h.sender.count() != 3 || c.TotalSent != 3 || !c.NextFireAt.After(slot) {
		t.Errorf("after reclaim: sent %d total %d next %v", h.sender.count(), c.TotalSent, c.NextFireAt)
	}
}

func TestTickWorkerPool(t *testing.T) {
	var cs []models.Campaign
	for i := 1; i <= 5; i++ {
		cs = append(cs, dailyCampaign(t, fmt.Sprintf("c%d", i)))
	}
	h := newHarness(t, Config{Workers: 2, BatchLimit: 2}, cs...)

	if err := h.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 15 {
		t.Errorf("sent %d, want 15", h.sender.count())
	}
	for _, c := range cs {
		if got := h.campaigns.get(c.ID); got.TotalSent != 3 {
			t.Errorf("%s TotalSent = %d, want 3", c.ID, got.TotalSent)
		}
	}
	if st := h.driver.Status(); st.InFlight != 0 || st.Firings[OutcomeRescheduled] != 5 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.campaigns.onList = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	h.driver.Run(ctx)

	st := h.driver.Status()
	if st.Ticks != 3 {
		t.Errorf("Ticks = %d, want 3", st.Ticks)
	}
	if st.Running {
		t.Error("Running should be false after Run returns")
	}
	sleeps := h.clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Minute {
		t.Errorf("Sleeps() = %v, want two 1m waits", sleeps)
	}
}
