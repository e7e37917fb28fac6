package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/model"
	"github.com/basket/agentdeck/internal/store"
)

func testLimits() Limits {
	return Limits{
		OfflineTimeout:   70 * time.Second,
		HistoryMax:       1000,
		PreviewMaxImages: 3,
		PreviewMaxBytes:  2 << 20,
	}
}

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "dashboard.json"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	eventBus := bus.New()
	return New(st, eventBus, nil, testLimits()), eventBus
}

func at(e *Engine, ts time.Time) {
	e.now = func() time.Time { return ts }
}

func TestApplyReportRejectsBlankMachineID(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.ApplyReport(context.Background(), Report{MachineID: "   "}); err != ErrMissingMachineID {
		t.Fatalf("err = %v, want ErrMissingMachineID", err)
	}
}

func TestApplyReportCreatesCardAndTask(t *testing.T) {
	e, eventBus := newTestEngine(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	at(e, now)

	sub := eventBus.Subscribe("dashboard.")
	defer eventBus.Unsubscribe(sub)

	res, err := e.ApplyReport(context.Background(), Report{
		MachineID:   "mac-1",
		Fingerprint: "fp-a",
		MachineName: "builder",
		Tasks: []ReportTask{{
			ID:     "t1",
			Title:  "Fix flaky test",
			Status: "running",
		}},
	})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if res.CardsCreated != 1 || res.TasksUpdated != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Fingerprint != "fp-a" {
		t.Fatalf("fingerprint = %q", res.Fingerprint)
	}

	db, _ := e.Snapshot(context.Background())
	card := db.FindCard("mac-1")
	if card == nil {
		t.Fatal("card not found")
	}
	if card.AgentName != "builder" || !card.LastSeen.Equal(now) || !card.OnlineSince.Equal(now) {
		t.Fatalf("card = %+v", card)
	}
	task := db.FindTask(card.ID, "t1")
	if task == nil {
		t.Fatal("task not found")
	}
	if task.Status != model.StatusInProgress || task.RawStatus != "running" {
		t.Fatalf("status = %q raw %q", task.Status, task.RawStatus)
	}
	if len(db.History) != 1 || db.History[0].Event != model.EventCreated {
		t.Fatalf("history = %+v", db.History)
	}

	select {
	case ev := <-sub.Ch():
		upd := ev.Payload.(bus.DashboardUpdatedEvent)
		if upd.Reason != bus.ReasonReport || upd.CardID != card.ID {
			t.Fatalf("event = %+v", upd)
		}
	default:
		t.Fatal("expected a dashboard.updated event")
	}
}

func TestIdentitySurvivesMachineIDRotation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	if _, err := e.ApplyReport(ctx, Report{MachineID: "host-old", Fingerprint: "fp-a", Name: "builder"}); err != nil {
		t.Fatalf("first report: %v", err)
	}
	at(e, time.Date(2026, 8, 25, 12, 1, 0, 0, time.UTC))
	res, err := e.ApplyReport(ctx, Report{MachineID: "host-new", Fingerprint: "fp-a", Name: "builder"})
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if res.CardsCreated != 0 {
		t.Fatalf("rotation created a new card: %+v", res)
	}

	db, _ := e.Snapshot(ctx)
	if len(db.Machines) != 1 {
		t.Fatalf("machines = %d, want 1", len(db.Machines))
	}
	card := db.Machines[0]
	if !card.HasAlias("host-old") || !card.HasAlias("host-new") {
		t.Fatalf("aliases = %v", card.Aliases)
	}
	if db.FindCard("host-new") != card {
		t.Fatal("new id should resolve to the original card")
	}
}

func TestSourceSplitsIntoSeparateCards(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	res, err := e.ApplyReport(ctx, Report{
		MachineID:   "mac-1",
		Fingerprint: "fp-a",
		Name:        "builder",
		Tasks: []ReportTask{
			{ID: "t1", Title: "Task A", Status: "running", Source: "claude-code"},
			{ID: "t2", Title: "Task B", Status: "running", Source: "codex-cli"},
		},
	})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if res.CardsCreated != 2 {
		t.Fatalf("CardsCreated = %d, want 2", res.CardsCreated)
	}

	db, _ := e.Snapshot(ctx)
	claude := db.FindCard("mac-1::claude-code")
	codex := db.FindCard("mac-1::codex-cli")
	if claude == nil || codex == nil {
		t.Fatalf("cards missing: %+v", db.Machines)
	}
	if claude.AgentName != "builder · Claude Code" {
		t.Fatalf("agent name = %q", claude.AgentName)
	}
	if codex.AgentName != "builder · Codex" {
		t.Fatalf("agent name = %q", codex.AgentName)
	}
	if db.FindTask(claude.ID, "t1") == nil || db.FindTask(codex.ID, "t2") == nil {
		t.Fatal("tasks landed on the wrong cards")
	}
}

func TestRepeatedStatusYieldsSingleEvent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	report := Report{
		MachineID: "mac-1",
		Tasks:     []ReportTask{{ID: "t1", Title: "Task", Status: "in_progress"}},
	}
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if _, err := e.ApplyReport(ctx, report); err != nil {
		t.Fatalf("first: %v", err)
	}

	report.Tasks[0].Status = "completed_pending_verification"
	for i := 0; i < 3; i++ {
		at(e, time.Date(2026, 8, 25, 12, i+1, 0, 0, time.UTC))
		if _, err := e.ApplyReport(ctx, report); err != nil {
			t.Fatalf("repeat %d: %v", i, err)
		}
	}

	db, _ := e.Snapshot(ctx)
	task := db.FindTask("mac-1", "t1")
	if task.Status != model.StatusAwaitingVerification {
		t.Fatalf("status = %q, want awaiting_verification", task.Status)
	}
	var changes int
	for _, ev := range db.History {
		if ev.Event == model.EventStatusChanged {
			changes++
			if ev.FromStatus != model.StatusInProgress || ev.ToStatus != model.StatusAwaitingVerification {
				t.Fatalf("transition = %q -> %q", ev.FromStatus, ev.ToStatus)
			}
		}
	}
	if changes != 1 {
		t.Fatalf("status_changed events = %d, want 1", changes)
	}
}

func TestCreatedAtRepair(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	at(e, now)

	// No timestamps: createdAt and updatedAt both default to now.
	if _, err := e.ApplyReport(ctx, Report{
		MachineID: "mac-1",
		Tasks:     []ReportTask{{ID: "t1", Title: "Task", Status: "running"}},
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	db, _ := e.Snapshot(ctx)
	task := db.FindTask("mac-1", "t1")
	if !task.CreatedAt.Equal(now) || !task.UpdatedAt.Equal(now) {
		t.Fatalf("placeholder timestamps = %v / %v", task.CreatedAt, task.UpdatedAt)
	}

	// A later report with the true creation time repairs the placeholder.
	t0 := "2026-08-24T09:00:00Z"
	t1 := "2026-08-25T11:30:00Z"
	at(e, now.Add(time.Minute))
	if _, err := e.ApplyReport(ctx, Report{
		MachineID: "mac-1",
		Tasks:     []ReportTask{{ID: "t1", Title: "Task", Status: "running", CreatedAt: t0, UpdatedAt: t1}},
	}); err != nil {
		t.Fatalf("second: %v", err)
	}
	db, _ = e.Snapshot(ctx)
	task = db.FindTask("mac-1", "t1")
	if got := task.CreatedAt.Format(time.RFC3339); got != t0 {
		t.Fatalf("CreatedAt = %s, want %s", got, t0)
	}
	if got := task.UpdatedAt.Format(time.RFC3339); got != t1 {
		t.Fatalf("UpdatedAt = %s, want %s", got, t1)
	}

	// Once repaired, created stays put even if reports keep echoing it.
	at(e, now.Add(2*time.Minute))
	if _, err := e.ApplyReport(ctx, Report{
		MachineID: "mac-1",
		Tasks:     []ReportTask{{ID: "t1", Title: "Task", Status: "running", CreatedAt: "2026-08-01T00:00:00Z", UpdatedAt: t1}},
	}); err != nil {
		t.Fatalf("third: %v", err)
	}
	db, _ = e.Snapshot(ctx)
	task = db.FindTask("mac-1", "t1")
	if got := task.CreatedAt.Format(time.RFC3339); got != t0 {
		t.Fatalf("CreatedAt overwritten after repair: %s", got)
	}
}

func TestOnlineSinceResetsAfterOfflineGap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	first := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	at(e, first)
	if _, err := e.ApplyReport(ctx, Report{MachineID: "mac-1"}); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Within the timeout the session is continuous.
	within := first.Add(30 * time.Second)
	at(e, within)
	if _, err := e.ApplyReport(ctx, Report{MachineID: "mac-1"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	db, _ := e.Snapshot(ctx)
	if card := db.FindCard("mac-1"); !card.OnlineSince.Equal(first) {
		t.Fatalf("OnlineSince = %v, want %v", card.OnlineSince, first)
	}

	// After an offline gap a new session starts.
	later := first.Add(10 * time.Minute)
	at(e, later)
	if _, err := e.ApplyReport(ctx, Report{MachineID: "mac-1"}); err != nil {
		t.Fatalf("third: %v", err)
	}
	db, _ = e.Snapshot(ctx)
	if card := db.FindCard("mac-1"); !card.OnlineSince.Equal(later) {
		t.Fatalf("OnlineSince = %v, want %v", card.OnlineSince, later)
	}
}

func TestSetDisplayNamePropagatesAcrossFingerprint(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if _, err := e.ApplyReport(ctx, Report{
		MachineID:   "mac-1",
		Fingerprint: "fp-a",
		Name:        "builder",
		Tasks: []ReportTask{
			{ID: "t1", Title: "A", Status: "running", Source: "claude"},
			{ID: "t2", Title: "B", Status: "running", Source: "codex"},
		},
	}); err != nil {
		t.Fatalf("report: %v", err)
	}

	renamed, err := e.SetDisplayName(ctx, "mac-1::claude-code", "Office Mac")
	if err != nil {
		t.Fatalf("SetDisplayName: %v", err)
	}
	if renamed.ID != "mac-1::claude-code" || renamed.DisplayName != "Office Mac" {
		t.Fatalf("renamed card = %+v", renamed)
	}
	db, _ := e.Snapshot(ctx)
	for _, card := range db.Machines {
		if card.DisplayName != "Office Mac" {
			t.Fatalf("card %s display name = %q", card.ID, card.DisplayName)
		}
	}

	if _, err := e.SetDisplayName(ctx, "no-such-machine", "x"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNewSourceCardInheritsDisplayName(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if _, err := e.ApplyReport(ctx, Report{MachineID: "mac-1", Fingerprint: "fp-a"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := e.SetDisplayName(ctx, "mac-1", "Office Mac"); err != nil {
		t.Fatalf("SetDisplayName: %v", err)
	}

	if _, err := e.ApplyReport(ctx, Report{
		MachineID:   "mac-1",
		Fingerprint: "fp-a",
		Tasks:       []ReportTask{{ID: "t1", Title: "A", Status: "running", Source: "cursor"}},
	}); err != nil {
		t.Fatalf("second report: %v", err)
	}
	db, _ := e.Snapshot(ctx)
	card := db.FindCard("mac-1::cursor")
	if card == nil || card.DisplayName != "Office Mac" {
		t.Fatalf("card = %+v", card)
	}
}

func TestBlankTaskIDSkipped(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	res, err := e.ApplyReport(ctx, Report{
		MachineID: "mac-1",
		Tasks: []ReportTask{
			{ID: "  ", Title: "ghost", Status: "running"},
			{ID: "t1", Title: "real", Status: "running"},
		},
	})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if res.TasksUpdated != 1 {
		t.Fatalf("TasksUpdated = %d, want 1", res.TasksUpdated)
	}
	db, _ := e.Snapshot(ctx)
	if len(db.Tasks) != 1 || db.Tasks[0].ID != "t1" {
		t.Fatalf("tasks = %+v", db.Tasks)
	}
}

func TestPreviewImageFiltering(t *testing.T) {
	e, _ := newTestEngine(t)
	limits := e.Limits()
	limits.PreviewMaxImages = 2
	limits.PreviewMaxBytes = 64
	e.SetLimits(limits)
	ctx := context.Background()
	at(e, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	if _, err := e.ApplyReport(ctx, Report{
		MachineID: "mac-1",
		Tasks: []ReportTask{{
			ID:     "t1",
			Title:  "A",
			Status: "running",
			PreviewImages: []string{
				"https://example.com/a.png",
				"ftp://example.com/b.png",
				"https://example.com/a.png",
				"data:image/png;base64,AAAA",
				"https://example.com/c.png",
			},
		}},
	}); err != nil {
		t.Fatalf("report: %v", err)
	}
	db, _ := e.Snapshot(ctx)
	task := db.FindTask("mac-1", "t1")
	want := []string{"https://example.com/a.png", "data:image/png;base64,AAAA"}
	if len(task.PreviewImages) != len(want) {
		t.Fatalf("images = %v", task.PreviewImages)
	}
	for i := range want {
		if task.PreviewImages[i] != want[i] {
			t.Fatalf("images = %v, want %v", task.PreviewImages, want)
		}
	}
}

func TestHistoryLedgerIsFIFOBounded(t *testing.T) {
	e, _ := newTestEngine(t)
	limits := e.Limits()
	limits.HistoryMax = 5
	e.SetLimits(limits)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		at(e, time.Date(2026, 8, 25, 12, i, 0, 0, time.UTC))
		if _, err := e.ApplyReport(ctx, Report{
			MachineID: "mac-1",
			Tasks:     []ReportTask{{ID: "t" + string(rune('a'+i)), Title: "T", Status: "running"}},
		}); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	db, _ := e.Snapshot(ctx)
	if len(db.History) != 5 {
		t.Fatalf("history length = %d, want 5", len(db.History))
	}
	// Oldest entries evicted first.
	if db.History[0].TaskID != "td" {
		t.Fatalf("oldest kept = %s", db.History[0].TaskID)
	}
	if db.History[len(db.History)-1].TaskID != "th" {
		t.Fatalf("newest = %s", db.History[len(db.History)-1].TaskID)
	}
}

func TestReseedFoldsDuplicateIdentities(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// Seed the store with two cards for one identity, as an external edit
	// might leave behind.
	db := model.NewDB()
	db.Machines = append(db.Machines,
		&model.Card{ID: "mac-1", AgentName: "builder", Fingerprint: "fp-a", Aliases: []string{"mac-1"}},
		&model.Card{ID: "mac-2", AgentName: "builder", Fingerprint: "fp-a", Aliases: []string{"mac-2"}, DisplayName: "Office"},
	)
	db.Tasks = append(db.Tasks,
		&model.Task{ID: "t1", CardID: "mac-1", Title: "A", Status: model.StatusInProgress, UpdatedAt: time.Unix(100, 0)},
		&model.Task{ID: "t1", CardID: "mac-2", Title: "A2", Status: model.StatusVerified, UpdatedAt: time.Unix(200, 0)},
	)
	if err := e.store.SaveDB(ctx, db); err != nil {
		t.Fatalf("seed: %v", err)
	}

	merged, err := e.Reseed(ctx)
	if err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	if merged != 1 {
		t.Fatalf("merged = %d, want 1", merged)
	}
	got, _ := e.Snapshot(ctx)
	if len(got.Machines) != 1 {
		t.Fatalf("machines = %d, want 1", len(got.Machines))
	}
	card := got.Machines[0]
	if !card.HasAlias("mac-2") || card.DisplayName != "Office" {
		t.Fatalf("card = %+v", card)
	}
	tasks := got.CardTasks(card.ID)
	if len(tasks) != 1 || tasks[0].Status != model.StatusVerified {
		t.Fatalf("tasks = %+v", tasks)
	}
}
