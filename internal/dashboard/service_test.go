package dashboard

import (
	"testing"
	"time"

	"github.com/basket/agentdeck/internal/model"
)

var (
	testNow     = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	testTimeout = 70 * time.Second
)

func testDB() *model.DB {
	db := model.NewDB()
	db.Machines = append(db.Machines,
		&model.Card{
			ID: "offline-1", AgentName: "old-box", Fingerprint: "fp-1",
			Aliases:  []string{"offline-1"},
			LastSeen: testNow.Add(-time.Hour), OnlineSince: testNow.Add(-2 * time.Hour),
		},
		&model.Card{
			ID: "online-2", AgentName: "fresh", Fingerprint: "fp-2",
			Aliases:  []string{"online-2", "online-2-legacy"},
			LastSeen: testNow.Add(-10 * time.Second), OnlineSince: testNow.Add(-5 * time.Minute),
		},
		&model.Card{
			ID: "online-1", AgentName: "busy · Codex", DisplayName: "busy", Fingerprint: "fp-3",
			Aliases:  []string{"online-1"},
			LastSeen: testNow.Add(-time.Second), OnlineSince: testNow.Add(-time.Minute),
		},
		&model.Card{
			ID: "offline-2", AgentName: "idle-box", Fingerprint: "fp-4",
			Aliases:  []string{"offline-2"},
			LastSeen: testNow.Add(-30 * time.Minute),
		},
	)
	db.Tasks = append(db.Tasks,
		&model.Task{ID: "t1", CardID: "online-1", Title: "A", Status: model.StatusInProgress, UpdatedAt: testNow.Add(-time.Minute)},
		&model.Task{ID: "t2", CardID: "online-1", Title: "B", Status: model.StatusAwaitingVerification, UpdatedAt: testNow},
		&model.Task{ID: "t3", CardID: "online-1", Title: "C", Status: model.StatusVerified, UpdatedAt: testNow},
		&model.Task{ID: "t4", CardID: "offline-1", Title: "D", Status: model.StatusVerified, UpdatedAt: testNow.Add(-2 * time.Hour)},
	)
	db.History = append(db.History,
		&model.HistoryEvent{ID: "e1", Event: model.EventCreated, CardID: "online-1", TaskID: "t1", ToStatus: model.StatusInProgress, ChangedAt: testNow.Add(-time.Minute)},
		&model.HistoryEvent{ID: "e2", Event: model.EventStatusChanged, CardID: "online-1", TaskID: "t2", FromStatus: model.StatusInProgress, ToStatus: model.StatusAwaitingVerification, ChangedAt: testNow},
		&model.HistoryEvent{ID: "e3", Event: model.EventCreated, CardID: "offline-1", TaskID: "t4", ToStatus: model.StatusVerified, ChangedAt: testNow.Add(-2 * time.Hour)},
	)
	return db
}

func TestSummaryOrderingAndCounts(t *testing.T) {
	list := Summary(testDB(), testTimeout, testNow)
	if len(list) != 4 {
		t.Fatalf("summaries = %d, want 4", len(list))
	}
	// Online cards first with newer streaks first; then offline cards
	// with the more recently dropped-off one first.
	want := []string{"online-1", "online-2", "offline-2", "offline-1"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
	first := list[0]
	if first.AgentStatus != AgentOnline {
		t.Fatalf("agent_status = %q", first.AgentStatus)
	}
	if first.Counts != (Counts{InProgress: 1, AwaitingVerification: 1, Verified: 1}) {
		t.Fatalf("counts = %+v", first.Counts)
	}
	if first.TotalTasks != 3 {
		t.Fatalf("total_tasks = %d", first.TotalTasks)
	}
	if first.DisplayTitle != "busy (Codex)" {
		t.Fatalf("display_title = %q", first.DisplayTitle)
	}
	last := list[3]
	if last.AgentStatus != AgentOffline || last.OfflineSince.IsZero() {
		t.Fatalf("offline summary = %+v", last)
	}
	// Going offline does not erase the recorded streak start.
	if !last.OnlineSince.Equal(testNow.Add(-2 * time.Hour)) {
		t.Fatalf("OnlineSince = %v, want %v", last.OnlineSince, testNow.Add(-2*time.Hour))
	}
	// A card never seen online has no streak start to expose.
	if !list[2].OnlineSince.IsZero() {
		t.Fatalf("OnlineSince = %v, want zero for never-online card", list[2].OnlineSince)
	}
}

func TestDetail(t *testing.T) {
	detail := Detail(testDB(), "online-1", testTimeout, testNow)
	if detail == nil {
		t.Fatal("detail = nil")
	}
	if len(detail.Tasks) != 3 {
		t.Fatalf("tasks = %d", len(detail.Tasks))
	}
	// Newest update first; ties break on id.
	if detail.Tasks[0].ID != "t2" || detail.Tasks[1].ID != "t3" || detail.Tasks[2].ID != "t1" {
		t.Fatalf("task order = %s, %s, %s", detail.Tasks[0].ID, detail.Tasks[1].ID, detail.Tasks[2].ID)
	}
	if len(detail.RecentHistory) != 2 || detail.RecentHistory[0].ID != "e2" {
		t.Fatalf("recent history = %+v", detail.RecentHistory)
	}
}

func TestDetailResolvesAliases(t *testing.T) {
	detail := Detail(testDB(), "online-2-legacy", testTimeout, testNow)
	if detail == nil || detail.ID != "online-2" {
		t.Fatalf("detail = %+v", detail)
	}
	if Detail(testDB(), "nope", testTimeout, testNow) != nil {
		t.Fatal("unknown id should return nil")
	}
}

func TestHistoryFiltersAndLimits(t *testing.T) {
	db := testDB()

	total, items := History(db, "", "", 0)
	if total != 3 || len(items) != 3 {
		t.Fatalf("all: total %d items %d", total, len(items))
	}
	if items[0].ID != "e3" {
		t.Fatalf("first item = %s, want e3", items[0].ID)
	}

	total, items = History(db, "online-2-legacy", "", 10)
	if total != 0 || len(items) != 0 {
		t.Fatalf("alias filter: total %d items %d", total, len(items))
	}

	total, items = History(db, "online-1", "t2", 10)
	if total != 1 || items[0].ID != "e2" {
		t.Fatalf("task filter: total %d first %s", total, items[0].ID)
	}

	total, items = History(db, "", "", 2)
	if total != 3 || len(items) != 2 {
		t.Fatalf("limit: total %d items %d", total, len(items))
	}
}
