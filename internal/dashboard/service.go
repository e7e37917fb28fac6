// Package dashboard builds the read-side projections: machine summaries,
// per-machine detail, and history queries. It never mutates the dataset.
package dashboard

import (
	"sort"
	"time"

	"github.com/basket/agentdeck/internal/model"
	"github.com/basket/agentdeck/internal/presence"
)

// Agent presence labels on the wire.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Counts buckets a card's tasks by canonical status.
type Counts struct {
	InProgress           int `json:"in_progress"`
	AwaitingVerification int `json:"awaiting_verification"`
	Verified             int `json:"verified"`
}

// MachineSummary is one dashboard card as rendered to clients.
type MachineSummary struct {
	ID           string    `json:"id"`
	AgentName    string    `json:"agent_name"`
	DisplayName  string    `json:"display_name,omitempty"`
	DisplayTitle string    `json:"display_title"`
	AgentStatus  string    `json:"agent_status"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	OnlineSince  time.Time `json:"online_since,omitzero"`
	OfflineSince time.Time `json:"offline_since,omitzero"`
	Counts       Counts    `json:"counts"`
	TotalTasks   int       `json:"total_tasks"`

	statusSince time.Time
}

// MachineDetail extends a summary with the card's tasks and recent history.
type MachineDetail struct {
	MachineSummary
	Tasks         []*model.Task         `json:"tasks"`
	RecentHistory []*model.HistoryEvent `json:"recent_history"`
}

const recentHistoryLimit = 20

func summarize(db *model.DB, card *model.Card, timeout time.Duration, now time.Time) MachineSummary {
	state := presence.Evaluate(card.LastSeen, card.OnlineSince, timeout, now)
	s := MachineSummary{
		ID:           card.ID,
		AgentName:    card.AgentName,
		DisplayName:  card.DisplayName,
		DisplayTitle: card.Title(),
		LastSeen:     card.LastSeen,
		statusSince:  state.StatusSince,
	}
	// A recorded streak start survives going offline; it is zero only when
	// the card was never seen online.
	s.OnlineSince = state.OnlineSince
	if state.Online {
		s.AgentStatus = AgentOnline
	} else {
		s.AgentStatus = AgentOffline
		s.OfflineSince = state.OfflineSince
	}
	for _, t := range db.Tasks {
		if t.CardID != card.ID {
			continue
		}
		s.TotalTasks++
		switch t.Status {
		case model.StatusInProgress:
			s.Counts.InProgress++
		case model.StatusAwaitingVerification:
			s.Counts.AwaitingVerification++
		case model.StatusVerified:
			s.Counts.Verified++
		}
	}
	return s
}

// Summary renders every card, online machines first, most recently active
// within each group.
func Summary(db *model.DB, timeout time.Duration, now time.Time) []MachineSummary {
	out := make([]MachineSummary, 0, len(db.Machines))
	for _, card := range db.Machines {
		out = append(out, summarize(db, card, timeout, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AgentStatus != b.AgentStatus {
			return a.AgentStatus == AgentOnline
		}
		if !a.statusSince.Equal(b.statusSince) {
			return a.statusSince.After(b.statusSince)
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.DisplayTitle < b.DisplayTitle
	})
	return out
}

// Detail renders one card with its tasks (most recently updated first) and
// its newest history entries. Returns nil when id resolves no card.
func Detail(db *model.DB, id string, timeout time.Duration, now time.Time) *MachineDetail {
	card := db.FindCard(id)
	if card == nil {
		return nil
	}
	detail := &MachineDetail{MachineSummary: summarize(db, card, timeout, now)}

	detail.Tasks = db.CardTasks(card.ID)
	sort.SliceStable(detail.Tasks, func(i, j int) bool {
		a, b := detail.Tasks[i], detail.Tasks[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})

	for i := len(db.History) - 1; i >= 0 && len(detail.RecentHistory) < recentHistoryLimit; i-- {
		if db.History[i].CardID == card.ID {
			detail.RecentHistory = append(detail.RecentHistory, db.History[i])
		}
	}
	if detail.Tasks == nil {
		detail.Tasks = []*model.Task{}
	}
	if detail.RecentHistory == nil {
		detail.RecentHistory = []*model.HistoryEvent{}
	}
	return detail
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// History returns ledger entries newest-first, optionally filtered by
// machine (id or alias) and task id. The total counts matches before the
// limit is applied.
func History(db *model.DB, machineID, taskID string, limit int) (int, []*model.HistoryEvent) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	cardID := ""
	if machineID != "" {
		card := db.FindCard(machineID)
		if card == nil {
			return 0, []*model.HistoryEvent{}
		}
		cardID = card.ID
	}

	total := 0
	items := []*model.HistoryEvent{}
	for i := len(db.History) - 1; i >= 0; i-- {
		ev := db.History[i]
		if cardID != "" && ev.CardID != cardID {
			continue
		}
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		total++
		if len(items) < limit {
			items = append(items, ev)
		}
	}
	return total, items
}
