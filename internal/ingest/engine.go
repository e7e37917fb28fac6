// Package ingest applies machine reports to the dashboard dataset. All
// writes funnel through one engine under one mutex: each mutation loads
// the document, transforms it, and saves it back before the next one runs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/model"
	"github.com/basket/agentdeck/internal/store"
)

var (
	// ErrMissingMachineID rejects reports with no usable machine identity.
	ErrMissingMachineID = errors.New("machine_id is required")
	// ErrNotFound marks lookups that resolved no card.
	ErrNotFound = errors.New("machine not found")
)

// Limits are the runtime-tunable ingestion bounds. They reload with the
// config file without restarting the daemon.
type Limits struct {
	OfflineTimeout   time.Duration
	HistoryMax       int
	PreviewMaxImages int
	PreviewMaxBytes  int
}

// ReportTask is one task entry in an inbound report. Timestamps arrive as
// strings because upstream tools disagree on precision; unparseable values
// degrade to zero rather than failing the report.
type ReportTask struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Source        string   `json:"source"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	PreviewImages []string `json:"preview_images"`
}

// Report is a full state report from one machine. Older reporter builds
// sent the machine name as "name"; both spellings are accepted.
type Report struct {
	MachineID   string       `json:"machine_id"`
	Fingerprint string       `json:"machine_fingerprint"`
	MachineName string       `json:"machine_name"`
	Name        string       `json:"name"`
	Tasks       []ReportTask `json:"tasks"`
}

// Result summarizes what a report changed.
type Result struct {
	CardID       string
	Fingerprint  string
	TasksUpdated int
	CardsCreated int
	CardsMerged  int
}

// Engine owns the load-mutate-save cycle.
type Engine struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	// mu serializes every write to the document.
	mu sync.Mutex

	limitsMu sync.RWMutex
	limits   Limits
}

func New(st store.Store, eventBus *bus.Bus, logger *slog.Logger, limits Limits) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		bus:    eventBus,
		logger: logger,
		now:    time.Now,
		limits: limits,
	}
}

// Limits returns the current ingestion bounds.
func (e *Engine) Limits() Limits {
	e.limitsMu.RLock()
	defer e.limitsMu.RUnlock()
	return e.limits
}

// SetLimits swaps the ingestion bounds, typically on config reload.
func (e *Engine) SetLimits(l Limits) {
	e.limitsMu.Lock()
	e.limits = l
	e.limitsMu.Unlock()
}

// Snapshot returns the current document for read-only projections.
func (e *Engine) Snapshot(ctx context.Context) (*model.DB, error) {
	return e.store.LoadDB(ctx)
}

// ApplyReport ingests one machine report: resolves the card identity per
// task source, upserts every task, appends history for real changes, and
// persists the result. The update event publishes only after a successful
// save so subscribers never observe state that was not written.
func (e *Engine) ApplyReport(ctx context.Context, report Report) (Result, error) {
	machineID := strings.TrimSpace(report.MachineID)
	if machineID == "" {
		return Result{}, ErrMissingMachineID
	}
	fingerprint := strings.TrimSpace(report.Fingerprint)
	if fingerprint == "" {
		fingerprint = machineID
	}
	name := strings.TrimSpace(report.MachineName)
	if name == "" {
		name = strings.TrimSpace(report.Name)
	}
	if name == "" {
		name = machineID
	}
	limits := e.Limits()
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	db, err := e.store.LoadDB(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load dashboard: %w", err)
	}

	var res Result
	res.Fingerprint = fingerprint

	for _, group := range groupBySource(report.Tasks) {
		card, created := e.resolveCard(db, machineID, fingerprint, name, group.source, now, limits)
		if created {
			res.CardsCreated++
		}
		res.CardsMerged += e.mergeSiblings(db, card)
		for _, task := range group.tasks {
			if e.upsertTask(db, card, task, group.source, now, limits) {
				res.TasksUpdated++
			}
		}
		if res.CardID == "" || group.source == "" {
			res.CardID = card.ID
		}
	}

	if err := e.store.SaveDB(ctx, db); err != nil {
		return Result{}, fmt.Errorf("save dashboard: %w", err)
	}

	e.logger.Info("report applied",
		"machine_id", machineID,
		"card_id", res.CardID,
		"tasks_updated", res.TasksUpdated,
		"cards_created", res.CardsCreated,
		"cards_merged", res.CardsMerged)
	e.publish(bus.ReasonReport, res.CardID, now)
	return res, nil
}

// SetDisplayName renames a card and propagates the name to every card
// sharing its fingerprint, so one physical machine renames as a unit.
// Returns the renamed card so callers can render the updated title.
func (e *Engine) SetDisplayName(ctx context.Context, id, displayName string) (*model.Card, error) {
	displayName = strings.TrimSpace(displayName)
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	db, err := e.store.LoadDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dashboard: %w", err)
	}
	card := db.FindCard(id)
	if card == nil {
		return nil, ErrNotFound
	}
	for _, sibling := range db.Machines {
		if sibling.Fingerprint == card.Fingerprint {
			sibling.DisplayName = displayName
		}
	}
	if err := e.store.SaveDB(ctx, db); err != nil {
		return nil, fmt.Errorf("save dashboard: %w", err)
	}
	e.logger.Info("display name set", "card_id", card.ID, "display_name", displayName)
	e.publish(bus.ReasonDisplayName, card.ID, now)
	return card, nil
}

// Reseed rebuilds identity across the whole dataset: cards that share an
// identity key are folded together and duplicate tasks collapse. Used
// after external edits to the stored document.
func (e *Engine) Reseed(ctx context.Context) (int, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	db, err := e.store.LoadDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("load dashboard: %w", err)
	}
	merged := e.globalMerge(db)
	if err := e.store.SaveDB(ctx, db); err != nil {
		return 0, fmt.Errorf("save dashboard: %w", err)
	}
	e.logger.Info("reseed complete", "cards_merged", merged)
	e.publish(bus.ReasonReseed, "", now)
	return merged, nil
}

func (e *Engine) publish(reason, cardID string, at time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicDashboardUpdated, bus.DashboardUpdatedEvent{
		Reason:    reason,
		CardID:    cardID,
		UpdatedAt: at,
	})
}

type sourceGroup struct {
	source string
	tasks  []ReportTask
}

// groupBySource splits report tasks by normalized source, preserving first
// appearance order. A report with no tasks still yields one empty group so
// presence updates land even when nothing is running.
func groupBySource(tasks []ReportTask) []sourceGroup {
	if len(tasks) == 0 {
		return []sourceGroup{{}}
	}
	index := make(map[string]int)
	var groups []sourceGroup
	for _, t := range tasks {
		src := model.NormalizeSource(t.Source)
		i, ok := index[src]
		if !ok {
			i = len(groups)
			index[src] = i
			groups = append(groups, sourceGroup{source: src})
		}
		groups[i].tasks = append(groups[i].tasks, t)
	}
	return groups
}
