// Package model defines the persisted dashboard dataset shared by the ingest
// engine, the storage backends, and the read-only projections.
package model

import (
	"strings"
	"time"
)

// Status is a normalized task status. The set is open-ended on the wire
// (upstream tools invent their own vocabularies); NormalizeStatus folds
// everything onto these three buckets and the raw value is kept alongside.
type Status string

const (
	StatusInProgress           Status = "in_progress"
	StatusAwaitingVerification Status = "awaiting_verification"
	StatusVerified             Status = "verified"
)

// History event kinds.
const (
	EventCreated       = "created"
	EventStatusChanged = "status_changed"
)

// Card is one machine × agent-source record on the dashboard.
// Invariant: exactly one Card exists per distinct (fingerprint, agent name)
// pair, and Aliases always contains ID plus every id ever folded into it.
type Card struct {
	ID          string    `json:"id"`
	AgentName   string    `json:"agent_name"`
	DisplayName string    `json:"display_name,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Aliases     []string  `json:"aliases"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	OnlineSince time.Time `json:"online_since,omitzero"`
}

// HasAlias reports whether id is this card's id or one of its aliases.
func (c *Card) HasAlias(id string) bool {
	if id == c.ID {
		return true
	}
	for _, a := range c.Aliases {
		if a == id {
			return true
		}
	}
	return false
}

// EnsureAlias records id in the alias set if not already present.
func (c *Card) EnsureAlias(id string) {
	if id == "" || c.HasAlias(id) {
		return
	}
	c.Aliases = append(c.Aliases, id)
}

// Task is a single tracked task owned by a Card. (CardID, ID) is unique.
type Task struct {
	ID            string    `json:"id"`
	CardID        string    `json:"card_id"`
	Title         string    `json:"title"`
	Status        Status    `json:"status"`
	RawStatus     string    `json:"raw_status,omitempty"`
	Source        string    `json:"source,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	PreviewImages []string  `json:"preview_images,omitempty"`
}

// HistoryEvent is one append-only ledger entry. Never mutated after insert.
type HistoryEvent struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	CardID     string    `json:"card_id"`
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	ChangedAt  time.Time `json:"changed_at"`
}

// DB is the whole persisted dataset. Storage backends load and save it as one
// document; the engine mutates it in memory between the two.
type DB struct {
	Machines []*Card         `json:"machines"`
	Tasks    []*Task         `json:"tasks"`
	History  []*HistoryEvent `json:"history"`
}

// NewDB returns an empty dataset.
func NewDB() *DB {
	return &DB{}
}

// FindCard resolves id against card ids and aliases.
func (db *DB) FindCard(id string) *Card {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	for _, c := range db.Machines {
		if c.ID == id {
			return c
		}
	}
	for _, c := range db.Machines {
		if c.HasAlias(id) {
			return c
		}
	}
	return nil
}

// FindTask looks a task up by its (cardID, taskID) key.
func (db *DB) FindTask(cardID, taskID string) *Task {
	for _, t := range db.Tasks {
		if t.CardID == cardID && t.ID == taskID {
			return t
		}
	}
	return nil
}

// CardTasks returns all tasks owned by cardID, in stored order.
func (db *DB) CardTasks(cardID string) []*Task {
	var out []*Task
	for _, t := range db.Tasks {
		if t.CardID == cardID {
			out = append(out, t)
		}
	}
	return out
}

// IdentityKey is the canonical (fingerprint, agent name) lookup key.
// Comparison is case-sensitive after whitespace trimming.
func IdentityKey(fingerprint, agentName string) string {
	return strings.TrimSpace(fingerprint) + "\x00" + strings.TrimSpace(agentName)
}
