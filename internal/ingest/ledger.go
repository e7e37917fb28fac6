package ingest

import (
	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/model"
)

// appendHistory stamps an id onto the event, appends it, and trims the
// ledger to its cap from the front. Oldest entries go first.
func (e *Engine) appendHistory(db *model.DB, ev *model.HistoryEvent, limits Limits) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	db.History = append(db.History, ev)
	if limits.HistoryMax > 0 && len(db.History) > limits.HistoryMax {
		overflow := len(db.History) - limits.HistoryMax
		db.History = append(db.History[:0], db.History[overflow:]...)
	}
}
