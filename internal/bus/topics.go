package bus

import "time"

// Dashboard event topics.
const (
	TopicDashboardUpdated = "dashboard.updated"
)

// Update reasons carried on DashboardUpdatedEvent.
const (
	ReasonReport      = "report"
	ReasonDisplayName = "display_name"
	ReasonReseed      = "reseed"
)

// DashboardUpdatedEvent is published after a state change has been persisted.
// CardID is the canonical card the change landed on; empty for dataset-wide
// operations such as reseed.
type DashboardUpdatedEvent struct {
	Reason    string
	CardID    string
	UpdatedAt time.Time
}
