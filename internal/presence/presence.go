// Package presence derives online/offline state from a card's last-seen
// mark. It is a pure projection: nothing is stored, every read recomputes.
package presence

import "time"

// State is the derived presence of one card at a point in time.
type State struct {
	Online bool

	// OnlineSince is the start of the most recent online streak. Zero when
	// the card never came online.
	OnlineSince time.Time

	// OfflineSince is when the card fell off the dashboard timeout. Zero
	// while online. Clamped to [lastSeen, now].
	OfflineSince time.Time

	// StatusSince is the sort key for the summary list: OnlineSince when
	// online, OfflineSince when offline.
	StatusSince time.Time
}

// Evaluate computes presence for a card last seen at lastSeen whose current
// online streak (if any) started at onlineSince.
func Evaluate(lastSeen, onlineSince time.Time, timeout time.Duration, now time.Time) State {
	if !lastSeen.IsZero() && now.Sub(lastSeen) <= timeout {
		since := onlineSince
		if since.IsZero() {
			since = lastSeen
		}
		return State{Online: true, OnlineSince: since, StatusSince: since}
	}

	st := State{OnlineSince: onlineSince}
	if lastSeen.IsZero() {
		return st
	}
	off := lastSeen.Add(timeout)
	if off.After(now) {
		off = now
	}
	if off.Before(lastSeen) {
		off = lastSeen
	}
	st.OfflineSince = off
	st.StatusSince = off
	return st
}
