package ingest

import (
	"fmt"
	"time"

	"github.com/basket/agentdeck/internal/model"
)

// qualifiedID derives the card id for a machine and task source. Tasks
// from distinct sources on one machine get distinct cards.
func qualifiedID(machineID, source string) string {
	if source == "" {
		return machineID
	}
	return machineID + "::" + model.Slug(source)
}

// qualifiedAgentName labels a card with its source so two agents on the
// same host stay tellable apart.
func qualifiedAgentName(name, source string) string {
	if source == "" {
		return name
	}
	return name + " · " + source
}

// resolveCard finds or creates the card for (fingerprint, agent name).
// Identity is keyed on the fingerprint, not the machine id: a machine that
// rotates its id keeps its card, and the new id becomes an alias.
func (e *Engine) resolveCard(db *model.DB, machineID, fingerprint, name, source string, now time.Time, limits Limits) (*model.Card, bool) {
	id := qualifiedID(machineID, source)
	agentName := qualifiedAgentName(name, source)
	key := model.IdentityKey(fingerprint, agentName)

	var card *model.Card
	for _, c := range db.Machines {
		if model.IdentityKey(c.Fingerprint, c.AgentName) == key {
			card = c
			break
		}
	}
	if card == nil {
		// A report may rotate the fingerprint too; the id alias chain
		// still resolves as long as the agent name is stable.
		for _, c := range db.Machines {
			if c.HasAlias(id) && c.AgentName == agentName {
				card = c
				break
			}
		}
	}

	if card != nil {
		wasOnline := !card.LastSeen.IsZero() && now.Sub(card.LastSeen) <= limits.OfflineTimeout
		if !wasOnline || card.OnlineSince.IsZero() {
			card.OnlineSince = now
		}
		card.LastSeen = now
		card.Fingerprint = fingerprint
		card.EnsureAlias(id)
		return card, false
	}

	card = &model.Card{
		ID:          e.availableID(db, id, agentName),
		AgentName:   agentName,
		Fingerprint: fingerprint,
		LastSeen:    now,
		OnlineSince: now,
	}
	card.EnsureAlias(card.ID)
	card.EnsureAlias(id)
	// A sibling card for the same physical machine lends its display name
	// so all of the machine's cards read consistently.
	for _, c := range db.Machines {
		if c.Fingerprint == fingerprint && c.DisplayName != "" {
			card.DisplayName = c.DisplayName
			break
		}
	}
	db.Machines = append(db.Machines, card)
	return card, true
}

// availableID returns id if free, otherwise disambiguates with a slug of
// the agent name and a numeric suffix. The time fallback is unreachable in
// practice but keeps the function total.
func (e *Engine) availableID(db *model.DB, id, agentName string) string {
	taken := func(candidate string) bool {
		for _, c := range db.Machines {
			if c.ID == candidate {
				return true
			}
		}
		return false
	}
	if !taken(id) {
		return id
	}
	base := id + "::" + model.Slug(agentName)
	if !taken(base) {
		return base
	}
	for n := 1; n <= 1000; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !taken(candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d", base, e.now().UnixMilli())
}

// mergeSiblings folds every other card sharing this card's identity key
// into it and returns how many were folded. Tasks and history move to the
// surviving card; duplicate tasks keep whichever copy updated later.
func (e *Engine) mergeSiblings(db *model.DB, card *model.Card) int {
	key := model.IdentityKey(card.Fingerprint, card.AgentName)
	merged := 0
	kept := db.Machines[:0]
	for _, c := range db.Machines {
		if c == card || model.IdentityKey(c.Fingerprint, c.AgentName) != key {
			kept = append(kept, c)
			continue
		}
		foldCard(db, card, c)
		merged++
	}
	db.Machines = kept
	if merged > 0 {
		dedupeTasks(db, card.ID)
	}
	return merged
}

// globalMerge re-runs identity resolution over the whole dataset. The
// first card per identity key survives; the rest fold into it.
func (e *Engine) globalMerge(db *model.DB) int {
	survivors := make(map[string]*model.Card)
	merged := 0
	kept := db.Machines[:0]
	for _, c := range db.Machines {
		key := model.IdentityKey(c.Fingerprint, c.AgentName)
		if survivor, ok := survivors[key]; ok {
			foldCard(db, survivor, c)
			merged++
			continue
		}
		survivors[key] = c
		kept = append(kept, c)
	}
	db.Machines = kept
	if merged > 0 {
		for _, c := range db.Machines {
			dedupeTasks(db, c.ID)
		}
	}
	return merged
}

// foldCard moves everything from src onto dst and repoints src's tasks
// and history.
func foldCard(db *model.DB, dst, src *model.Card) {
	dst.EnsureAlias(src.ID)
	for _, a := range src.Aliases {
		dst.EnsureAlias(a)
	}
	if src.LastSeen.After(dst.LastSeen) {
		dst.LastSeen = src.LastSeen
	}
	if dst.DisplayName == "" {
		dst.DisplayName = src.DisplayName
	}
	if dst.OnlineSince.IsZero() {
		dst.OnlineSince = src.OnlineSince
	}
	for _, t := range db.Tasks {
		if t.CardID == src.ID {
			t.CardID = dst.ID
		}
	}
	for _, ev := range db.History {
		if ev.CardID == src.ID {
			ev.CardID = dst.ID
		}
	}
}

// dedupeTasks collapses tasks sharing (cardID, taskID), keeping the copy
// with the later UpdatedAt.
func dedupeTasks(db *model.DB, cardID string) {
	best := make(map[string]*model.Task)
	for _, t := range db.Tasks {
		if t.CardID != cardID {
			continue
		}
		if prev, ok := best[t.ID]; !ok || t.UpdatedAt.After(prev.UpdatedAt) {
			best[t.ID] = t
		}
	}
	kept := db.Tasks[:0]
	for _, t := range db.Tasks {
		if t.CardID != cardID || best[t.ID] == t {
			kept = append(kept, t)
		}
	}
	db.Tasks = kept
}
