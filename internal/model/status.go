package model

import "strings"

// statusAliases maps upstream status vocabularies onto the canonical set.
// This is a lookup table, not an enum: add rows as new tools appear. Values
// that resolve to nothing canonical fall back to in_progress (the raw value
// is preserved on the task for display).
var statusAliases = map[string]Status{
	"in_progress":                    StatusInProgress,
	"running":                        StatusInProgress,
	"active":                         StatusInProgress,
	"awaiting_verification":          StatusAwaitingVerification,
	"completed_pending_verification": StatusAwaitingVerification,
	"verified":                       StatusVerified,
	"done":                           StatusVerified,
	"completed":                      StatusVerified,
	"archived":                       StatusVerified,
}

// NormalizeStatus resolves a raw upstream status to a canonical Status.
// Blank and unrecognized values default to in_progress.
func NormalizeStatus(raw string) Status {
	v := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := statusAliases[v]; ok {
		return mapped
	}
	return StatusInProgress
}

// sourceAliases normalizes task source labels by prefix, so "codex-cli" and
// "codex_session" both render as "Codex". Unrecognized labels pass through.
var sourceAliases = []struct {
	prefix string
	label  string
}{
	{"codex", "Codex"},
	{"claude", "Claude Code"},
	{"cursor", "Cursor"},
	{"gemini", "Gemini"},
}

// NormalizeSource resolves a raw source label through the alias table.
// Empty input stays empty (the unsourced group).
func NormalizeSource(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	for _, a := range sourceAliases {
		if strings.HasPrefix(lower, a.prefix) {
			return a.label
		}
	}
	return v
}

// Slug lowercases s and collapses every non-alphanumeric run to a single
// dash, suitable for embedding in card ids.
func Slug(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
