package model

import "strings"

// titleSeparators are the separators used when an agent name embeds the
// machine name as a prefix, e.g. "buildbox · Codex".
var titleSeparators = []string{" · ", " / ", " - "}

// DisplayTitle composes the rendered card title. Without a display name the
// agent name stands alone. With one, the agent name is appended in
// parentheses only when it carries information beyond the display name
// itself; when the agent name starts with the display name plus a known
// separator, only the suffix is shown.
func DisplayTitle(displayName, agentName string) string {
	displayName = strings.TrimSpace(displayName)
	agentName = strings.TrimSpace(agentName)
	if displayName == "" {
		return agentName
	}
	if agentName == "" || agentName == displayName {
		return displayName
	}
	for _, sep := range titleSeparators {
		if rest, ok := strings.CutPrefix(agentName, displayName+sep); ok && rest != "" {
			return displayName + " (" + rest + ")"
		}
	}
	return displayName + " (" + agentName + ")"
}

// Title returns the card's composed display title.
func (c *Card) Title() string {
	return DisplayTitle(c.DisplayName, c.AgentName)
}
