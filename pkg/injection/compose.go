package injection

import (
	"strings"
	"unicode/utf8"
)

// Delivery modes. Direct starts a new high-priority completion per
// target; next parks the content until the target session's next
// prompt.
const (
	ModeDirect = "direct"
	ModeNext   = "next"
)

// Positions for queued content, relative to the prompt it joins.
const (
	PositionPrepend        = "prepend"
	PositionPostscript     = "postscript"
	PositionSystemReminder = "system_reminder"
	PositionBeforePrompt   = "before_prompt"
	PositionAfterPrompt    = "after_prompt"
)

// ValidPosition reports whether p is a recognized position.
func ValidPosition(p string) bool {
	switch p {
	case PositionPrepend, PositionPostscript, PositionSystemReminder,
		PositionBeforePrompt, PositionAfterPrompt:
		return true
	}
	return false
}

// Directive is the injection_config a completion request carries. It
// tells the router whether and how to route the request's result.
type Directive struct {
	Enabled          bool     `json:"enabled"`
	Mode             string   `json:"mode"`
	Position         string   `json:"position"`
	TargetSessions   []string `json:"target_sessions"`
	TriggerType      string   `json:"trigger_type"`
	FollowUpGuidance string   `json:"follow_up_guidance"`
	Format           string   `json:"format"` // system_reminder (default) | plain
	Model            string   `json:"model"`
}

// triggerBoilerplate opens the injected text so the receiving session
// knows why unprompted content arrived. Unknown trigger types fall
// back to general.
var triggerBoilerplate = map[string]string{
	"general":      "An asynchronous task you delegated has completed.",
	"research":     "Background research you requested has completed. Review the findings below.",
	"coordination": "Another agent in your coordination group reported a result.",
	"memory":       "Stored context relevant to this conversation has surfaced.",
}

// Compose renders the text injected into a target session: trigger
// boilerplate, the provider result, then any follow-up guidance,
// wrapped in a system-reminder envelope unless the directive asks for
// plain text. maxBytes bounds the output; 0 means unbounded.
func Compose(result string, d Directive, maxBytes int) string {
	boilerplate, ok := triggerBoilerplate[d.TriggerType]
	if !ok {
		boilerplate = triggerBoilerplate["general"]
	}

	parts := []string{boilerplate}
	if result != "" {
		parts = append(parts, result)
	}
	if d.FollowUpGuidance != "" {
		parts = append(parts, "Guidance: "+d.FollowUpGuidance)
	}
	body := strings.Join(parts, "\n\n")

	if d.Format != "plain" {
		body = "<system-reminder>\n" + body + "\n</system-reminder>"
	}
	return truncateContent(body, maxBytes)
}

// truncateContent cuts s to maxBytes without splitting a UTF-8
// sequence, marking the cut. Oversized injections would otherwise
// crowd out the prompt they decorate.
func truncateContent(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[injection content truncated]"
}
