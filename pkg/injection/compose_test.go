package injection

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestComposeSystemReminder(t *testing.T) {
	out := Compose("the cache is stale", Directive{
		TriggerType:      "research",
		FollowUpGuidance: "cite sources",
	}, 0)

	assert.True(t, strings.HasPrefix(out, "<system-reminder>\n"))
	assert.True(t, strings.HasSuffix(out, "\n</system-reminder>"))
	assert.Contains(t, out, "Background research you requested has completed")
	assert.Contains(t, out, "the cache is stale")
	assert.Contains(t, out, "Guidance: cite sources")
}

func TestComposePlain(t *testing.T) {
	out := Compose("done", Directive{Format: "plain"}, 0)
	assert.NotContains(t, out, "<system-reminder>")
	assert.Contains(t, out, "An asynchronous task you delegated has completed.")
	assert.Contains(t, out, "done")
}

func TestComposeUnknownTriggerFallsBack(t *testing.T) {
	out := Compose("x", Directive{TriggerType: "no-such-trigger", Format: "plain"}, 0)
	assert.Contains(t, out, triggerBoilerplate["general"])
}

func TestComposeOmitsEmptySections(t *testing.T) {
	out := Compose("", Directive{Format: "plain"}, 0)
	assert.Equal(t, triggerBoilerplate["general"], out)
	assert.NotContains(t, out, "Guidance:")
}

func TestTruncateContentRuneSafe(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes per rune
	out := truncateContent(s, 5)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, strings.Repeat("é", 2)))
	assert.Contains(t, out, "[injection content truncated]")

	assert.Equal(t, "short", truncateContent("short", 100))
	assert.Equal(t, "unbounded", truncateContent("unbounded", 0))
}

func TestValidPosition(t *testing.T) {
	for _, p := range []string{"prepend", "postscript", "system_reminder", "before_prompt", "after_prompt"} {
		assert.True(t, ValidPosition(p), p)
	}
	assert.False(t, ValidPosition("middle"))
	assert.False(t, ValidPosition(""))
}
