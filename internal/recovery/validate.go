package recovery

import (
	"strings"
	"unicode/utf8"

	"chatpilot/internal/extract"
)

// minRecoveredChars is the rune floor for a recovered reply. Stricter than
// the monitor's stability floor: a recovery that produces a stub is treated
// as another failure.
const minRecoveredChars = 100

// trivialReplies are acknowledgement stubs the page produces when the model
// gives up; none of them count as a recovery.
var trivialReplies = []string{"hello", "hi", "ok", "okay", "yes", "no"}

// validateRecovered decides whether text counts as a real recovered reply
// rather than a stub or an echo of what was sent.
func validateRecovered(text, sentPrompt string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minRecoveredChars {
		return "too short", false
	}
	lower := strings.ToLower(trimmed)
	for _, triv := range trivialReplies {
		if lower == triv || lower == triv+"." || lower == triv+"!" {
			return "trivial reply", false
		}
	}
	if err := extract.Plausible(trimmed, extract.Options{
		Prompt:   sentPrompt,
		MinChars: minRecoveredChars,
	}); err != nil {
		return "prompt echo", false
	}
	return "", true
}
