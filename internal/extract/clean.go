package extract

import (
	"strings"
	"unicode/utf8"
)

// tailWindow is the fraction of the text past which a trailing artifact is
// assumed to be chrome rather than content.
const tailWindow = 0.8

// Clean strips page chrome from an extracted reply. The copy affordance
// renders its label directly after the message body, so everything from the
// first copy label onward is dropped. Action labels like "Regenerate" or
// "Share" appear appended to the tail; they are trimmed only when they sit
// in the final stretch of the text, since the reply itself may legitimately
// mention them earlier.
func Clean(text string, copyLabels, trailingArtifacts []string) string {
	cut := -1
	for _, label := range copyLabels {
		if label == "" {
			continue
		}
		if idx := strings.Index(text, label); idx > 0 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut > 0 {
		text = text[:cut]
	}

	for changed := true; changed; {
		changed = false
		trimmed := strings.TrimSpace(text)
		threshold := int(float64(utf8.RuneCountInString(trimmed)) * tailWindow)
		for _, artifact := range trailingArtifacts {
			if artifact == "" {
				continue
			}
			idx := strings.LastIndex(trimmed, artifact)
			if idx < 0 {
				continue
			}
			if utf8.RuneCountInString(trimmed[:idx]) < threshold {
				continue
			}
			if strings.TrimSpace(trimmed[idx+len(artifact):]) != "" {
				continue
			}
			text = trimmed[:idx]
			changed = true
			break
		}
	}

	return strings.TrimSpace(text)
}
