package monitor

import "strings"

// Classifier matches terminal error phrases in observed text. Matching is
// whole-phrase containment: a configured phrase must appear in full, so a
// page that happens to render a prefix of one never trips it.
type Classifier struct {
	phrases []string
}

// NewClassifier builds a classifier over the configured phrase list.
func NewClassifier(phrases []string) *Classifier {
	kept := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return &Classifier{phrases: kept}
}

// Match returns the first configured phrase contained in text, if any.
func (c *Classifier) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, p := range c.phrases {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}
