package browser

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatpilot/internal/config"
	"chatpilot/internal/extract"
)

// PageProbe reads generation state off the live page: the message list, the
// thinking indicator, error surfaces, and the copy affordance that marks a
// finished reply. All reads are best-effort snapshots of a DOM that mutates
// underneath them.
type PageProbe struct {
	loc  Locator
	live *config.Live
	log  *zap.Logger
}

// NewPageProbe builds a probe over a locator.
func NewPageProbe(loc Locator, live *config.Live, log *zap.Logger) *PageProbe {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageProbe{loc: loc, live: live, log: log}
}

func (p *PageProbe) site() config.SiteConfig {
	return p.live.Get().Site
}

func messageChain(attr string) config.Chain {
	return config.Chain{{By: "css", Value: "[" + attr + "]"}}
}

// Messages snapshots every message container currently on the page.
func (p *PageProbe) Messages(ctx context.Context) (extract.Snapshot, error) {
	attr := p.site().MessageIDAttr
	handles, err := p.loc.LocateAll(ctx, messageChain(attr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return extract.Snapshot{}, nil
		}
		return nil, err
	}

	snap := extract.Snapshot{}
	now := time.Now()
	for _, h := range handles {
		id, ok, err := h.Attribute(attr)
		if err != nil || !ok || id == "" {
			continue
		}
		text, err := h.Text()
		if err != nil {
			continue
		}
		snap[id] = extract.NewRecord(id, text, now)
	}
	return snap, nil
}

// ThinkingVisible reports whether a thinking indicator is currently shown.
// The indicator chain narrows the scan; the marker list confirms the element
// really is a progress indicator and not coincidental text.
func (p *PageProbe) ThinkingVisible(ctx context.Context) bool {
	site := p.site()
	h, err := p.loc.Locate(ctx, site.ThinkingIndicator)
	if err != nil {
		return false
	}
	if len(site.ThinkingMarkers) == 0 {
		return true
	}
	text, err := h.Text()
	if err != nil {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range site.ThinkingMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// CandidateText returns the text of the newest message that appeared after
// the baseline ID. With excludeThinking set, lines that are bare progress
// markers are dropped so a pulsing indicator cannot keep resetting the
// stability count.
func (p *PageProbe) CandidateText(ctx context.Context, baselineID string, excludeThinking bool) (string, error) {
	snap, err := p.Messages(ctx)
	if err != nil {
		return "", err
	}

	baseline := ordinalOf(baselineID)
	var best *extract.Record
	for id := range snap {
		rec := snap[id]
		if rec.Ordinal <= baseline {
			continue
		}
		if best == nil || rec.Ordinal > best.Ordinal {
			best = &rec
		}
	}
	if best == nil {
		return "", nil
	}

	text := best.Text
	if excludeThinking {
		text = stripMarkerLines(text, p.site().ThinkingMarkers)
	}
	return text, nil
}

// ErrorText returns the visible text of a dedicated error surface, if any.
// Phrase classification happens upstream; this just reads the element.
func (p *PageProbe) ErrorText(ctx context.Context) (string, bool) {
	h, err := p.loc.Locate(ctx, p.site().ErrorIndicator)
	if err != nil {
		return "", false
	}
	text, err := h.Text()
	if err != nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// CompletionSignalAfter reports whether a copy affordance exists inside a
// message container newer than the baseline. The page only renders the copy
// control once a reply finishes, so a scoped hit is a strong completion
// confirmation. Unscoped affordances from earlier replies never count.
func (p *PageProbe) CompletionSignalAfter(ctx context.Context, baselineID string) (bool, error) {
	site := p.site()
	handles, err := p.loc.LocateAll(ctx, site.CopyAffordance)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	baseline := ordinalOf(baselineID)
	for _, h := range handles {
		id, ok, err := h.ClosestAttribute(site.MessageIDAttr)
		if err != nil || !ok {
			continue
		}
		if ordinalOf(id) > baseline {
			p.log.Debug("completion signal found", zap.String("message_id", id))
			return true, nil
		}
	}
	return false, nil
}

// ordinalOf parses a message ID as an integer; non-numeric and empty IDs
// map to -1 so any numeric message sorts after them.
func ordinalOf(id string) int {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return -1
	}
	return n
}

func stripMarkerLines(text string, markers []string) string {
	if len(markers) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		bare := false
		for _, marker := range markers {
			if trimmed == strings.ToLower(marker) {
				bare = true
				break
			}
		}
		if !bare {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
