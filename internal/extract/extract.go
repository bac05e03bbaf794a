// Package extract pulls the final reply out of a noisy message list. The
// page numbers its message containers; extraction is a set diff between a
// snapshot taken before submission and one taken after completion, followed
// by plausibility checks and UI-artifact stripping.
package extract

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNoNewMessage indicates the post-completion snapshot contains no message
// absent from the pre-submission one.
var ErrNoNewMessage = errors.New("no new message appeared after submission")

// ErrImplausible indicates a new message was found but failed the
// plausibility checks, such as being too short or echoing the prompt.
var ErrImplausible = errors.New("extracted text does not look like a response")

// Message roles. The page does not label containers, so the role is
// inferred during extraction: a new container that repeats the submitted
// prompt is the user echo, anything else is the assistant.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one message container observed on the page.
type Record struct {
	// ID is the raw message container identifier attribute value.
	ID string
	// Ordinal is ID parsed as an integer, or -1 when it is not numeric.
	// Higher ordinals are newer.
	Ordinal int
	// Role is empty until extraction attributes the message.
	Role    string
	Text    string
	FoundAt time.Time
}

// Snapshot maps message IDs to their records at one point in time.
type Snapshot map[string]Record

// NewRecord builds a Record, deriving the ordinal from the ID.
func NewRecord(id, text string, foundAt time.Time) Record {
	ordinal := -1
	if n, err := strconv.Atoi(strings.TrimSpace(id)); err == nil {
		ordinal = n
	}
	return Record{ID: id, Ordinal: ordinal, Text: text, FoundAt: foundAt}
}

// Options tunes plausibility checking.
type Options struct {
	// Prompt is the submitted message; used to reject echoes.
	Prompt string
	// MinChars is the minimum rune count for a plausible response.
	MinChars int
	// Keywords is an optional allowlist; when non-empty, a plausible
	// response must contain at least one.
	Keywords []string
}

// Latest diffs two snapshots and returns the newest assistant message added
// between them. Newness is decided by ordinal first, then discovery time, so
// a re-rendered page that reuses low IDs cannot shadow the real reply. New
// containers that echo the submitted prompt are attributed to the user and
// skipped.
func Latest(before, after Snapshot, opts Options) (Record, error) {
	var added []Record
	for id, rec := range after {
		if _, seen := before[id]; !seen {
			added = append(added, rec)
		}
	}
	if len(added) == 0 {
		return Record{}, ErrNoNewMessage
	}

	sort.Slice(added, func(i, j int) bool {
		if added[i].Ordinal != added[j].Ordinal {
			return added[i].Ordinal > added[j].Ordinal
		}
		return added[i].FoundAt.After(added[j].FoundAt)
	})

	for _, rec := range added {
		if isEcho(strings.TrimSpace(rec.Text), opts.Prompt) {
			continue
		}
		rec.Role = RoleAssistant
		if err := Plausible(rec.Text, opts); err != nil {
			return rec, err
		}
		return rec, nil
	}
	// Only the echoed prompt appeared; the reply has not landed yet.
	return Record{}, ErrNoNewMessage
}

// Plausible checks that text reads like a model response rather than an
// echo, a UI fragment, or a truncated stub.
func Plausible(text string, opts Options) error {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < opts.MinChars {
		return ErrImplausible
	}
	if isEcho(trimmed, opts.Prompt) {
		return ErrImplausible
	}
	if len(opts.Keywords) > 0 {
		found := false
		for _, kw := range opts.Keywords {
			if strings.Contains(trimmed, kw) {
				found = true
				break
			}
		}
		if !found {
			return ErrImplausible
		}
	}
	return nil
}

// isEcho reports whether text opens by repeating the prompt's head. The
// page sometimes renders the submitted prompt in a container that looks
// like a reply.
func isEcho(text, prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}
	head := prompt
	if runes := []rune(prompt); len(runes) > 20 {
		head = string(runes[:20])
	}
	return strings.HasPrefix(text, head)
}
