package browser

import (
	"errors"
	"strings"
)

// ErrNotFound indicates that no selector in a chain resolved to a usable
// element. Surfaced to callers; maps to a missing required control.
var ErrNotFound = errors.New("no element found for selector chain")

// ErrStale indicates that a previously resolved element reference was
// invalidated by a DOM mutation. Never surfaced past the locator: it is
// absorbed by re-resolving the chain.
var ErrStale = errors.New("element is stale or detached from the document")

// IsStale reports whether err is a stale/detached element failure from the
// CDP layer. Rod does not expose a single error type for these; the devtools
// protocol reports them with a handful of well-known messages.
func IsStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStale) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"Cannot find context with specified id",
		"Node with given id does not belong to the document",
		"Object id doesn't reference a Node",
		"detached from the document",
		"Execution context was destroyed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
