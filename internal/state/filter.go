package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/roach88/docstate/internal/ident"
)

// ChangeEvent describes one committed mutation.
type ChangeEvent struct {
	DocumentID ident.DocumentID `json:"document_id"`
	Timestamp  time.Time        `json:"timestamp"`

	// Change is the document model's identifier for the committed change.
	Change string `json:"change"`

	// Path is the affected path, or "" when unknown or not a single subtree.
	Path string `json:"path,omitempty"`
}

type filterKind int

const (
	filterDocument filterKind = iota + 1
	filterPath
)

// SubscriptionFilter selects which events a subscription receives.
// Construct with DocumentFilter or PathFilter.
type SubscriptionFilter struct {
	kind    filterKind
	id      ident.DocumentID
	pattern string
	segs    []string
	glob    bool // pattern uses ** and is matched with doublestar
}

// DocumentFilter matches every change to id.
func DocumentFilter(id ident.DocumentID) SubscriptionFilter {
	return SubscriptionFilter{kind: filterDocument, id: id}
}

// PathFilter matches changes to id whose path matches pattern.
//
// Patterns are slash separated. "*" matches exactly one segment and every
// other segment must match literally, so "users/*/name" matches
// "users/alice/name" but not "users/name" or "users/a/b/name". A pattern
// containing "**" is matched as a doublestar glob, where "**" spans any
// number of segments.
func PathFilter(id ident.DocumentID, pattern string) (SubscriptionFilter, error) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return SubscriptionFilter{}, NewInvalidPathError(pattern, fmt.Errorf("empty pattern"))
	}
	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" {
			return SubscriptionFilter{}, NewInvalidPathError(pattern, fmt.Errorf("empty segment"))
		}
	}
	f := SubscriptionFilter{kind: filterPath, id: id, pattern: trimmed, segs: segs}
	if strings.Contains(trimmed, "**") {
		if !doublestar.ValidatePattern(trimmed) {
			return SubscriptionFilter{}, NewInvalidPathError(pattern, fmt.Errorf("malformed glob"))
		}
		f.glob = true
	}
	return f, nil
}

// DocumentID returns the document the filter is bound to.
func (f SubscriptionFilter) DocumentID() ident.DocumentID { return f.id }

// Pattern returns the path pattern, or "" for document filters.
func (f SubscriptionFilter) Pattern() string { return f.pattern }

// String renders the filter for logs.
func (f SubscriptionFilter) String() string {
	if f.kind == filterPath {
		return fmt.Sprintf("path(%s, %s)", f.id, f.pattern)
	}
	return fmt.Sprintf("document(%s)", f.id)
}

// Matches reports whether ev passes the filter.
func (f SubscriptionFilter) Matches(ev ChangeEvent) bool {
	if ev.DocumentID != f.id {
		return false
	}
	switch f.kind {
	case filterDocument:
		return true
	case filterPath:
		if ev.Path == "" {
			return false
		}
		return f.matchPath(strings.Trim(ev.Path, "/"))
	}
	return false
}

func (f SubscriptionFilter) matchPath(path string) bool {
	if f.glob {
		ok, err := doublestar.Match(f.pattern, path)
		return err == nil && ok
	}
	parts := strings.Split(path, "/")
	if len(parts) != len(f.segs) {
		return false
	}
	for i, seg := range f.segs {
		if seg != "*" && seg != parts[i] {
			return false
		}
	}
	return true
}
