// Package anchor binds comments to ranges of a document's plain-text
// projection, relocates those ranges across edits and decides when the quoted
// text has drifted far enough from the live text to be flagged stale.
//
// Offsets are rune offsets into the output of markdown.Normalize. Everything
// in this package is synchronous and free of I/O.
package anchor

import "chronicle/anchors/internal/markdown"

// Kind distinguishes comments bound to a text range from document-level ones.
type Kind string

const (
	KindSelectedText Kind = "selected_text"
	KindGeneral      Kind = "general"
)

// StaleThreshold is the similarity below which an anchor is stale. A score
// of exactly StaleThreshold is not stale.
const StaleThreshold = 0.5

// Range is a half-open [Start, End) span of runes.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the range has non-negative, non-inverted offsets.
func (r Range) Valid() bool {
	return r.Start >= 0 && r.End >= 0 && r.Start <= r.End
}

// Len returns the number of runes covered by the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Anchor is a comment's binding to the document text.
type Anchor struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// Range is nil for general comments and for legacy records that never
	// captured offsets.
	Range *Range `json:"range,omitempty"`
	// QuotedText is the best-known text inside the range.
	QuotedText string `json:"quotedText"`
	// OriginalQuotedText is the pre-drift baseline, recorded the first time
	// the anchor goes stale. Empty means not recorded.
	OriginalQuotedText string `json:"originalQuotedText,omitempty"`
	IsStale            bool   `json:"isStale"`
}

// Tracked reports whether the anchor takes part in relocation and
// staleness evaluation.
func (a Anchor) Tracked() bool {
	return a.Kind == KindSelectedText
}

// Baseline returns the plain-text form of the text staleness is measured
// against: the original quote when one was recorded, the current quote
// otherwise.
func (a Anchor) Baseline() string {
	if a.OriginalQuotedText != "" {
		return markdown.Normalize(a.OriginalQuotedText)
	}
	return markdown.Normalize(a.QuotedText)
}

// Clone returns a copy that shares no memory with a.
func (a Anchor) Clone() Anchor {
	if a.Range != nil {
		r := *a.Range
		a.Range = &r
	}
	return a
}

// differs reports whether a persisted field changed between two versions of
// the same anchor.
func (a Anchor) differs(prev Anchor) bool {
	return a.QuotedText != prev.QuotedText ||
		a.IsStale != prev.IsStale ||
		a.OriginalQuotedText != prev.OriginalQuotedText
}

func cloneAll(anchors []Anchor) []Anchor {
	out := make([]Anchor, len(anchors))
	for i, a := range anchors {
		out[i] = a.Clone()
	}
	return out
}

// Patch is the subset of an anchor written to storage. Nil fields are left
// untouched by the writer.
type Patch struct {
	QuotedText         *string `json:"quotedText,omitempty"`
	IsStale            *bool   `json:"isStale,omitempty"`
	OriginalQuotedText *string `json:"originalQuotedText,omitempty"`
	Range              *Range  `json:"range,omitempty"`
}

// PatchOf captures the persisted state of a.
func PatchOf(a Anchor) Patch {
	quoted, stale := a.QuotedText, a.IsStale
	p := Patch{QuotedText: &quoted, IsStale: &stale}
	if a.OriginalQuotedText != "" {
		original := a.OriginalQuotedText
		p.OriginalQuotedText = &original
	}
	if a.Range != nil {
		r := *a.Range
		p.Range = &r
	}
	return p
}

// Merge overlays next on p; set fields in next win.
func (p Patch) Merge(next Patch) Patch {
	if next.QuotedText != nil {
		p.QuotedText = next.QuotedText
	}
	if next.IsStale != nil {
		p.IsStale = next.IsStale
	}
	if next.OriginalQuotedText != nil {
		p.OriginalQuotedText = next.OriginalQuotedText
	}
	if next.Range != nil {
		p.Range = next.Range
	}
	return p
}

// Apply writes the set fields of p onto a.
func (p Patch) Apply(a Anchor) Anchor {
	a = a.Clone()
	if p.QuotedText != nil {
		a.QuotedText = *p.QuotedText
	}
	if p.IsStale != nil {
		a.IsStale = *p.IsStale
	}
	if p.OriginalQuotedText != nil {
		a.OriginalQuotedText = *p.OriginalQuotedText
	}
	if p.Range != nil {
		r := *p.Range
		a.Range = &r
	}
	return a
}
