package anchor

import (
	"unicode/utf8"

	"chronicle/anchors/internal/markdown"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var dmp = diffmatchpatch.New()

// Batch is the result of running one text change through the pipeline.
type Batch struct {
	// Anchors is the full updated set, in input order.
	Anchors []Anchor
	// Changed holds the anchors whose quote, stale flag or original quote
	// differ from the input set, keyed by ID.
	Changed      []Anchor
	ChangeStart  int
	ChangeLength int
	// NoOp is set when the markdown did not change at all.
	NoOp bool
}

// FindChange locates the single contiguous change between two plain texts:
// the rune index of the first difference (or the shorter length when one is
// a prefix of the other) and the signed rune length delta. Edits at several
// disjoint sites are reported as one change starting at the first of them.
func FindChange(oldPlain, newPlain string) (start, length int) {
	start = dmp.DiffCommonPrefix(oldPlain, newPlain)
	length = utf8.RuneCountInString(newPlain) - utf8.RuneCountInString(oldPlain)
	return start, length
}

// Transform relocates and re-evaluates anchors for an edit from oldMarkdown
// to newMarkdown. It is pure apart from logging.
func (e *Engine) Transform(anchors []Anchor, oldMarkdown, newMarkdown string) Batch {
	if oldMarkdown == newMarkdown {
		return Batch{Anchors: cloneAll(anchors), NoOp: true}
	}

	oldPlain := markdown.Normalize(oldMarkdown)
	newPlain := markdown.Normalize(newMarkdown)
	start, length := FindChange(oldPlain, newPlain)

	// A formatting-only edit leaves the projection untouched; relocating
	// with a zero-length change would still collapse stale anchors whose
	// range ends at the change point.
	updated := cloneAll(anchors)
	if oldPlain != newPlain {
		updated = e.Relocate(anchors, start, length)
	}

	for i, a := range updated {
		if a.Tracked() && a.IsStale && a.OriginalQuotedText == "" {
			e.warnMissingOriginal(a)
		}
		updated[i] = ApplyTransition(a, Evaluate(newPlain, a))
	}

	return Batch{
		Anchors:      updated,
		Changed:      changedSince(anchors, updated),
		ChangeStart:  start,
		ChangeLength: length,
	}
}

func changedSince(before, after []Anchor) []Anchor {
	prev := make(map[string]Anchor, len(before))
	for _, a := range before {
		prev[a.ID] = a
	}
	var changed []Anchor
	for _, a := range after {
		old, ok := prev[a.ID]
		if !ok || a.differs(old) {
			changed = append(changed, a.Clone())
		}
	}
	return changed
}
