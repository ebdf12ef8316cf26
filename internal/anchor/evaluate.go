package anchor

import (
	"unicode/utf8"

	"chronicle/anchors/internal/similarity"
)

// Evaluation is the outcome of checking one anchor against live text.
type Evaluation struct {
	IsStale     bool
	CurrentText string
	// Evaluated is false when the anchor could not be checked (general
	// comment, missing range, no quoted text). Such results are never stale.
	Evaluated bool
}

// Evaluate compares the anchor's baseline with the live plain text under
// its range. The window is widened to at least the baseline length so a
// lagging End does not read as drift. It fails open: anchors that cannot be
// evaluated come back not stale with empty current text.
func Evaluate(live string, a Anchor) Evaluation {
	if !a.Tracked() || a.Range == nil || !a.Range.Valid() {
		return Evaluation{}
	}
	baseline := a.Baseline()
	if baseline == "" {
		return Evaluation{}
	}

	text := []rune(live)
	end := max(a.Range.End, a.Range.Start+utf8.RuneCountInString(baseline))
	end = min(end, len(text))
	start := min(a.Range.Start, end)
	current := string(text[start:end])

	if current == baseline {
		return Evaluation{CurrentText: current, Evaluated: true}
	}
	return Evaluation{
		IsStale:     similarity.Score(current, baseline) < StaleThreshold,
		CurrentText: current,
		Evaluated:   true,
	}
}

// ApplyTransition folds an evaluation into the anchor it was computed for.
//
//   - not stale -> stale: the previous quote becomes the original baseline
//     (unless one is already recorded) and the quote follows the live text.
//   - stale -> stale: the quote follows the live text.
//   - stale -> not stale: the quote and End are reset to the live text.
//   - not stale -> not stale: the quote follows the live text.
//
// OriginalQuotedText is never modified once set.
func ApplyTransition(a Anchor, ev Evaluation) Anchor {
	out := a.Clone()
	if !ev.Evaluated || out.Range == nil {
		return out
	}
	switch {
	case ev.IsStale && !a.IsStale:
		if out.OriginalQuotedText == "" {
			out.OriginalQuotedText = a.QuotedText
		}
		out.QuotedText = ev.CurrentText
		out.IsStale = true
	case ev.IsStale:
		out.QuotedText = ev.CurrentText
	case a.IsStale:
		out.IsStale = false
		out.QuotedText = ev.CurrentText
		out.Range.End = out.Range.Start + utf8.RuneCountInString(ev.CurrentText)
	default:
		out.QuotedText = ev.CurrentText
	}
	return out
}
