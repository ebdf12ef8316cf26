package anchor

// Relocate maps every anchor's range across a single contiguous change that
// starts at changeStart and grows the text by changeLength runes (negative
// for deletions). Rules, first match wins:
//
//  1. change at or after End: unchanged.
//  2. change before Start: both offsets shift, floored at 0.
//  3. change inside the range (including exactly at Start): a stale anchor
//     collapses End to Start; otherwise End moves by changeLength, floored at
//     Start.
//
// Malformed ranges are logged and passed through. The input is not modified.
func (e *Engine) Relocate(anchors []Anchor, changeStart, changeLength int) []Anchor {
	out := cloneAll(anchors)
	if changeStart < 0 {
		e.logger.Warn("anchor: ignoring change with negative start",
			"change_start", changeStart, "change_length", changeLength)
		return out
	}
	for i := range out {
		a := &out[i]
		if !a.Tracked() || a.Range == nil {
			continue
		}
		if !a.Range.Valid() {
			e.logger.Warn("anchor: skipping relocation of malformed range",
				"anchor_id", a.ID, "start", a.Range.Start, "end", a.Range.End)
			continue
		}
		*a.Range = relocateRange(*a.Range, a.IsStale, changeStart, changeLength)
	}
	return out
}

func relocateRange(r Range, stale bool, changeStart, changeLength int) Range {
	switch {
	case changeStart >= r.End:
		return r
	case changeStart < r.Start:
		return Range{
			Start: max(0, r.Start+changeLength),
			End:   max(0, r.End+changeLength),
		}
	case stale:
		return Range{Start: r.Start, End: r.Start}
	default:
		return Range{Start: r.Start, End: max(r.Start, r.End+changeLength)}
	}
}
