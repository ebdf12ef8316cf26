// Package similarity scores how much of one string survives, in order, in
// another. The score is an ordered-subsequence ratio: cheaper and less
// precise than edit distance, and linear in the longer input.
package similarity

// Score returns a value in [0,1]. Equal strings score 1 and a non-equal
// pair with an empty side scores 0. Otherwise the longer string is walked
// left to right with a cursor into the shorter one; every rune that equals
// the rune under the cursor counts as a match and advances the cursor. The
// score is matches divided by the rune length of the longer string.
//
// Strings of equal length are ordered lexically before walking, so
// Score(a, b) == Score(b, a).
func Score(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	long, short := []rune(a), []rune(b)
	if len(long) < len(short) || (len(long) == len(short) && a < b) {
		long, short = short, long
	}

	matches, cursor := 0, 0
	for _, r := range long {
		if cursor == len(short) {
			break
		}
		if r == short[cursor] {
			matches++
			cursor++
		}
	}
	return float64(matches) / float64(len(long))
}
