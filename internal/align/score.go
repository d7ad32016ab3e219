package align

// Score returns the ordered overlap between chunk c and reference tail r in
// [0, 1]: each rune of c is searched in r at or after the position following
// the previous hit, and the score is 2·matches / (len(c)+len(r)).
//
// The measure is asymmetric and order-sensitive. It is not an edit distance:
// a chunk with repeated runes can over-match against a short tail.
func Score(c, r []rune) float64 {
	s, _ := ScoreSpan(c, r)
	return s
}

// ScoreSpan is [Score] that additionally returns end, the index in c just
// after the last rune that found a match (0 when nothing matched).
func ScoreSpan(c, r []rune) (score float64, end int) {
	if len(c) == 0 || len(r) == 0 {
		return 0, 0
	}
	matches := 0
	j := 0
	for i, ch := range c {
		for k := j; k < len(r); k++ {
			if r[k] == ch {
				matches++
				j = k + 1
				end = i + 1
				break
			}
		}
	}
	return float64(2*matches) / float64(len(c)+len(r)), end
}

// hasSuffix reports whether tail ends with chunk.
func hasSuffix(tail, chunk []rune) bool {
	if len(chunk) == 0 || len(chunk) > len(tail) {
		return false
	}
	off := len(tail) - len(chunk)
	for i, r := range chunk {
		if tail[off+i] != r {
			return false
		}
	}
	return true
}
