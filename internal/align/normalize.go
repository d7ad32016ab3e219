// Package align implements the incremental fuzzy aligner that maps a noisy,
// continuously-updated speech transcript onto a position in a static script.
//
// The package is organised leaf to top:
//
//  1. Normalization ([Normalize], [View]): strips non-semantic runes and keeps
//     an exact index bijection between normalized and original text.
//  2. Scoring ([Score], [ScoreSpan]): ordered, Dice-shaped overlap between a
//     candidate chunk and the spoken tail.
//  3. Matching ([Matcher]): three escalating tiers (anchor, scan, phonetic)
//     over a bounded window around the current cursor.
//
// All functions are pure. A [Matcher] is read-only after construction and is
// safe for concurrent use.
package align

import (
	"unicode"

	"golang.org/x/text/width"
)

// ignored lists the punctuation, bracket, quote, dash and interpunct runes
// that carry no meaning for alignment. Whitespace is handled separately via
// [unicode.IsSpace].
var ignored = map[rune]struct{}{
	'、': {}, '。': {}, '，': {}, '．': {}, '！': {}, '？': {}, '：': {}, '；': {},
	'!': {}, '?': {}, ',': {}, '.': {}, ':': {}, ';': {},
	'「': {}, '」': {}, '『': {}, '』': {}, '【': {}, '】': {},
	'（': {}, '）': {}, '(': {}, ')': {}, '[': {}, ']': {},
	'〈': {}, '〉': {}, '《': {}, '》': {},
	'“': {}, '”': {}, '‘': {}, '’': {}, '"': {}, '\'': {},
	'-': {}, '―': {}, '—': {}, '–': {}, '~': {}, '～': {},
	'…': {}, '・': {},
}

// IsIgnored reports whether r belongs to the ignore class. r is expected to
// be folded already (see [Fold]).
func IsIgnored(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	_, ok := ignored[r]
	return ok
}

// Fold maps r to its comparison form: full-width and half-width variants are
// folded to their canonical width and letters are lower-cased. Fold always
// maps one rune to one rune.
func Fold(r rune) rune {
	if f := width.LookupRune(r).Folded(); f != 0 {
		r = f
	}
	return unicode.ToLower(r)
}

// Normalize folds s and drops every ignored rune.
func Normalize(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if f := Fold(r); !IsIgnored(f) {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeRunes is [Normalize] for text that is already a rune slice.
func NormalizeRunes(rs []rune) []rune {
	out := make([]rune, 0, len(rs))
	for _, r := range rs {
		if f := Fold(r); !IsIgnored(f) {
			out = append(out, f)
		}
	}
	return out
}

// OriginalIndex maps the normalized index n of script[from:] back to an index
// in script by re-scanning the source and counting retained runes. The result
// is the position of the n-th retained rune at or after from, or len(script)
// when fewer than n+1 retained runes remain.
func OriginalIndex(script []rune, from, n int) int {
	if from < 0 {
		from = 0
	}
	count := 0
	i := from
	for ; i < len(script); i++ {
		if IsIgnored(Fold(script[i])) {
			continue
		}
		if count == n {
			break
		}
		count++
	}
	return i
}

// View is the normalized projection of script[Start:End]. Text[k] is the
// folded form of script[Index[k]]. A View is built per matching call and is
// never cached, because its bounds move with the cursor.
type View struct {
	// Start and End are the original bounds the view was built from.
	Start, End int

	// Text is the normalized rune sequence.
	Text []rune

	// Index maps each normalized position to its original script index.
	Index []int

	script []rune
}

// NewView normalizes script[start:end]. Bounds are clamped to the script.
func NewView(script []rune, start, end int) View {
	start = max(0, min(start, len(script)))
	end = max(start, min(end, len(script)))

	v := View{
		Start:  start,
		End:    end,
		Text:   make([]rune, 0, end-start),
		Index:  make([]int, 0, end-start),
		script: script,
	}
	for i := start; i < end; i++ {
		if f := Fold(script[i]); !IsIgnored(f) {
			v.Text = append(v.Text, f)
			v.Index = append(v.Index, i)
		}
	}
	return v
}

// Len returns the number of retained runes.
func (v View) Len() int { return len(v.Text) }

// Original maps a normalized index back to an original script index. For n
// inside the view it is a table lookup; n == Len() (just past the last
// retained rune) falls back to [OriginalIndex] seeded at the view start, which
// scans past End to the next retained rune or the script end.
func (v View) Original(n int) int {
	switch {
	case n < 0:
		return v.Start
	case n < len(v.Index):
		return v.Index[n]
	default:
		return OriginalIndex(v.script, v.Start, n)
	}
}

// Normalized returns the normalized index of the original position pos, i.e.
// the number of retained runes in script[Start:pos].
func (v View) Normalized(pos int) int {
	lo, hi := 0, len(v.Index)
	for lo < hi {
		mid := (lo + hi) / 2
		if v.Index[mid] < pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
