// Package phonetic projects text onto a restricted phonetic alphabet so that
// the aligner can recover from same-sound, different-script transcription
// mismatches (a logograph in the script, kana in the transcript, or the
// reverse).
//
// Projections are lossy and many-to-one: an index in a projection cannot be
// mapped back to the original text. Callers use them for a degraded-precision
// fallback only.
//
// Three reducers are provided:
//
//   - [Kana] keeps hiragana and katakana (katakana folded to hiragana) and
//     drops everything else.
//   - [Reading] first replaces every morpheme by its dictionary reading using
//     the kagome tokenizer, so kanji contribute their sound, then applies the
//     kana projection.
//   - [Metaphone] concatenates the Double Metaphone code of every word, for
//     Latin-script material.
package phonetic

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"golang.org/x/text/width"
)

// ErrUnknownMode is returned by [New] for an unrecognised reducer name.
var ErrUnknownMode = errors.New("phonetic: unknown reducer mode")

// Mode names accepted by [New].
const (
	ModeKana      = "kana"
	ModeReading   = "reading"
	ModeMetaphone = "metaphone"
)

// Reducer projects text onto a phonetic alphabet. Implementations must be
// pure, deterministic, and safe for concurrent use.
type Reducer interface {
	Reduce(s string) []rune
}

// New returns the reducer registered under mode. An empty mode selects
// [ModeKana].
func New(mode string) (Reducer, error) {
	switch mode {
	case "", ModeKana:
		return Kana{}, nil
	case ModeReading:
		return NewReading()
	case ModeMetaphone:
		return Metaphone{}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
}

// ---- kana ----

const (
	prolongedSound = 'ー'
	katakanaToHira = 'ァ' - 'ぁ'
)

// Kana keeps only kana and the prolonged sound mark. Half-width katakana is
// widened and katakana is folded onto hiragana, so "カメラ", "ｶﾒﾗ" and "かめら"
// reduce to the same runes.
type Kana struct{}

// Reduce implements [Reducer].
func (Kana) Reduce(s string) []rune {
	return kana(s)
}

func kana(s string) []rune {
	out := make([]rune, 0, len(s)/3)
	for _, r := range s {
		if f := width.LookupRune(r).Wide(); f != 0 {
			r = f
		}
		switch {
		case r == prolongedSound:
			out = append(out, r)
		case r >= 'ァ' && r <= 'ヶ':
			out = append(out, r-katakanaToHira)
		case unicode.Is(unicode.Katakana, r) && r != '・':
			out = append(out, r)
		case unicode.Is(unicode.Hiragana, r):
			out = append(out, r)
		}
	}
	return out
}

// ---- reading ----

// Reading reduces text by its morpheme readings. The zero value is not
// usable; construct with [NewReading].
type Reading struct {
	tok *tokenizer.Tokenizer
}

// NewReading loads the IPA dictionary and returns a [Reading] reducer.
func NewReading() (*Reading, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, fmt.Errorf("phonetic: load tokenizer: %w", err)
	}
	return &Reading{tok: t}, nil
}

// Reduce implements [Reducer]. Morphemes without a dictionary reading
// contribute their surface form.
func (r *Reading) Reduce(s string) []rune {
	var b strings.Builder
	for _, t := range r.tok.Tokenize(s) {
		if rd, ok := t.Reading(); ok && rd != "" && rd != "*" {
			b.WriteString(rd)
			continue
		}
		b.WriteString(t.Surface)
	}
	return kana(b.String())
}

// ---- metaphone ----

// Metaphone reduces Latin-script text to the concatenated primary Double
// Metaphone codes of its words.
type Metaphone struct{}

// Reduce implements [Reducer].
func (Metaphone) Reduce(s string) []rune {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []rune
	for _, w := range words {
		p, _ := matchr.DoubleMetaphone(w)
		out = append(out, []rune(p)...)
	}
	return out
}
