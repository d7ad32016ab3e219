package align

import (
	"math"
	"testing"
)

func TestScore_Bounds(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"abc", "abc"},
		{"abc", "xyz"},
		{"aaaa", "aa"},
		{"a", "abcdefghijklmnop"},
		{"台本読めるカメラ", "台本のカメラ"},
		{"ba", "ab"},
	}
	for _, p := range pairs {
		s := Score([]rune(p[0]), []rune(p[1]))
		if s < 0 || s > 1 {
			t.Errorf("Score(%q, %q) = %f, out of [0,1]", p[0], p[1], s)
		}
	}
}

func TestScore_Identity(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"a", "ab", "こんにちは", "aaaa"} {
		if got := Score([]rune(s), []rune(s)); got != 1 {
			t.Errorf("Score(%q, %q) = %f, want 1", s, s, got)
		}
	}
}

func TestScore_Cases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c, r string
		want float64
		end  int
	}{
		{"empty chunk", "", "abc", 0, 0},
		{"empty tail", "abc", "", 0, 0},
		{"disjoint", "abc", "xyz", 0, 0},
		{"order sensitive", "ba", "ab", 0.5, 1},
		{"repeated runes over-match", "aaaa", "aa", 4.0 / 6.0, 2},
		{"skip inside chunk", "abxcd", "abcd", 8.0 / 9.0, 5},
		{"trailing miss", "abcz", "abc", 6.0 / 7.0, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, end := ScoreSpan([]rune(tc.c), []rune(tc.r))
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("score = %f, want %f", got, tc.want)
			}
			if end != tc.end {
				t.Errorf("end = %d, want %d", end, tc.end)
			}
		})
	}
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()

	c, r := []rune("スクリプトとの参照"), []rune("スクリプトの参照")
	first := Score(c, r)
	_ = Score(r, c)
	if again := Score(c, r); again != first {
		t.Fatalf("Score changed between calls: %f then %f", first, again)
	}
}
