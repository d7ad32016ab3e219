package align

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/scriptcue/internal/align/phonetic"
)

// Tier identifies which matching strategy produced a [Candidate].
type Tier int

const (
	// TierNone means no strategy reached its threshold.
	TierNone Tier = iota

	// TierAnchor is the fast anchor: short chunks ending just after the
	// cursor, compared against the end of the spoken tail.
	TierAnchor

	// TierScan is the windowed scan over the whole search window.
	TierScan

	// TierPhonetic is the phonetic rescue. It never resolves an index.
	TierPhonetic
)

// String returns the tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierAnchor:
		return "anchor"
	case TierScan:
		return "scan"
	case TierPhonetic:
		return "phonetic"
	default:
		return "none"
	}
}

// Candidate is the outcome of one [Matcher.Match] call.
type Candidate struct {
	// Tier is the strategy that produced the candidate.
	Tier Tier

	// Index is the resolved script position just after the matched run.
	// Only meaningful when [Candidate.Resolved] is true.
	Index int

	// Nudge is the forward increment requested by a phonetic rescue.
	Nudge int

	// Score is the weighted confidence the tier ranked candidates by.
	Score float64

	// Similarity is the unweighted [Score] of the winning chunk.
	Similarity float64

	// Exact is set when a Tier A chunk equals the end of the spoken tail.
	Exact bool

	// Phrase is the normalized chunk that matched.
	Phrase string

	// Spoken is the normalized spoken tail the chunk was compared against.
	Spoken string
}

// Resolved reports whether the candidate carries an absolute script index.
func (c Candidate) Resolved() bool {
	return c.Tier == TierAnchor || c.Tier == TierScan
}

// Mode selects the matching algorithm.
type Mode string

const (
	// ModeTiered runs anchor, scan and phonetic tiers in priority order.
	ModeTiered Mode = "tiered"

	// ModeSingle runs a single long-to-short windowed scan resolving to the
	// end of the matched chunk, without anchor or phonetic tiers.
	ModeSingle Mode = "single"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeTiered || m == ModeSingle
}

// Options tunes a [Matcher]. Start from [DefaultOptions]; zero values are
// rejected by [Options.Validate].
type Options struct {
	Mode Mode

	// Backoff and Lookahead bound the search window around the cursor, in
	// original script runes.
	Backoff   int
	Lookahead int

	// MinSnapshot is the minimum snapshot length in runes; shorter snapshots
	// produce no update.
	MinSnapshot int

	// TailLength is the number of normalized runes kept from the end of the
	// snapshot as the spoken tail.
	TailLength int

	// AnchorReach is how many normalized runes past the cursor a Tier A chunk
	// may end.
	AnchorReach     int
	AnchorSizes     []int
	AnchorThreshold float64
	AnchorWeight    float64

	// ScanSizes are the Tier B chunk lengths, tried in order.
	ScanSizes     []int
	ScanThreshold float64
	ScanEarlyExit float64

	// Tier B chunks starting more than PenaltyDistance normalized runes from
	// the cursor have their weight multiplied by DistancePenalty.
	PenaltyDistance int
	DistancePenalty float64

	// PhoneticMode names the [phonetic.Reducer] used by Tier C.
	PhoneticMode      string
	PhoneticChunk     int
	PhoneticThreshold float64
	PhoneticDiscount  float64

	// Nudge is the forward step emitted by a Tier C hit.
	Nudge int
}

// DefaultOptions returns the tuning used unless configured otherwise.
func DefaultOptions() Options {
	return Options{
		Mode:              ModeTiered,
		Backoff:           50,
		Lookahead:         1000,
		MinSnapshot:       2,
		TailLength:        30,
		AnchorReach:       8,
		AnchorSizes:       []int{2, 3, 4, 6, 8, 12},
		AnchorThreshold:   0.9,
		AnchorWeight:      1.5,
		ScanSizes:         []int{8, 10, 12, 15, 20},
		ScanThreshold:     0.6,
		ScanEarlyExit:     12,
		PenaltyDistance:   50,
		DistancePenalty:   0.9,
		PhoneticMode:      phonetic.ModeKana,
		PhoneticChunk:     10,
		PhoneticThreshold: 0.8,
		PhoneticDiscount:  0.5,
		Nudge:             4,
	}
}

// Validate reports every out-of-range field as a joined error.
func (o Options) Validate() error {
	var errs []error
	if !o.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: tiered, single", o.Mode))
	}
	if o.Backoff < 0 {
		errs = append(errs, errors.New("backoff must not be negative"))
	}
	positive := []struct {
		name string
		v    int
	}{
		{"lookahead", o.Lookahead},
		{"min_snapshot", o.MinSnapshot},
		{"tail_length", o.TailLength},
		{"anchor_reach", o.AnchorReach},
		{"phonetic_chunk", o.PhoneticChunk},
		{"nudge", o.Nudge},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	unit := []struct {
		name string
		v    float64
	}{
		{"anchor_threshold", o.AnchorThreshold},
		{"scan_threshold", o.ScanThreshold},
		{"distance_penalty", o.DistancePenalty},
		{"phonetic_threshold", o.PhoneticThreshold},
		{"phonetic_discount", o.PhoneticDiscount},
	}
	for _, u := range unit {
		if u.v <= 0 || u.v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range (0, 1]", u.name, u.v))
		}
	}
	if o.AnchorWeight < 1 {
		errs = append(errs, fmt.Errorf("anchor_weight %.2f must be at least 1", o.AnchorWeight))
	}
	if err := validSizes("anchor_sizes", o.AnchorSizes); err != nil {
		errs = append(errs, err)
	}
	if err := validSizes("scan_sizes", o.ScanSizes); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validSizes(name string, sizes []int) error {
	if len(sizes) == 0 {
		return fmt.Errorf("%s must not be empty", name)
	}
	for _, s := range sizes {
		if s <= 0 {
			return fmt.Errorf("%s contains non-positive size %d", name, s)
		}
	}
	return nil
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithOptions replaces the whole tuning set.
func WithOptions(o Options) Option {
	return func(m *Matcher) {
		m.opts = o
	}
}

// WithReducer sets the Tier C reducer, overriding Options.PhoneticMode.
func WithReducer(r phonetic.Reducer) Option {
	return func(m *Matcher) {
		m.reducer = r
	}
}

// WithWindow sets the backoff and lookahead of the search window.
func WithWindow(backoff, lookahead int) Option {
	return func(m *Matcher) {
		m.opts.Backoff = backoff
		m.opts.Lookahead = lookahead
	}
}

// WithNudge sets the Tier C forward step.
func WithNudge(n int) Option {
	return func(m *Matcher) {
		m.opts.Nudge = n
	}
}

// Matcher finds the best-supported forward script position for a transcript
// snapshot. It is read-only after construction and safe for concurrent use.
type Matcher struct {
	opts    Options
	reducer phonetic.Reducer
}

// New returns a [Matcher] configured with [DefaultOptions] and the supplied
// options. It fails when the resulting tuning is invalid or the phonetic
// reducer cannot be built.
func New(opts ...Option) (*Matcher, error) {
	m := &Matcher{opts: DefaultOptions()}
	for _, o := range opts {
		o(m)
	}
	if err := m.opts.Validate(); err != nil {
		return nil, fmt.Errorf("align: invalid options: %w", err)
	}
	if m.reducer == nil {
		r, err := phonetic.New(m.opts.PhoneticMode)
		if err != nil {
			return nil, fmt.Errorf("align: %w", err)
		}
		m.reducer = r
	}
	return m, nil
}

// Options returns a copy of the matcher's tuning.
func (m *Matcher) Options() Options {
	return m.opts
}

// Spoken returns the normalized tail of snapshot that Match compares with
// the script. Snapshots with equal Spoken values produce the same match.
func (m *Matcher) Spoken(snapshot string) string {
	_, spoken := m.tail([]rune(strings.TrimSpace(snapshot)))
	return string(spoken)
}

// tail returns a bounded raw suffix of raw and its last TailLength
// normalized runes. Normalizing the suffix is enough to fill the tail.
func (m *Matcher) tail(raw []rune) (rawTail, spoken []rune) {
	rawTail = raw[max(0, len(raw)-4*m.opts.TailLength):]
	spoken = NormalizeRunes(rawTail)
	if len(spoken) > m.opts.TailLength {
		spoken = spoken[len(spoken)-m.opts.TailLength:]
	}
	return rawTail, spoken
}

// Match aligns snapshot against script around cursor. It returns false when
// no tier is confident enough, which is expected during silence and
// off-script remarks.
//
// Tiers run strictly in order and the first adequate one wins; later tiers
// never look for a better match.
func (m *Matcher) Match(script []rune, cursor int, snapshot string) (Candidate, bool) {
	raw := []rune(strings.TrimSpace(snapshot))
	if len(raw) < m.opts.MinSnapshot || len(script) == 0 {
		return Candidate{}, false
	}
	cursor = max(0, min(cursor, len(script)))

	rawTail, spoken := m.tail(raw)
	if len(spoken) == 0 {
		return Candidate{}, false
	}

	end := min(len(script), cursor+m.opts.Lookahead)
	view := NewView(script, cursor-m.opts.Backoff, end)
	anchor := view.Normalized(cursor)

	if m.opts.Mode == ModeSingle {
		return m.single(view, anchor, spoken)
	}
	if c, ok := m.anchorTier(view, anchor, spoken); ok {
		return c, true
	}
	if c, ok := m.scanTier(view, anchor, spoken); ok {
		return c, true
	}
	return m.phoneticTier(script[cursor:end], rawTail)
}

// anchorTier tests short chunks ending within AnchorReach runes after the
// cursor against the end of the spoken tail.
func (m *Matcher) anchorTier(v View, anchor int, spoken []rune) (Candidate, bool) {
	var (
		best     Candidate
		bestEnd  int
		found    bool
		lastEnd  = min(v.Len(), anchor+m.opts.AnchorReach)
		spokenTx = string(spoken)
	)
	for end := anchor + 1; end <= lastEnd; end++ {
		for _, size := range m.opts.AnchorSizes {
			if size > end || size > len(spoken) {
				continue
			}
			chunk := v.Text[end-size : end]
			exact := hasSuffix(spoken, chunk)
			sim := 1.0
			if !exact {
				sim = Score(chunk, spoken[len(spoken)-size:])
				if sim < m.opts.AnchorThreshold {
					continue
				}
			}
			weighted := sim * float64(size) * m.opts.AnchorWeight
			if found {
				switch {
				case exact && !best.Exact:
				case exact == best.Exact && weighted > best.Score:
				default:
					continue
				}
			}
			best = Candidate{
				Tier:       TierAnchor,
				Score:      weighted,
				Similarity: sim,
				Exact:      exact,
				Phrase:     string(chunk),
				Spoken:     spokenTx,
			}
			bestEnd = end
			found = true
		}
	}
	if !found {
		return Candidate{}, false
	}
	best.Index = v.Original(bestEnd)
	return best, true
}

// scanTier scores every chunk of the window against the full spoken tail,
// preferring the highest score·length. The resolved point follows the last
// rune of the chunk that actually matched.
func (m *Matcher) scanTier(v View, anchor int, spoken []rune) (Candidate, bool) {
	c, end, ok := m.scan(v, anchor, spoken, m.opts.ScanSizes, true)
	if !ok {
		return Candidate{}, false
	}
	c.Index = v.Original(end)
	return c, true
}

// single is the one-pass matcher: long chunks first, resolving to the end of
// the whole chunk.
func (m *Matcher) single(v View, anchor int, spoken []rune) (Candidate, bool) {
	sizes := make([]int, len(m.opts.ScanSizes))
	for i, s := range m.opts.ScanSizes {
		sizes[len(sizes)-1-i] = s
	}
	c, end, ok := m.scan(v, anchor, spoken, sizes, false)
	if !ok {
		return Candidate{}, false
	}
	c.Index = v.Original(end)
	return c, true
}

func (m *Matcher) scan(v View, anchor int, spoken []rune, sizes []int, trim bool) (Candidate, int, bool) {
	var (
		best    Candidate
		bestEnd int
		found   bool
	)
	for _, size := range sizes {
		for i := 0; i+size <= v.Len(); i++ {
			chunk := v.Text[i : i+size]
			sim, matched := ScoreSpan(chunk, spoken)
			if sim <= m.opts.ScanThreshold {
				continue
			}
			weighted := sim * float64(size)
			if dist := i - anchor; dist > m.opts.PenaltyDistance || -dist > m.opts.PenaltyDistance {
				weighted *= m.opts.DistancePenalty
			}
			if found && weighted <= best.Score {
				continue
			}
			if !trim {
				matched = size
			}
			best = Candidate{
				Tier:       TierScan,
				Score:      weighted,
				Similarity: sim,
				Phrase:     string(chunk),
				Spoken:     string(spoken),
			}
			bestEnd = i + matched
			found = true
		}
		if found && best.Score > m.opts.ScanEarlyExit {
			break
		}
	}
	return best, bestEnd, found
}

// phoneticTier compares phonetic projections of the forward window and the
// snapshot tail. A hit only nudges the cursor: projection indices cannot be
// mapped back to the script.
func (m *Matcher) phoneticTier(forward, rawTail []rune) (Candidate, bool) {
	n := m.opts.PhoneticChunk
	spoken := m.reducer.Reduce(string(rawTail))
	if len(spoken) < n {
		return Candidate{}, false
	}
	spoken = spoken[len(spoken)-n:]
	text := m.reducer.Reduce(string(forward))

	var (
		best  float64
		match []rune
	)
	for i := 0; i+n <= len(text); i++ {
		chunk := text[i : i+n]
		if s := Score(chunk, spoken); s > best {
			best, match = s, chunk
			if s == 1 {
				break
			}
		}
	}
	if best < m.opts.PhoneticThreshold {
		return Candidate{}, false
	}
	return Candidate{
		Tier:       TierPhonetic,
		Nudge:      m.opts.Nudge,
		Score:      best * m.opts.PhoneticDiscount,
		Similarity: best,
		Phrase:     string(match),
		Spoken:     string(spoken),
	}, true
}
