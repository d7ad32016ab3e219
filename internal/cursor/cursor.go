// Package cursor owns the presenter's script and the reading position inside
// it.
//
// A [Controller] applies matcher candidates under a monotonic rule: resolved
// indices only ever move the cursor forward, phonetic nudges move it by a
// bounded step. Manual steps from the presentation layer bypass that rule.
//
// A Controller is not safe for concurrent use. The session serialises every
// call into it.
package cursor

import (
	"github.com/MrWong99/scriptcue/internal/align"
)

// DefaultStep is the manual advance/rewind step, in script runes.
const DefaultStep = 10

// Reason names what caused a cursor change.
type Reason string

const (
	ReasonMatch   Reason = "match"
	ReasonNudge   Reason = "nudge"
	ReasonAdvance Reason = "advance"
	ReasonRewind  Reason = "rewind"
	ReasonReset   Reason = "reset"
	ReasonScript  Reason = "script"
)

// Position is the published view of the cursor after a change.
type Position struct {
	Cursor   int     `json:"cursor"`
	Length   int     `json:"length"`
	Fraction float64 `json:"fraction"`
	Reason   Reason  `json:"reason"`

	// Generation increments on every script replacement. Observers use it to
	// discard positions computed against an older script.
	Generation uint64 `json:"generation"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithStep sets the manual advance/rewind step. Non-positive values are
// ignored.
func WithStep(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.step = n
		}
	}
}

// Controller holds the script and cursor.
type Controller struct {
	script     []rune
	cursor     int
	step       int
	generation uint64

	nextID    int
	observers map[int]func(Position)
}

// New returns a Controller with an empty script.
func New(opts ...Option) *Controller {
	c := &Controller{
		step:      DefaultStep,
		observers: make(map[int]func(Position)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetScript replaces the script and moves the cursor to the start. Observers
// are always notified, even when the cursor was already 0.
func (c *Controller) SetScript(text string) {
	c.script = []rune(text)
	c.cursor = 0
	c.generation++
	c.publish(ReasonScript)
}

// Apply moves the cursor according to a matcher candidate and reports whether
// it changed. A resolved index is applied only when it lies strictly past the
// cursor.
func (c *Controller) Apply(cand align.Candidate) bool {
	switch {
	case cand.Resolved():
		next := min(cand.Index, len(c.script))
		if next <= c.cursor {
			return false
		}
		return c.move(next, ReasonMatch)
	case cand.Tier == align.TierPhonetic:
		return c.move(c.clamp(c.cursor+cand.Nudge), ReasonNudge)
	default:
		return false
	}
}

// Advance moves the cursor forward by the manual step.
func (c *Controller) Advance() bool {
	return c.move(c.clamp(c.cursor+c.step), ReasonAdvance)
}

// Rewind moves the cursor back by the manual step.
func (c *Controller) Rewind() bool {
	return c.move(c.clamp(c.cursor-c.step), ReasonRewind)
}

// Reset moves the cursor to the start of the script.
func (c *Controller) Reset() bool {
	return c.move(0, ReasonReset)
}

// Cursor returns the current position in script runes.
func (c *Controller) Cursor() int { return c.cursor }

// Script returns the script runes. Callers must not modify the slice.
func (c *Controller) Script() []rune { return c.script }

// Len returns the script length in runes.
func (c *Controller) Len() int { return len(c.script) }

// Step returns the manual step size.
func (c *Controller) Step() int { return c.step }

// SetStep changes the manual step size. Non-positive values are ignored.
func (c *Controller) SetStep(n int) {
	if n > 0 {
		c.step = n
	}
}

// Generation returns the script generation counter.
func (c *Controller) Generation() uint64 { return c.generation }

// Fraction returns cursor/len, or 0 for an empty script.
func (c *Controller) Fraction() float64 {
	if len(c.script) == 0 {
		return 0
	}
	return float64(c.cursor) / float64(len(c.script))
}

// Position returns the current position tagged with reason.
func (c *Controller) Position(reason Reason) Position {
	return Position{
		Cursor:     c.cursor,
		Length:     len(c.script),
		Fraction:   c.Fraction(),
		Reason:     reason,
		Generation: c.generation,
	}
}

// Subscribe registers fn to be called after every cursor change. The returned
// function removes the subscription.
func (c *Controller) Subscribe(fn func(Position)) (cancel func()) {
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

func (c *Controller) move(next int, reason Reason) bool {
	if next == c.cursor {
		return false
	}
	c.cursor = next
	c.publish(reason)
	return true
}

func (c *Controller) clamp(n int) int {
	return max(0, min(n, len(c.script)))
}

func (c *Controller) publish(reason Reason) {
	if len(c.observers) == 0 {
		return
	}
	p := c.Position(reason)
	for _, fn := range c.observers {
		fn(p)
	}
}
