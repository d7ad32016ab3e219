package speech

import "strings"

// Assembler accumulates final and interim recognizer results into snapshots.
// The zero value is ready to use and joins segments without a separator,
// which suits scripts without word spacing. It is not safe for concurrent
// use.
type Assembler struct {
	// Separator is placed between consecutive final segments.
	Separator string

	finals  strings.Builder
	partial string
}

// Final appends a committed segment and clears the in-progress partial.
func (a *Assembler) Final(text string) string {
	if text != "" {
		if a.finals.Len() > 0 {
			a.finals.WriteString(a.Separator)
		}
		a.finals.WriteString(text)
	}
	a.partial = ""
	return a.Snapshot()
}

// Partial replaces the in-progress segment.
func (a *Assembler) Partial(text string) string {
	a.partial = text
	return a.Snapshot()
}

// Snapshot returns the finalized text followed by the current partial.
func (a *Assembler) Snapshot() string {
	if a.partial == "" {
		return a.finals.String()
	}
	if a.finals.Len() == 0 {
		return a.partial
	}
	return a.finals.String() + a.Separator + a.partial
}

// Reset forgets everything, as after a recognizer restart.
func (a *Assembler) Reset() {
	a.finals.Reset()
	a.partial = ""
}
