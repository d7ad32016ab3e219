package lifecycle

import (
	"errors"
	"time"
)

// ErrCircuitOpen is returned by the restart guard once the recognizer has
// ended too many times in a row without a healthy run.
var ErrCircuitOpen = errors.New("lifecycle: restart circuit is open")

// Default restart parameters.
const (
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
	defaultMaxRestarts = 6

	defaultHealthyAfter = 10 * time.Second
)

// restartGuard is a two-state breaker over consecutive unhealthy restarts.
// The first restart of a streak is immediate; later ones back off
// exponentially up to maxDelay. A healthy signal closes the breaker again.
type restartGuard struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxRestarts int

	consecutive int
}

func newRestartGuard(base, maxDelay time.Duration, maxRestarts int) *restartGuard {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxRestarts <= 0 {
		maxRestarts = defaultMaxRestarts
	}
	return &restartGuard{baseDelay: base, maxDelay: maxDelay, maxRestarts: maxRestarts}
}

// next accounts for one restart and returns how long to wait before it.
func (g *restartGuard) next() (time.Duration, error) {
	if g.consecutive >= g.maxRestarts {
		return 0, ErrCircuitOpen
	}
	g.consecutive++
	if g.consecutive == 1 {
		return 0, nil
	}
	d := g.baseDelay
	for i := 2; i < g.consecutive && d < g.maxDelay; i++ {
		d *= 2
	}
	return min(d, g.maxDelay), nil
}

// healthy resets the streak.
func (g *restartGuard) healthy() {
	g.consecutive = 0
}

// attempts returns the number of restarts in the current streak.
func (g *restartGuard) attempts() int {
	return g.consecutive
}
