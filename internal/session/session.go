// Package session binds one presenter's script, cursor, matcher and
// recognizer lifecycle together.
//
// A [Session] is the single entry point for every event that can move the
// cursor: transcript snapshots and lifecycle events from the speech source,
// manual steps from the presentation layer, and script replacements. All of
// them take the same lock, so they are applied strictly one at a time in
// arrival order and every matching call sees a consistent script and cursor.
//
// Observers registered with [Session.Subscribe] are called while that lock is
// held. They must not call back into the Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scriptcue/internal/align"
	"github.com/MrWong99/scriptcue/internal/cursor"
	"github.com/MrWong99/scriptcue/internal/lifecycle"
	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/pkg/speech"
)

// ErrSessionClosed is returned by control calls after [Session.Close].
var ErrSessionClosed = errors.New("session: closed")

// Snapshot results recorded in metrics.
const (
	resultMatched   = "matched"
	resultUnmatched = "unmatched"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
)

// Config configures a [Session].
type Config struct {
	// Source is the speech recognizer driven by the session. Required.
	Source speech.Source

	// Matcher is the alignment tuning. The zero value selects
	// [align.DefaultOptions].
	Matcher align.Options

	// Step is the manual advance/rewind step. Zero selects [cursor.DefaultStep].
	Step int

	// BaseDelay, MaxDelay and MaxRestarts tune recognizer restarts. Zero
	// values select the lifecycle defaults.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxRestarts int

	// HealthyAfter is how long a listening run must last to reset the
	// restart streak. Zero selects the lifecycle default.
	HealthyAfter time.Duration

	// OnRecordingStop is called when an audio-capture or input-ended fault
	// stops recording. It runs under the session lock. May be nil.
	OnRecordingStop func()

	// Context bounds recognizer runs and tags metrics. Defaults to
	// context.Background().
	Context context.Context

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Status is the published recognizer state.
type Status struct {
	State   lifecycle.State  `json:"state"`
	Desired bool             `json:"desired"`
	Fault   speech.FaultKind `json:"fault,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Observer receives session output. Any field may be nil. Callbacks run
// with the session lock held and must not call back into the session.
type Observer struct {
	OnCursor func(cursor.Position)
	OnStatus func(Status)
	// OnScript receives the full text of every newly loaded script, before
	// the cursor reset it causes.
	OnScript func(text string)
}

// Session is one presenter's alignment session. It implements
// [speech.Handler] and is safe for concurrent use.
type Session struct {
	ctx     context.Context
	metrics *observe.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	closed     bool
	matcher    *align.Matcher
	cursor     *cursor.Controller
	machine    *lifecycle.Machine
	lastSpoken string
	lastFault  *lifecycle.Fault

	nextID    int
	observers map[int]Observer
}

var _ speech.Gated = (*Session)(nil)

// New builds a Session with an empty script in the idle state.
func New(cfg Config) (*Session, error) {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := cfg.Matcher
	if opts.Mode == "" {
		opts = align.DefaultOptions()
	}
	matcher, err := align.New(align.WithOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		ctx:       cfg.Context,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		matcher:   matcher,
		cursor:    cursor.New(cursor.WithStep(cfg.Step)),
		observers: make(map[int]Observer),
	}

	s.machine, err = lifecycle.New(lifecycle.Config{
		Source:          cfg.Source,
		Context:         cfg.Context,
		OnRecordingStop: cfg.OnRecordingStop,
		OnRestart: func(int, time.Duration) {
			s.metrics.RecordRestart(s.ctx)
		},
		Schedule:     s.schedule,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		MaxRestarts:  cfg.MaxRestarts,
		HealthyAfter: cfg.HealthyAfter,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.cursor.Subscribe(s.publishCursor)
	s.machine.OnState(s.publishState)
	return s, nil
}

// schedule runs a delayed restart under the session lock.
func (s *Session) schedule(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		fn()
	})
	return func() { t.Stop() }
}

// Subscribe registers o and returns a function that removes it.
func (s *Session) Subscribe(o Observer) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// OnReady implements [speech.Handler].
func (s *Session) OnReady() { s.locked(speech.Handler.OnReady) }

// OnEnded implements [speech.Handler].
func (s *Session) OnEnded() { s.locked(speech.Handler.OnEnded) }

// OnFatal implements [speech.Handler].
func (s *Session) OnFatal(kind speech.FaultKind) {
	s.locked(func(h speech.Handler) { h.OnFatal(kind) })
}

// OnSnapshot implements [speech.Handler]. Snapshots are matched only while
// the recognizer is listening; a snapshot whose normalized tail equals the
// previous one is skipped.
func (s *Session) OnSnapshot(text string) {
	s.locked(func(h speech.Handler) { h.OnSnapshot(text) })
}

// Gate implements [speech.Gated]. The event is applied only if current
// still reports true once the session lock is held.
func (s *Session) Gate(current func() bool, apply func(speech.Handler)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !current() {
		return
	}
	apply(heldSession{s})
}

func (s *Session) locked(apply func(speech.Handler)) {
	s.Gate(func() bool { return true }, apply)
}

// heldSession applies recognizer events with s.mu already held.
type heldSession struct{ s *Session }

func (h heldSession) OnReady() {
	// A new run starts a new transcript.
	h.s.lastSpoken = ""
	h.s.machine.Ready()
}

func (h heldSession) OnEnded() { h.s.machine.Ended() }

func (h heldSession) OnFatal(kind speech.FaultKind) { h.s.machine.Fatal(kind) }

func (h heldSession) OnSnapshot(text string) {
	s := h.s
	if !s.machine.Listening() {
		s.metrics.RecordSnapshot(s.ctx, resultIgnored)
		return
	}
	// Revisions that only add punctuation or spacing are repeats.
	spoken := s.matcher.Spoken(text)
	if spoken != "" && spoken == s.lastSpoken {
		s.metrics.RecordSnapshot(s.ctx, resultDuplicate)
		return
	}
	s.lastSpoken = spoken

	script, at := s.cursor.Script(), s.cursor.Cursor()
	start := time.Now()
	cand, ok := s.matcher.Match(script, at, text)
	s.metrics.RecordMatch(s.ctx, cand.Tier.String(), time.Since(start))

	if !ok {
		s.metrics.RecordSnapshot(s.ctx, resultUnmatched)
		s.log.Debug("session: no match", "cursor", at, "snapshot_len", len(text))
		return
	}
	moved := s.cursor.Apply(cand)
	s.metrics.RecordSnapshot(s.ctx, resultMatched)
	s.log.Debug("session: match",
		"tier", cand.Tier,
		"score", cand.Score,
		"similarity", cand.Similarity,
		"exact", cand.Exact,
		"phrase", cand.Phrase,
		"spoken", cand.Spoken,
		"index", cand.Index,
		"nudge", cand.Nudge,
		"from", at,
		"to", s.cursor.Cursor(),
		"moved", moved,
	)
}

// OnManualAdvance moves the cursor forward by the manual step.
func (s *Session) OnManualAdvance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Advance()
}

// OnManualRewind moves the cursor back by the manual step.
func (s *Session) OnManualRewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Rewind()
}

// OnReset moves the cursor to the start and forgets the last snapshot.
func (s *Session) OnReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpoken = ""
	s.cursor.Reset()
}

// SetScript replaces the script. The cursor returns to 0 and the last
// snapshot is forgotten.
func (s *Session) SetScript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpoken = ""
	for _, o := range s.observers {
		if o.OnScript != nil {
			o.OnScript(text)
		}
	}
	s.cursor.SetScript(text)
	s.log.Info("session: script loaded", "runes", s.cursor.Len())
}

// Start asks the recognizer to listen.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.machine.Start()
}

// Stop stops the recognizer.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.machine.Stop()
}

// Close stops the recognizer if it is running and rejects further control
// calls. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var err error
	if s.machine.Desired() || s.machine.State() != lifecycle.StateIdle {
		err = s.machine.Stop()
	}
	s.closed = true
	return err
}

// Reconfigure swaps the matcher tuning. It applies from the next snapshot.
func (s *Session) Reconfigure(opts align.Options) error {
	m, err := align.New(align.WithOptions(opts))
	if err != nil {
		return fmt.Errorf("session: reconfigure: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matcher = m
	s.log.Info("session: matcher reconfigured", "mode", opts.Mode, "phonetic", opts.PhoneticMode)
	return nil
}

// SetStep changes the manual advance/rewind step.
func (s *Session) SetStep(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.SetStep(n)
}

// Cursor returns the current position in script runes.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Cursor()
}

// CursorFraction returns the reading progress in [0, 1].
func (s *Session) CursorFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Fraction()
}

// Position returns the current cursor position without a change reason.
func (s *Session) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Position("")
}

// Script returns the current script text.
func (s *Session) Script() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.cursor.Script())
}

// State returns the recognizer state.
func (s *Session) State() lifecycle.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Status returns the recognizer state with its fault, if any.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

func (s *Session) status() Status {
	st := Status{State: s.machine.State(), Desired: s.machine.Desired()}
	if f := s.machine.Fault(); f != nil {
		st.Fault = f.Kind
		st.Message = f.Message()
	}
	return st
}

func (s *Session) publishCursor(p cursor.Position) {
	s.metrics.RecordCursorMove(s.ctx, string(p.Reason))
	for _, o := range s.observers {
		if o.OnCursor != nil {
			o.OnCursor(p)
		}
	}
}

func (s *Session) publishState(_ lifecycle.State, f *lifecycle.Fault) {
	if f != nil && f != s.lastFault {
		s.metrics.RecordFault(s.ctx, string(f.Kind))
	}
	s.lastFault = f
	st := s.status()
	for _, o := range s.observers {
		if o.OnStatus != nil {
			o.OnStatus(st)
		}
	}
}
