// Package lifecycle implements the recognizer state machine.
//
// States move Idle → Starting → Listening and from there to Error or back to
// Idle. While the user wants to listen, every end of a listening run restarts
// the recognizer; consecutive restarts that never reach Listening back off
// exponentially and trip a breaker after a bounded number of attempts.
//
// A [Machine] is not safe for concurrent use. The session serialises all
// calls, including delayed restarts, through its own lock by supplying
// [Config.Schedule].
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/scriptcue/pkg/speech"
)

// State is the recognizer state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateError
)

// String returns the state name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("lifecycle: unknown state %q", b)
}

// Fault is a recognizer error surfaced to the presentation layer.
type Fault struct {
	Kind speech.FaultKind

	// Err is the underlying cause, when one is known.
	Err error
}

var messages = map[speech.FaultKind]string{
	speech.FaultNoSpeech:          "No speech was detected.",
	speech.FaultAudioCapture:      "The microphone is in use by another device or app. Restart the camera and microphone, then stop and start recording again.",
	speech.FaultNotAllowed:        "Microphone access is not allowed. Grant microphone permission and try again.",
	speech.FaultNetwork:           "Network error: speech recognition needs an internet connection.",
	speech.FaultAborted:           "Speech recognition was interrupted.",
	speech.FaultServiceNotAllowed: "The speech recognition service is not permitted here. Check that the page is served over HTTPS.",
	speech.FaultInputEnded:        "The audio input has ended.",
	speech.FaultRestartExhausted:  "Speech recognition keeps stopping. Press start to try again.",
}

// Message returns the user-facing text for the fault.
func (f *Fault) Message() string {
	if m, ok := messages[f.Kind]; ok {
		return m
	}
	return "A speech recognition error occurred."
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("recognizer fault %s: %v", f.Kind, f.Err)
	}
	return "recognizer fault " + string(f.Kind)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// Config configures a [Machine].
type Config struct {
	// Source is the recognizer being driven. Required.
	Source speech.Source

	// Context bounds every listening run. Defaults to context.Background().
	Context context.Context

	// OnRecordingStop is called when an audio-capture or input-ended fault
	// forces recording to stop. May be nil.
	OnRecordingStop func()

	// OnRestart is called before every automatic restart with the streak
	// attempt number and the delay. May be nil.
	OnRestart func(attempt int, delay time.Duration)

	// Schedule runs fn after d and returns a cancel function. Defaults to
	// time.AfterFunc, which is only correct when nothing else calls into the
	// Machine concurrently.
	Schedule func(d time.Duration, fn func()) (cancel func())

	// BaseDelay and MaxDelay bound the restart backoff. Defaults: 250ms, 8s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxRestarts is the number of consecutive restarts allowed without a
	// healthy run before giving up. Default: 6.
	MaxRestarts int

	// HealthyAfter is how long a run must stay Listening before its end
	// resets the restart streak. Default: 10s.
	HealthyAfter time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Machine is the recognizer lifecycle state machine.
type Machine struct {
	cfg   Config
	guard *restartGuard
	log   *slog.Logger

	state   State
	fault   *Fault
	desired bool

	// listenedAt is when the current run reached Listening, zero otherwise.
	listenedAt time.Time

	// epoch invalidates restarts scheduled before the last Start or Stop.
	epoch   uint64
	pending func()

	nextID    int
	observers map[int]func(State, *Fault)
}

// New returns a Machine in StateIdle.
func New(cfg Config) (*Machine, error) {
	if cfg.Source == nil {
		return nil, errors.New("lifecycle: source must not be nil")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = defaultHealthyAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg:       cfg,
		guard:     newRestartGuard(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxRestarts),
		log:       log,
		observers: make(map[int]func(State, *Fault)),
	}, nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Fault returns the fault that caused StateError, or nil.
func (m *Machine) Fault() *Fault { return m.fault }

// Desired reports whether the user wants the recognizer running.
func (m *Machine) Desired() bool { return m.desired }

// Listening reports whether snapshots should be matched.
func (m *Machine) Listening() bool { return m.state == StateListening }

// OnState registers fn to be called after every state change and every
// reported fault. The returned function removes the observer.
func (m *Machine) OnState(fn func(State, *Fault)) (cancel func()) {
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	return func() { delete(m.observers, id) }
}

// Start requests listening. Calling Start while already running is a no-op.
func (m *Machine) Start() error {
	if m.desired && (m.state == StateStarting || m.state == StateListening) {
		return nil
	}
	m.desired = true
	m.guard.healthy()
	m.invalidate()
	m.fault = nil
	return m.launch()
}

// Stop moves to StateIdle and stops the source, from any state.
func (m *Machine) Stop() error {
	m.desired = false
	m.invalidate()
	m.fault = nil
	m.transition(StateIdle)
	if err := m.cfg.Source.RequestStop(); err != nil {
		return fmt.Errorf("lifecycle: stop source: %w", err)
	}
	return nil
}

// Ready records that the source is listening.
func (m *Machine) Ready() {
	if !m.desired {
		m.log.Debug("lifecycle: ready while not desired, ignoring")
		return
	}
	if m.listenedAt.IsZero() {
		m.listenedAt = m.cfg.Now()
	}
	m.fault = nil
	m.transition(StateListening)
}

// Ended records the end of a listening run and restarts while listening is
// still desired. Only a run that stayed Listening for HealthyAfter resets the
// restart streak, so a source that ends right after becoming ready still
// backs off and eventually trips the breaker.
func (m *Machine) Ended() {
	if !m.desired {
		if m.state != StateError {
			m.transition(StateIdle)
		}
		return
	}
	if !m.listenedAt.IsZero() && m.cfg.Now().Sub(m.listenedAt) >= m.cfg.HealthyAfter {
		m.guard.healthy()
	}
	m.restart()
}

// Fatal records a recognizer error.
func (m *Machine) Fatal(kind speech.FaultKind) {
	switch kind {
	case speech.FaultNoSpeech:
		m.log.Debug("lifecycle: no-speech suppressed")
		return
	case speech.FaultAudioCapture, speech.FaultInputEnded:
		m.desired = false
		m.invalidate()
		m.fail(&Fault{Kind: kind})
		if m.cfg.OnRecordingStop != nil {
			m.cfg.OnRecordingStop()
		}
	default:
		m.fail(&Fault{Kind: kind})
	}
}

// launch moves to Starting and asks the source to begin.
func (m *Machine) launch() error {
	m.fault = nil
	m.listenedAt = time.Time{}
	m.transition(StateStarting)
	if err := m.cfg.Source.RequestStart(m.cfg.Context); err != nil {
		m.fail(&Fault{Kind: speech.FaultUnknown, Err: err})
		m.restart()
		return fmt.Errorf("lifecycle: start source: %w", err)
	}
	return nil
}

func (m *Machine) restart() {
	delay, err := m.guard.next()
	if err != nil {
		m.log.Warn("lifecycle: giving up on restarts", "attempts", m.guard.attempts())
		m.desired = false
		m.invalidate()
		m.fail(&Fault{Kind: speech.FaultRestartExhausted, Err: err})
		return
	}
	attempt := m.guard.attempts()
	if m.cfg.OnRestart != nil {
		m.cfg.OnRestart(attempt, delay)
	}
	m.log.Info("lifecycle: restarting recognizer", "attempt", attempt, "delay", delay)

	if delay == 0 {
		_ = m.launch()
		return
	}
	if m.state != StateError {
		m.transition(StateStarting)
	}
	epoch := m.epoch
	m.pending = m.cfg.Schedule(delay, func() {
		if m.epoch != epoch || !m.desired {
			return
		}
		m.pending = nil
		_ = m.launch()
	})
}

// invalidate cancels any scheduled restart.
func (m *Machine) invalidate() {
	m.epoch++
	if m.pending != nil {
		m.pending()
		m.pending = nil
	}
}

func (m *Machine) fail(f *Fault) {
	m.log.Warn("lifecycle: recognizer fault", "kind", f.Kind, "err", f.Err)
	m.fault = f
	m.state = StateError
	m.notify()
}

func (m *Machine) transition(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("lifecycle: transition", "from", m.state, "to", s)
	m.state = s
	m.notify()
}

func (m *Machine) notify() {
	for _, fn := range m.observers {
		fn(m.state, m.fault)
	}
}
