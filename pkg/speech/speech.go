// Package speech defines the contract between a speech-to-text source and the
// alignment core.
//
// A [Source] is driven by the core: it is asked to start and stop listening.
// While running it reports back through a [Handler]: readiness, the end of a
// listening run, transcript snapshots and faults. A snapshot is always the
// full transcript since the source last (re)started, never a delta; use
// [Assembler] to build one from final and interim results.
//
// Sources must deliver Handler calls from their own goroutines and must never
// call the Handler while a RequestStart or RequestStop call into them is still
// on the stack.
package speech

import (
	"context"
	"strings"
)

// Handler receives events from a running [Source].
type Handler interface {
	// OnReady reports that the source is listening.
	OnReady()

	// OnEnded reports that a listening run has finished, whether requested or
	// not.
	OnEnded()

	// OnSnapshot delivers the transcript accumulated since the last start.
	OnSnapshot(text string)

	// OnFatal reports a recognizer error. A fault is usually followed by
	// OnEnded.
	OnFatal(kind FaultKind)
}

// Gated is implemented by handlers that apply events under their own lock.
// A source whose runs can overlap delivers through Gate so that the check
// "is this run still current" and the event happen atomically with respect
// to the handler's calls into RequestStart and RequestStop.
type Gated interface {
	Handler

	// Gate calls apply with a handler view that must only be used inside
	// apply, and only when current reports true under the handler's lock.
	Gate(current func() bool, apply func(Handler))
}

// Source is a speech-to-text engine that can be started and stopped.
type Source interface {
	// RequestStart asks the source to begin a listening run. It must return
	// promptly; readiness is signalled later through [Handler.OnReady].
	RequestStart(ctx context.Context) error

	// RequestStop asks the source to stop listening. Stopping an idle source is
	// not an error.
	RequestStop() error
}

// FaultKind classifies a recognizer error.
type FaultKind string

const (
	FaultNoSpeech          FaultKind = "no-speech"
	FaultAudioCapture      FaultKind = "audio-capture"
	FaultNotAllowed        FaultKind = "not-allowed"
	FaultNetwork           FaultKind = "network"
	FaultAborted           FaultKind = "aborted"
	FaultServiceNotAllowed FaultKind = "service-not-allowed"

	// FaultInputEnded reports that a finite audio input such as a file or
	// stdin was read to the end. It is terminal.
	FaultInputEnded FaultKind = "input-ended"

	// FaultRestartExhausted is raised by the core, not by sources, when a
	// recognizer keeps ending without ever becoming ready.
	FaultRestartExhausted FaultKind = "restart-exhausted"

	FaultUnknown FaultKind = "unknown"
)

var knownFaults = map[FaultKind]bool{
	FaultNoSpeech:          true,
	FaultAudioCapture:      true,
	FaultNotAllowed:        true,
	FaultNetwork:           true,
	FaultAborted:           true,
	FaultServiceNotAllowed: true,
	FaultInputEnded:        true,
	FaultRestartExhausted:  true,
	FaultUnknown:           true,
}

// ParseFaultKind maps an error code reported by a recognizer to a FaultKind.
// Unrecognised codes map to [FaultUnknown].
func ParseFaultKind(s string) FaultKind {
	k := FaultKind(strings.ToLower(strings.TrimSpace(s)))
	if knownFaults[k] {
		return k
	}
	return FaultUnknown
}

// String returns the kind's wire name.
func (k FaultKind) String() string { return string(k) }
