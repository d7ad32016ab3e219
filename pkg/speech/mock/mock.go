// Package mock provides test doubles for the speech package interfaces.
//
// Use Source to verify that the core starts and stops the recognizer when
// expected. Use Handler to record the events a real source emits.
//
// Example:
//
//	src := &mock.Source{}
//	m := lifecycle.New(lifecycle.Config{Source: src})
//	_ = m.Start()
//	// src.StartCallCount() == 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/scriptcue/pkg/speech"
)

// Source is a mock implementation of speech.Source.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by every RequestStart call.
	StartErr error

	// StopErr, if non-nil, is returned by every RequestStop call.
	StopErr error

	// OnStart, if set, is called by RequestStart after the call is recorded.
	OnStart func(ctx context.Context)

	startCalls int
	stopCalls  int
}

// RequestStart records the call and returns StartErr.
func (s *Source) RequestStart(ctx context.Context) error {
	s.mu.Lock()
	s.startCalls++
	hook, err := s.OnStart, s.StartErr
	s.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return err
}

// RequestStop records the call and returns StopErr.
func (s *Source) RequestStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return s.StopErr
}

// StartCallCount returns the number of RequestStart calls. Thread-safe.
func (s *Source) StartCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// StopCallCount returns the number of RequestStop calls. Thread-safe.
func (s *Source) StopCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Reset clears all recorded calls. Thread-safe.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls = 0
	s.stopCalls = 0
}

var _ speech.Source = (*Source)(nil)

// Event is one recorded Handler call.
type Event struct {
	// Name is "ready", "ended", "snapshot" or "fatal".
	Name string

	// Text is the snapshot text for "snapshot" events.
	Text string

	// Kind is the fault kind for "fatal" events.
	Kind speech.FaultKind
}

// Handler is a mock implementation of speech.Handler that records every call.
type Handler struct {
	mu     sync.Mutex
	events []Event

	// Notify, if non-nil, receives a copy of every event without blocking.
	Notify chan Event
}

func (h *Handler) record(e Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	ch := h.Notify
	h.mu.Unlock()
	if ch != nil {
		select {
		case ch <- e:
		default:
		}
	}
}

// OnReady records a "ready" event.
func (h *Handler) OnReady() { h.record(Event{Name: "ready"}) }

// OnEnded records an "ended" event.
func (h *Handler) OnEnded() { h.record(Event{Name: "ended"}) }

// OnSnapshot records a "snapshot" event.
func (h *Handler) OnSnapshot(text string) { h.record(Event{Name: "snapshot", Text: text}) }

// OnFatal records a "fatal" event.
func (h *Handler) OnFatal(kind speech.FaultKind) { h.record(Event{Name: "fatal", Kind: kind}) }

// Events returns a copy of the recorded events. Thread-safe.
func (h *Handler) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

var _ speech.Handler = (*Handler)(nil)

// GatedHandler is a Handler that also implements speech.Gated. Every Gate
// call is signalled on Gates, and events reach the embedded Handler only
// when current reports true.
type GatedHandler struct {
	Handler

	// BeforeCheck, if set, runs inside Gate before current is consulted.
	BeforeCheck func()

	// Gates, if non-nil, receives the result of every current check
	// without blocking.
	Gates chan bool
}

// Gate runs BeforeCheck, then applies fn to the embedded Handler if current
// reports true.
func (h *GatedHandler) Gate(current func() bool, fn func(speech.Handler)) {
	if h.BeforeCheck != nil {
		h.BeforeCheck()
	}
	ok := current()
	if h.Gates != nil {
		select {
		case h.Gates <- ok:
		default:
		}
	}
	if ok {
		fn(&h.Handler)
	}
}

var _ speech.Gated = (*GatedHandler)(nil)
