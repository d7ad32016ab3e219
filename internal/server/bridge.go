package server

import (
	"context"
	"sync"

	"github.com/MrWong99/scriptcue/pkg/speech"
)

// Bridge is the speech source for recognition running in the presenter's
// browser. Start and stop requests are broadcast as recognizer frames; the
// page answers with ready, ended, snapshot and error frames on the same
// socket.
type Bridge struct {
	hub *Hub

	mu     sync.Mutex
	active bool
}

var _ speech.Source = (*Bridge)(nil)

// NewBridge returns a Bridge that signals through hub.
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// RequestStart implements [speech.Source]. It succeeds with no client
// connected; pages that connect later are told to start in their hello.
func (b *Bridge) RequestStart(context.Context) error {
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
	b.hub.Broadcast(Message{Type: TypeRecognizer, Action: ActionStart})
	return nil
}

// RequestStop implements [speech.Source].
func (b *Bridge) RequestStop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()
	b.hub.Broadcast(Message{Type: TypeRecognizer, Action: ActionStop})
	return nil
}

// Active reports whether the last request was a start.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}
