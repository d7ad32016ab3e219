package server

import (
	"github.com/MrWong99/scriptcue/internal/cursor"
	"github.com/MrWong99/scriptcue/internal/session"
)

// Message types sent by the server.
const (
	TypeHello      = "hello"
	TypeCursor     = "cursor"
	TypeState      = "state"
	TypeScript     = "script"
	TypeRecognizer = "recognizer"
	TypeReply      = "reply"
)

// Message types sent by clients. TypeScript is shared with the server.
const (
	TypeSnapshot = "snapshot"
	TypeReady    = "ready"
	TypeEnded    = "ended"
	TypeError    = "error"
	TypeAdvance  = "advance"
	TypeRewind   = "rewind"
	TypeReset    = "reset"
	TypeStart    = "start"
	TypeStop     = "stop"
)

// Recognizer actions carried by TypeRecognizer messages.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Message is the JSON frame exchanged over /ws in both directions.
//
// Browser pages that host speech recognition send snapshot, ready, ended and
// error frames; any page may send the manual controls and script. The server
// sends hello on connect, then cursor, state, script and recognizer frames as
// they happen, and reply frames for rejected requests.
type Message struct {
	Type string `json:"type"`

	// ID is the client ID assigned in hello.
	ID string `json:"id,omitempty"`

	// Text is the transcript snapshot or script text.
	Text string `json:"text,omitempty"`

	// Error is a recognizer fault kind from clients, or a rejection reason
	// in replies.
	Error string `json:"error,omitempty"`

	// Action is set on recognizer frames.
	Action string `json:"action,omitempty"`

	Position *cursor.Position `json:"position,omitempty"`
	Status   *session.Status  `json:"status,omitempty"`
}

func cursorMessage(p cursor.Position) Message {
	return Message{Type: TypeCursor, Position: &p}
}

func stateMessage(st session.Status) Message {
	return Message{Type: TypeState, Status: &st}
}

func replyMessage(reason string) Message {
	return Message{Type: TypeReply, Error: reason}
}
