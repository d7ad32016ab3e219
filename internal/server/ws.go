package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/pkg/speech"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 5 * time.Second

// errKicked ends a connection the hub asked to close.
var errKicked = errors.New("client closed by hub")

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("ws: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	c := newClient(uuid.NewString())
	log := observe.Logger(r.Context()).With("client_id", c.id)

	// Register before building hello so hello is never older than a queued
	// broadcast.
	s.hub.add(c)
	defer s.hub.remove(c)
	c.enqueue(s.hello(c.id))
	if s.cfg.Bridge != nil && s.cfg.Bridge.Active() {
		c.enqueue(Message{Type: TypeRecognizer, Action: ActionStart})
	}
	log.Info("ws: client connected", "clients", s.hub.Len())

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.writeLoop(ctx, conn, c) })
	g.Go(func() error { return s.readLoop(ctx, conn, c, log) })
	err = g.Wait()
	conn.CloseNow()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("ws: client disconnected")
	case errors.Is(err, errKicked):
		log.Info("ws: client closed", "code", c.code.String(), "reason", c.reason)
	case errors.Is(err, context.Canceled):
		log.Debug("ws: connection context done")
	default:
		log.Debug("ws: connection ended", "err", err)
	}
}

func (s *Server) hello(id string) Message {
	pos := s.session.Position()
	st := s.session.Status()
	return Message{
		Type:     TypeHello,
		ID:       id,
		Text:     s.session.Script(),
		Position: &pos,
		Status:   &st,
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			_ = conn.Close(c.code, c.reason)
			return errKicked
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return fmt.Errorf("write %s: %w", msg.Type, err)
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client, log *slog.Logger) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if reason := s.dispatch(msg); reason != "" {
			log.Debug("ws: rejected frame", "type", msg.Type, "reason", reason)
			if !c.enqueue(replyMessage(reason)) {
				c.kick(websocket.StatusPolicyViolation, "client too slow")
			}
		}
	}
}

// dispatch applies one client frame and returns a rejection reason, or ""
// when the frame was accepted.
func (s *Server) dispatch(msg Message) string {
	switch msg.Type {
	case TypeSnapshot, TypeReady, TypeEnded, TypeError:
		if s.cfg.Bridge == nil {
			return "speech frames are not accepted: recognizer is not browser-hosted"
		}
		s.dispatchSpeech(msg)
		return ""
	case TypeScript:
		s.session.SetScript(msg.Text)
		return ""
	case "":
		return "missing message type"
	}
	if err := s.control(msg.Type); err != nil {
		if errors.Is(err, errUnknownAction) {
			return fmt.Sprintf("unknown message type %q", msg.Type)
		}
		return err.Error()
	}
	return ""
}

func (s *Server) dispatchSpeech(msg Message) {
	var h speech.Handler = s.session
	switch msg.Type {
	case TypeSnapshot:
		h.OnSnapshot(msg.Text)
	case TypeReady:
		h.OnReady()
	case TypeEnded:
		h.OnEnded()
	case TypeError:
		h.OnFatal(speech.ParseFaultKind(msg.Error))
	}
}
