package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/scriptcue/internal/cursor"
	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/internal/session"
)

// cursorResponse is the body of GET /api/cursor and of control replies.
type cursorResponse struct {
	Position cursor.Position `json:"position"`
	Status   session.Status  `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) current() cursorResponse {
	return cursorResponse{Position: s.session.Position(), Status: s.session.Status()}
}

func (s *Server) handleCursor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.current())
}

func (s *Server) handleGetScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.session.Script())
}

func (s *Server) handleSetScript(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "script exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !utf8.Valid(body) {
		writeError(w, http.StatusBadRequest, "script must be UTF-8 text")
		return
	}
	s.session.SetScript(string(body))
	observe.Logger(r.Context()).Info("script replaced over http", "bytes", len(body))
	writeJSON(w, http.StatusOK, s.current())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := strings.ToLower(r.PathValue("action"))
	if err := s.control(action); err != nil {
		switch {
		case errors.Is(err, errUnknownAction):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrSessionClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.current())
}

var errUnknownAction = errors.New("unknown control action")

// control applies a presentation-layer control shared by REST and /ws.
func (s *Server) control(action string) error {
	switch action {
	case TypeAdvance:
		s.session.OnManualAdvance()
	case TypeRewind:
		s.session.OnManualRewind()
	case TypeReset:
		s.session.OnReset()
	case TypeStart:
		return s.session.Start()
	case TypeStop:
		return s.session.Stop()
	default:
		return errUnknownAction
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
