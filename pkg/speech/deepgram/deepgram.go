// Package deepgram provides a speech.Source backed by the Deepgram streaming
// WebSocket API.
//
// Each listening run opens a fresh PCM stream through the configured
// [AudioFunc], dials Deepgram, and forwards interim and final results to the
// bound handler as cumulative snapshots.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scriptcue/pkg/speech"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "ja"
	defaultSampleRate = 16000

	// 100 ms of 16-bit mono audio at the default rate.
	chunkBytes = 3200
)

var errAudio = errors.New("deepgram: audio read")

// AudioFunc opens the raw 16-bit little-endian mono PCM stream for one
// listening run. The stream is closed when the run ends.
type AudioFunc func(ctx context.Context) (io.ReadCloser, error)

// Option is a functional option for configuring the Deepgram Source.
type Option func(*Source)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(s *Source) {
		s.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "ja", "en").
func WithLanguage(language string) Option {
	return func(s *Source) {
		s.language = language
	}
}

// WithSampleRate sets the PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		s.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(s *Source) {
		s.endpoint = endpoint
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.log = l
	}
}

// Source implements speech.Source. It is safe for concurrent use.
type Source struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	audio      AudioFunc
	log        *slog.Logger

	mu      sync.Mutex
	handler speech.Handler
	run     uint64
	cancel  context.CancelFunc
}

// New creates a Deepgram Source. apiKey must be non-empty and audio non-nil.
func New(apiKey string, audio AudioFunc, opts ...Option) (*Source, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if audio == nil {
		return nil, errors.New("deepgram: audio func must not be nil")
	}
	s := &Source{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
		audio:      audio,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Bind sets the handler that receives events from subsequent runs.
func (s *Source) Bind(h speech.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// RequestStart begins a new listening run, superseding any run in progress.
// Events from a superseded or stopped run are dropped.
func (s *Source) RequestStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return errors.New("deepgram: no handler bound")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.run++
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.stream(runCtx, s.run)
	return nil
}

// RequestStop ends the current run. It does not emit OnEnded.
func (s *Source) RequestStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.run++
	return nil
}

// emit calls fn with the handler only if run id is still current. The
// handler is invoked without s.mu held. A [speech.Gated] handler re-checks
// the run under its own lock, so a run superseded mid-delivery is dropped.
func (s *Source) emit(id uint64, fn func(speech.Handler)) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}
	current := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.run == id
	}
	if g, ok := h.(speech.Gated); ok {
		g.Gate(current, fn)
		return
	}
	if current() {
		fn(h)
	}
}

func (s *Source) fatal(id uint64, kind speech.FaultKind) {
	s.emit(id, func(h speech.Handler) { h.OnFatal(kind) })
}

func (s *Source) stream(ctx context.Context, id uint64) {
	defer s.emit(id, func(h speech.Handler) { h.OnEnded() })

	audio, err := s.audio(ctx)
	if err != nil {
		s.log.Warn("deepgram: open audio", "err", err)
		s.fatal(id, speech.FaultAudioCapture)
		return
	}
	var closeOnce sync.Once
	closeAudio := func() { closeOnce.Do(func() { _ = audio.Close() }) }
	defer closeAudio()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, resp, err := websocket.Dial(ctx, s.buildURL(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := classifyDial(resp)
		s.log.Warn("deepgram: dial", "err", err, "fault", kind)
		s.fatal(id, kind)
		return
	}
	defer conn.CloseNow()

	s.log.Debug("deepgram: stream open", "run", id)
	s.emit(id, func(h speech.Handler) { h.OnReady() })

	g, gctx := errgroup.WithContext(ctx)
	// A blocked Read only returns once the stream is closed.
	stop := context.AfterFunc(gctx, closeAudio)
	defer stop()

	var drained bool
	g.Go(func() (err error) {
		drained, err = pump(gctx, conn, audio)
		return err
	})
	g.Go(func() error { return s.receive(gctx, conn, id) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		kind := classifyStream(err)
		s.log.Warn("deepgram: stream", "err", err, "fault", kind)
		s.fatal(id, kind)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream finished")
	if drained && ctx.Err() == nil {
		s.log.Info("deepgram: audio input ended", "run", id)
		s.fatal(id, speech.FaultInputEnded)
	}
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (s *Source) buildURL() string {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		u = &url.URL{Scheme: "wss", Host: "api.deepgram.com", Path: "/v1/listen"}
	}
	q := u.Query()
	q.Set("model", s.model)
	q.Set("language", s.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(s.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// pump copies PCM to the socket and asks Deepgram to flush at end of input.
// drained reports whether the audio was read to EOF.
func pump(ctx context.Context, conn *websocket.Conn, audio io.Reader) (drained bool, err error) {
	buf := make([]byte, chunkBytes)
	for {
		n, rerr := audio.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return false, fmt.Errorf("deepgram: write audio: %w", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return true, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("%w: %w", errAudio, rerr)
		}
	}
}

// receive turns Results messages into snapshots until the server closes.
func (s *Source) receive(ctx context.Context, conn *websocket.Conn, id uint64) error {
	var asm speech.Assembler
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("deepgram: read: %w", err)
		}
		r, ok := parseResult(msg)
		if !ok {
			continue
		}
		var snap string
		if r.IsFinal {
			snap = asm.Final(r.Text)
		} else {
			snap = asm.Partial(r.Text)
		}
		s.emit(id, func(h speech.Handler) { h.OnSnapshot(snap) })
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	Text    string
	IsFinal bool
}

// parseResult returns (result, false) for messages that carry no transcript.
func parseResult(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}
	return result{
		Text:    resp.Channel.Alternatives[0].Transcript,
		IsFinal: resp.IsFinal,
	}, true
}

func classifyDial(resp *http.Response) speech.FaultKind {
	if resp == nil {
		return speech.FaultNetwork
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return speech.FaultServiceNotAllowed
	default:
		return speech.FaultNetwork
	}
}

func classifyStream(err error) speech.FaultKind {
	switch {
	case errors.Is(err, errAudio):
		return speech.FaultAudioCapture
	case websocket.CloseStatus(err) == websocket.StatusPolicyViolation:
		return speech.FaultServiceNotAllowed
	default:
		return speech.FaultNetwork
	}
}
