package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/scriptcue/internal/lifecycle"
	"github.com/MrWong99/scriptcue/internal/session"
	"github.com/MrWong99/scriptcue/pkg/speech"
	"github.com/MrWong99/scriptcue/pkg/speech/mock"
)

type fixture struct {
	server  *Server
	session *session.Session
	hub     *Hub
	bridge  *Bridge
	http    *httptest.Server
}

// newFixture starts a test server. With browser set, the session's speech
// source is a Bridge; otherwise it is a mock.Source.
func newFixture(t *testing.T, browser bool, mutate ...func(*Config)) *fixture {
	t.Helper()
	m, _ := newTestMetrics(t)
	hub := NewHub(m, nil)

	var (
		src    speech.Source = &mock.Source{}
		bridge *Bridge
	)
	if browser {
		bridge = NewBridge(hub)
		src = bridge
	}
	sess, err := session.New(session.Config{Source: src, Metrics: m})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	cfg := Config{Session: sess, Hub: hub, Bridge: bridge, Metrics: m}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, session: sess, hub: hub, bridge: bridge, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	sess, err := session.New(session.Config{Source: &mock.Source{}})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer sess.Close()

	if _, err := New(Config{Hub: NewHub(nil, nil)}); err == nil {
		t.Error("New without session succeeded")
	}
	if _, err := New(Config{Session: sess}); err == nil {
		t.Error("New without hub succeeded")
	}
}

func TestHandleCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.session.SetScript("hello world")

	resp := f.do(t, http.MethodGet, "/api/cursor", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[cursorResponse](t, resp)
	if got.Position.Length != 11 || got.Position.Cursor != 0 {
		t.Errorf("position = %+v, want cursor 0 of 11", got.Position)
	}
	if got.Status.State != lifecycle.StateIdle {
		t.Errorf("state = %v, want idle", got.Status.State)
	}
}

func TestScriptRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	c := newClient("watcher")
	f.hub.add(c)

	resp := f.do(t, http.MethodPost, "/api/script", strings.NewReader("ABCDEF"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}
	if got := decode[cursorResponse](t, resp); got.Position.Length != 6 {
		t.Errorf("length = %d, want 6", got.Position.Length)
	}

	resp = f.do(t, http.MethodGet, "/api/script", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ABCDEF" {
		t.Errorf("GET body = %q, want ABCDEF", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	var sawScript bool
	for len(c.send) > 0 {
		if msg := <-c.send; msg.Type == TypeScript && msg.Text == "ABCDEF" {
			sawScript = true
		}
	}
	if !sawScript {
		t.Error("script change was not broadcast")
	}
}

func TestSetScript_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"too large", bytes.Repeat([]byte("a"), maxBodyBytes+1), http.StatusRequestEntityTooLarge},
		{"invalid utf-8", []byte{0xff, 0xfe, 'a'}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false)
			f.session.SetScript("kept")
			resp := f.do(t, http.MethodPost, "/api/script", bytes.NewReader(tc.body))
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if got := decode[errorResponse](t, resp); got.Error == "" {
				t.Error("error body is empty")
			}
			if got := f.session.Script(); got != "kept" {
				t.Errorf("script = %q, want unchanged", got)
			}
		})
	}
}

func TestHandleControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.session.SetScript(strings.Repeat("x", 40))

	steps := []struct {
		action     string
		wantStatus int
		wantCursor int
		wantState  lifecycle.State
	}{
		{"advance", http.StatusOK, 10, lifecycle.StateIdle},
		{"advance", http.StatusOK, 20, lifecycle.StateIdle},
		{"rewind", http.StatusOK, 10, lifecycle.StateIdle},
		{"start", http.StatusOK, 10, lifecycle.StateStarting},
		{"stop", http.StatusOK, 10, lifecycle.StateIdle},
		{"RESET", http.StatusOK, 0, lifecycle.StateIdle},
	}
	for _, st := range steps {
		resp := f.do(t, http.MethodPost, "/api/control/"+st.action, nil)
		if resp.StatusCode != st.wantStatus {
			t.Fatalf("%s: status = %d, want %d", st.action, resp.StatusCode, st.wantStatus)
		}
		got := decode[cursorResponse](t, resp)
		if got.Position.Cursor != st.wantCursor {
			t.Errorf("%s: cursor = %d, want %d", st.action, got.Position.Cursor, st.wantCursor)
		}
		if got.Status.State != st.wantState {
			t.Errorf("%s: state = %v, want %v", st.action, got.Status.State, st.wantState)
		}
	}

	if resp := f.do(t, http.MethodPost, "/api/control/jump", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/control/advance", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET control status = %d, want 405", resp.StatusCode)
	}

	_ = f.session.Close()
	if resp := f.do(t, http.MethodPost, "/api/control/start", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("start after close status = %d, want 503", resp.StatusCode)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	if resp := f.do(t, http.MethodGet, "/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz without script = %d, want 503", resp.StatusCode)
	}
	f.session.SetScript("ready now")
	if resp := f.do(t, http.MethodGet, "/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz with script = %d, want 200", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsMount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, func(c *Config) {
		c.MetricsPath = "/metrics"
		c.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "scrape")
		})
	})

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "scrape" {
		t.Errorf("metrics = %d %q, want 200 scrape", resp.StatusCode, body)
	}

	g := newFixture(t, false)
	if resp := g.do(t, http.MethodGet, "/metrics", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unmounted metrics = %d, want 404", resp.StatusCode)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	sess, err := session.New(session.Config{Source: &mock.Source{}})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	t.Run("shuts down on cancel", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Addr: "127.0.0.1:0", Session: sess, Hub: NewHub(nil, nil), ShutdownTimeout: time.Second})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()
		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("listen error", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Addr: "256.0.0.1:bad", Session: sess, Hub: NewHub(nil, nil)})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer srv.Close()
		if err := srv.Run(context.Background()); err == nil {
			t.Error("Run with bad address succeeded")
		}
	})
}
