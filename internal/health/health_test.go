package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New()
	h.started = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return h.started.Add(90 * time.Second) }

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body := decode(t, rec)
	if body.Status != "ok" || body.Uptime != "1m30s" {
		t.Errorf("body = %+v, want status ok and uptime 1m30s", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks []string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "script", Check: pass},
				{Name: "recognizer", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: []string{"ok", "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "script", Check: pass},
				{Name: "recognizer", Check: func(context.Context) error { return errors.New("restarts exhausted") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: []string{"ok", "fail"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := New(tc.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			if len(body.Checks) != len(tc.wantChecks) {
				t.Fatalf("got %d checks, want %d", len(body.Checks), len(tc.wantChecks))
			}
			for i, want := range tc.wantChecks {
				if body.Checks[i].Name != tc.checkers[i].Name {
					t.Errorf("checks[%d].name = %q, want %q", i, body.Checks[i].Name, tc.checkers[i].Name)
				}
				if body.Checks[i].Status != want {
					t.Errorf("checks[%d].status = %q, want %q", i, body.Checks[i].Status, want)
				}
			}
			if tc.wantStatus == "fail" && body.Checks[1].Error != "restarts exhausted" {
				t.Errorf("error = %q, want %q", body.Checks[1].Error, "restarts exhausted")
			}
		})
	}
}

func TestRun_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	arrived := make(chan struct{}, 2)
	wait := func(ctx context.Context) error {
		arrived <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait})

	done := make(chan []CheckResult, 1)
	go func() { done <- h.Run(context.Background()) }()

	for range 2 {
		select {
		case <-arrived:
		case <-time.After(time.Second):
			t.Fatal("checks did not run concurrently")
		}
	}
	close(release)

	for _, r := range <-done {
		if r.Status != "ok" {
			t.Errorf("check %s = %s, want ok", r.Name, r.Status)
		}
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.Run(ctx)
	if res[0].Status != "fail" || res[0].Error != context.Canceled.Error() {
		t.Errorf("result = %+v, want fail with %q", res[0], context.Canceled)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
