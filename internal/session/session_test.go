package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/scriptcue/internal/align"
	"github.com/MrWong99/scriptcue/internal/cursor"
	"github.com/MrWong99/scriptcue/internal/lifecycle"
	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/pkg/speech"
	"github.com/MrWong99/scriptcue/pkg/speech/mock"
)

// phrase is a 9-rune phrase at position 50 of phraseScript.
const phrase = "abcdefghi"

func phraseScript() string {
	return strings.Repeat("0123456789", 5) + phrase + strings.Repeat("9876543210", 3)
}

func newTestSession(t *testing.T, src *mock.Source, mutate ...func(*Config)) (*Session, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := Config{Source: src, Metrics: met}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, reader
}

// listening returns a session with script loaded and the recognizer ready.
func listening(t *testing.T, script string, mutate ...func(*Config)) (*Session, *mock.Source, *sdkmetric.ManualReader) {
	t.Helper()
	src := &mock.Source{}
	s, reader := newTestSession(t, src, mutate...)
	s.SetScript(script)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnReady()
	if got := s.State(); got != lifecycle.StateListening {
		t.Fatalf("State = %v, want listening", got)
	}
	return s, src, reader
}

func snapshotCount(t *testing.T, reader *sdkmetric.ManualReader, result string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "scriptcue.snapshots" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("result")); ok && v.AsString() == result {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNew_RequiresSource(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without source: err=nil")
	}
}

func TestNew_RejectsInvalidMatcher(t *testing.T) {
	t.Parallel()
	opts := align.DefaultOptions()
	opts.ScanThreshold = 2
	if _, err := New(Config{Source: &mock.Source{}, Matcher: opts}); err == nil {
		t.Fatal("New with invalid matcher: err=nil")
	}
}

func TestSession_ExactAnchor(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, "ABCDEFGHIJKLMNOP")

	s.OnSnapshot("AB")
	if got := s.Cursor(); got != 2 {
		t.Errorf("Cursor = %d, want 2", got)
	}
}

func TestSession_ShortSnapshotIgnored(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, "ABCDEFGHIJKLMNOP")

	for _, snap := range []string{"", "A", "  "} {
		s.OnSnapshot(snap)
		if got := s.Cursor(); got != 0 {
			t.Errorf("OnSnapshot(%q): Cursor = %d, want 0", snap, got)
		}
	}
}

func TestSession_SnapshotsGatedByListening(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	s, reader := newTestSession(t, src)
	s.SetScript("ABCDEFGHIJKLMNOP")

	s.OnSnapshot("AB")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnSnapshot("ABC")
	if got := s.Cursor(); got != 0 {
		t.Fatalf("Cursor before ready = %d, want 0", got)
	}
	if got := snapshotCount(t, reader, resultIgnored); got != 2 {
		t.Errorf("ignored snapshots = %d, want 2", got)
	}

	s.OnReady()
	s.OnSnapshot("ABC")
	if got := s.Cursor(); got != 3 {
		t.Errorf("Cursor after ready = %d, want 3", got)
	}
}

func TestSession_SkipsRepeatedSnapshot(t *testing.T) {
	t.Parallel()
	s, _, reader := listening(t, "ABCDEFGHIJKLMNOP")

	s.OnSnapshot("AB")
	s.OnManualRewind()
	s.OnSnapshot("AB")
	if got := s.Cursor(); got != 0 {
		t.Errorf("Cursor = %d, want 0 (repeat must not re-apply)", got)
	}
	if got := snapshotCount(t, reader, resultDuplicate); got != 1 {
		t.Errorf("duplicate snapshots = %d, want 1", got)
	}

	// Reset forgets the last snapshot.
	s.OnReset()
	s.OnSnapshot("AB")
	if got := s.Cursor(); got != 2 {
		t.Errorf("Cursor after reset = %d, want 2", got)
	}
}

func TestSession_PunctuationRevisionIsRepeat(t *testing.T) {
	t.Parallel()
	s, _, reader := listening(t, strings.Repeat("AB", 10))

	s.OnSnapshot("AB")
	first := s.Cursor()
	if first == 0 {
		t.Fatal("first snapshot did not move the cursor")
	}
	for _, revision := range []string{"AB。", "AB ", "ＡＢ！"} {
		s.OnSnapshot(revision)
		if got := s.Cursor(); got != first {
			t.Errorf("OnSnapshot(%q): Cursor = %d, want %d", revision, got, first)
		}
	}
	if got := snapshotCount(t, reader, resultDuplicate); got != 3 {
		t.Errorf("duplicate snapshots = %d, want 3", got)
	}

	s.OnSnapshot("AB。AB")
	if got := s.Cursor(); got <= first {
		t.Errorf("new speech did not advance: Cursor = %d, want > %d", got, first)
	}
}

func TestSession_GateDropsStaleRun(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, "ABCDEFGHIJKLMNOP")

	s.Gate(func() bool { return false }, func(h speech.Handler) { h.OnSnapshot("AB") })
	if got := s.Cursor(); got != 0 {
		t.Errorf("stale run moved Cursor to %d", got)
	}
	s.Gate(func() bool { return false }, func(h speech.Handler) { h.OnEnded() })
	if got := s.State(); got != lifecycle.StateListening {
		t.Errorf("stale OnEnded: State = %v, want listening", got)
	}

	s.Gate(func() bool { return true }, func(h speech.Handler) { h.OnSnapshot("AB") })
	if got := s.Cursor(); got != 2 {
		t.Errorf("current run: Cursor = %d, want 2", got)
	}
}

func TestSession_Monotonic(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")

	prev := 0
	for _, snap := range []string{"AB", "ABCD", "AB", "ABCD xyz", "ABCDEF", "ZZ", "BC"} {
		s.OnSnapshot(snap)
		got := s.Cursor()
		if got < prev {
			t.Fatalf("OnSnapshot(%q): Cursor regressed %d -> %d", snap, prev, got)
		}
		prev = got
	}
	if prev != 6 {
		t.Errorf("final Cursor = %d, want 6", prev)
	}
}

func TestSession_ScanToleratesDroppedRune(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, phraseScript())

	s.OnSnapshot("abcdfghi")
	if got := s.Cursor(); got != 59 {
		t.Errorf("Cursor = %d, want 59", got)
	}
}

func TestSession_SetScriptDiscardsOldMatches(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, phraseScript())

	s.OnSnapshot("abcdfghi")
	if s.Cursor() == 0 {
		t.Fatal("precondition: cursor did not advance")
	}

	s.SetScript("xyzxyz")
	if got := s.Cursor(); got != 0 {
		t.Fatalf("Cursor after SetScript = %d, want 0", got)
	}
	s.OnSnapshot("abcdfghi")
	if got := s.Cursor(); got != 0 {
		t.Errorf("old content moved the new script's cursor to %d", got)
	}
	if got := s.Script(); got != "xyzxyz" {
		t.Errorf("Script = %q", got)
	}
}

func TestSession_ScriptObserverPrecedesCursorReset(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &mock.Source{})

	var order []string
	s.Subscribe(Observer{
		OnScript: func(text string) { order = append(order, "script:"+text) },
		OnCursor: func(p cursor.Position) { order = append(order, "cursor:"+string(p.Reason)) },
	})
	s.SetScript("first")
	s.SetScript("second")

	want := []string{
		"script:first", "cursor:" + string(cursor.ReasonScript),
		"script:second", "cursor:" + string(cursor.ReasonScript),
	}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", order, want)
	}
}

func TestSession_PhoneticNudge(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, "カメラノマエデダイホンヲヨミマス")

	var reasons []cursor.Reason
	s.Subscribe(Observer{OnCursor: func(p cursor.Position) { reasons = append(reasons, p.Reason) }})

	s.OnSnapshot("かめらのまえでだいほんをよみます")
	if got := s.Cursor(); got != 4 {
		t.Errorf("Cursor = %d, want 4", got)
	}
	if len(reasons) != 1 || reasons[0] != cursor.ReasonNudge {
		t.Errorf("reasons = %v, want [nudge]", reasons)
	}
}

func TestSession_ManualControls(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	s, _ := newTestSession(t, src, func(c *Config) { c.Step = 5 })
	s.SetScript("0123456789abcdef")

	s.OnManualAdvance()
	s.OnManualAdvance()
	if got := s.Cursor(); got != 10 {
		t.Fatalf("Cursor = %d, want 10", got)
	}
	if got := s.CursorFraction(); got != 10.0/16 {
		t.Errorf("CursorFraction = %f, want %f", got, 10.0/16)
	}
	s.SetStep(8)
	s.OnManualRewind()
	if got := s.Cursor(); got != 2 {
		t.Errorf("Cursor after rewind = %d, want 2", got)
	}
	s.OnReset()
	if p := s.Position(); p.Cursor != 0 || p.Length != 16 {
		t.Errorf("Position = %+v, want cursor 0 length 16", p)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	stopped := 0
	s, _ := newTestSession(t, src, func(c *Config) {
		c.OnRecordingStop = func() { stopped++ }
	})

	var statuses []Status
	cancel := s.Subscribe(Observer{OnStatus: func(st Status) { statuses = append(statuses, st) }})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnReady()
	s.OnFatal(speech.FaultNoSpeech)
	if got := s.State(); got != lifecycle.StateListening {
		t.Fatalf("no-speech changed state to %v", got)
	}

	s.OnFatal(speech.FaultAudioCapture)
	if stopped != 1 {
		t.Errorf("OnRecordingStop called %d times, want 1", stopped)
	}
	st := s.Status()
	if st.State != lifecycle.StateError || st.Fault != speech.FaultAudioCapture || st.Desired {
		t.Errorf("Status = %+v, want error/audio-capture/not desired", st)
	}
	if st.Message == "" {
		t.Error("fault has no message")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if src.StopCallCount() != 1 {
		t.Errorf("RequestStop calls = %d, want 1", src.StopCallCount())
	}
	cancel()
	n := len(statuses)
	_ = s.Start()
	if len(statuses) != n {
		t.Error("observer called after cancel")
	}

	want := []lifecycle.State{lifecycle.StateStarting, lifecycle.StateListening, lifecycle.StateError, lifecycle.StateIdle}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %+v, want states %v", statuses, want)
	}
	for i, w := range want {
		if statuses[i].State != w {
			t.Errorf("statuses[%d] = %v, want %v", i, statuses[i].State, w)
		}
	}
}

func TestSession_DelayedRestartRunsUnderLock(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	s, _ := newTestSession(t, src, func(c *Config) {
		c.BaseDelay = time.Millisecond
		c.MaxDelay = 2 * time.Millisecond
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnReady()
	s.OnEnded() // immediate restart
	s.OnEnded() // scheduled restart

	deadline := time.Now().Add(2 * time.Second)
	for src.StartCallCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("RequestStart calls = %d, want 3", src.StartCallCount())
		}
		time.Sleep(time.Millisecond)
	}
	if got := s.State(); got != lifecycle.StateStarting {
		t.Errorf("State = %v, want starting", got)
	}
}

func TestSession_StartErrorReported(t *testing.T) {
	t.Parallel()
	src := &mock.Source{StartErr: errors.New("no microphone")}
	s, _ := newTestSession(t, src, func(c *Config) { c.BaseDelay = time.Hour })

	if err := s.Start(); err == nil {
		t.Fatal("Start: err=nil")
	}
	if st := s.Status(); st.State != lifecycle.StateError || st.Fault != speech.FaultUnknown {
		t.Errorf("Status = %+v, want error/unknown", st)
	}
}

func TestSession_Close(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	s, _ := newTestSession(t, src)
	_ = s.Start()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if src.StopCallCount() != 1 {
		t.Errorf("RequestStop calls = %d, want 1", src.StopCallCount())
	}
	if err := s.Start(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start after Close = %v, want ErrSessionClosed", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Stop after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Reconfigure(t *testing.T) {
	t.Parallel()
	s, _, _ := listening(t, phraseScript())

	bad := align.DefaultOptions()
	bad.Mode = "fastest"
	if err := s.Reconfigure(bad); err == nil {
		t.Fatal("Reconfigure(invalid): err=nil")
	}

	single := align.DefaultOptions()
	single.Mode = align.ModeSingle
	if err := s.Reconfigure(single); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	s.OnSnapshot("abcdfghi")
	if got := s.Cursor(); got != 59 {
		t.Errorf("Cursor = %d, want 59", got)
	}
}

func TestSession_ConcurrentEvents(t *testing.T) {
	t.Parallel()
	script := phraseScript()
	s, _, _ := listening(t, script)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 50 {
				switch (i + j) % 4 {
				case 0:
					s.OnSnapshot(phrase[:3+j%6])
				case 1:
					s.OnManualAdvance()
				case 2:
					s.OnManualRewind()
				default:
					_ = s.Position()
				}
			}
		})
	}
	wg.Wait()

	if got := s.Cursor(); got < 0 || got > len([]rune(script)) {
		t.Errorf("Cursor = %d out of range", got)
	}
}
