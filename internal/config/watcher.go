package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// filePoll detects content changes of one file by modification time, then
// by SHA-256 so a touch without an edit is not a change.
type filePoll struct {
	path  string
	mtime time.Time
	hash  [sha256.Size]byte
}

// read returns the file content and whether it differs from the last
// committed state. Call commit once the content has been accepted.
func (p *filePoll) read() (data []byte, mtime time.Time, changed bool, err error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if info.ModTime().Equal(p.mtime) {
		return nil, p.mtime, false, nil
	}
	data, err = os.ReadFile(p.path)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if sha256.Sum256(data) == p.hash {
		p.mtime = info.ModTime()
		return nil, p.mtime, false, nil
	}
	return data, info.ModTime(), true, nil
}

func (p *filePoll) commit(data []byte, mtime time.Time) {
	p.mtime = mtime
	p.hash = sha256.Sum256(data)
}

// poll calls check every interval until ctx is cancelled.
func poll(ctx context.Context, interval time.Duration, check func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		}
	}
}

// ChangeFunc receives the previous config, the new one, and their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and reports validated changes. Invalid edits
// are logged and ignored; the last valid config stays current.
type Watcher struct {
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	file    filePoll
	current *Config
}

// WatcherOption configures a [Watcher] or a [ScriptWatcher].
type WatcherOption func(*time.Duration)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(interval *time.Duration) {
		if d > 0 {
			*interval = d
		}
	}
}

// NewWatcher loads path once and returns a Watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		interval: defaultPollInterval,
		onChange: onChange,
		file:     filePoll{path: path},
	}
	for _, opt := range opts {
		opt(&w.interval)
	}

	data, mtime, _, err := w.file.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.file.commit(data, mtime)
	w.current = cfg
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	return poll(ctx, w.interval, w.check)
}

func (w *Watcher) check() {
	w.mu.Lock()
	data, mtime, changed, err := w.file.read()
	if err != nil || !changed {
		w.mu.Unlock()
		if err != nil {
			slog.Warn("config watcher: cannot read file", "path", w.file.path, "err", err)
		}
		return
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Unlock()
		slog.Warn("config watcher: keeping previous config", "path", w.file.path, "err", err)
		return
	}
	w.file.commit(data, mtime)
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.file.path,
		"matcher_changed", d.MatcherChanged,
		"log_level_changed", d.LogLevelChanged,
		"step_changed", d.CursorStepChanged,
	)
	// Outside the lock so the callback may call Current().
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// ScriptWatcher polls a script file and delivers its text whenever the
// content changes. Files that are not valid UTF-8 are skipped.
type ScriptWatcher struct {
	interval time.Duration
	onChange func(text string)

	mu   sync.Mutex
	file filePoll
}

// NewScriptWatcher reads path once and returns its text with a watcher that
// reports later edits to onChange.
func NewScriptWatcher(path string, onChange func(text string), opts ...WatcherOption) (*ScriptWatcher, string, error) {
	w := &ScriptWatcher{
		interval: defaultPollInterval,
		onChange: onChange,
		file:     filePoll{path: path},
	}
	for _, opt := range opts {
		opt(&w.interval)
	}
	data, mtime, _, err := w.file.read()
	if err != nil {
		return nil, "", fmt.Errorf("config: read script: %w", err)
	}
	text, err := scriptText(data)
	if err != nil {
		return nil, "", fmt.Errorf("config: script %q: %w", path, err)
	}
	w.file.commit(data, mtime)
	return w, text, nil
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *ScriptWatcher) Run(ctx context.Context) error {
	return poll(ctx, w.interval, w.check)
}

func (w *ScriptWatcher) check() {
	w.mu.Lock()
	data, mtime, changed, err := w.file.read()
	if err == nil && changed {
		var text string
		if text, err = scriptText(data); err == nil {
			w.file.commit(data, mtime)
			w.mu.Unlock()
			slog.Info("script watcher: script changed", "path", w.file.path, "bytes", len(data))
			w.onChange(text)
			return
		}
	}
	w.mu.Unlock()
	if err != nil {
		slog.Warn("script watcher: keeping previous script", "path", w.file.path, "err", err)
	}
}
