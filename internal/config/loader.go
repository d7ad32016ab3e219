package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ValidSourceNames lists the speech sources shipped with scriptcue.
// Used by [Validate] to warn about unrecognised source names.
var ValidSourceNames = []string{"browser", "deepgram"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Matcher
	if err := cfg.Matcher.Options().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("matcher: %w", err))
	}

	// Cursor
	if cfg.Cursor.Step <= 0 {
		errs = append(errs, fmt.Errorf("cursor.step %d must be positive", cfg.Cursor.Step))
	}

	// Recognizer
	rc := cfg.Recognizer
	if rc.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("recognizer.base_delay %s must be positive", rc.BaseDelay))
	}
	if rc.MaxDelay < rc.BaseDelay {
		errs = append(errs, fmt.Errorf("recognizer.max_delay %s is below base_delay %s", rc.MaxDelay, rc.BaseDelay))
	}
	if rc.MaxRestarts <= 0 {
		errs = append(errs, fmt.Errorf("recognizer.max_restarts %d must be positive", rc.MaxRestarts))
	}
	if rc.HealthyAfter <= 0 {
		errs = append(errs, fmt.Errorf("recognizer.healthy_after %s must be positive", rc.HealthyAfter))
	}

	// Speech
	validateSourceName(cfg.Speech.Source)
	if cfg.Speech.Source == "" {
		errs = append(errs, errors.New("speech.source is required"))
	}
	if cfg.Speech.Source == "deepgram" {
		if cfg.Speech.APIKey == "" {
			errs = append(errs, errors.New("speech.api_key is required for the deepgram source"))
		}
		if cfg.Speech.Input == "" {
			errs = append(errs, errors.New("speech.input is required for the deepgram source"))
		}
	}
	if cfg.Speech.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("speech.sample_rate %d must not be negative", cfg.Speech.SampleRate))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be within [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateSourceName logs a warning if name is non-empty and not one of
// [ValidSourceNames].
func validateSourceName(name string) {
	if name == "" || slices.Contains(ValidSourceNames, name) {
		return
	}
	slog.Warn("unknown speech source name; it may be a typo or a third-party source",
		"name", name,
		"known", ValidSourceNames,
	)
}

var utf8BOM = []byte("\xef\xbb\xbf")

// LoadScript reads a script text file. A leading byte order mark is dropped.
func LoadScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read script: %w", err)
	}
	text, err := scriptText(data)
	if err != nil {
		return "", fmt.Errorf("config: script %q: %w", path, err)
	}
	return text, nil
}

func scriptText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", errors.New("script is not valid UTF-8")
	}
	return string(data), nil
}
