// Package config provides the configuration schema, loader, watcher and
// speech source registry for the scriptcue server.
package config

import (
	"time"

	"github.com/MrWong99/scriptcue/internal/align"
)

// LogLevel controls log verbosity for the scriptcue server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for scriptcue.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Fields absent from the file keep the values from [Default].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Script     ScriptConfig     `yaml:"script"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Cursor     CursorConfig     `yaml:"cursor"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Speech     SpeechConfig     `yaml:"speech"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	// Browser speech recognition generally requires HTTPS off localhost.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ScriptConfig selects the script loaded at startup.
type ScriptConfig struct {
	// Path is a UTF-8 text file. Empty starts with no script.
	Path string `yaml:"path"`
}

// MatcherConfig mirrors [align.Options] for YAML.
type MatcherConfig struct {
	Mode              string  `yaml:"mode"`
	Backoff           int     `yaml:"backoff"`
	Lookahead         int     `yaml:"lookahead"`
	MinSnapshot       int     `yaml:"min_snapshot"`
	TailLength        int     `yaml:"tail_length"`
	AnchorReach       int     `yaml:"anchor_reach"`
	AnchorSizes       []int   `yaml:"anchor_sizes"`
	AnchorThreshold   float64 `yaml:"anchor_threshold"`
	AnchorWeight      float64 `yaml:"anchor_weight"`
	ScanSizes         []int   `yaml:"scan_sizes"`
	ScanThreshold     float64 `yaml:"scan_threshold"`
	ScanEarlyExit     float64 `yaml:"scan_early_exit"`
	PenaltyDistance   int     `yaml:"penalty_distance"`
	DistancePenalty   float64 `yaml:"distance_penalty"`
	PhoneticMode      string  `yaml:"phonetic_mode"`
	PhoneticChunk     int     `yaml:"phonetic_chunk"`
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
	PhoneticDiscount  float64 `yaml:"phonetic_discount"`
	Nudge             int     `yaml:"nudge"`
}

// Options converts the YAML form into matcher tuning.
func (m MatcherConfig) Options() align.Options {
	return align.Options{
		Mode:              align.Mode(m.Mode),
		Backoff:           m.Backoff,
		Lookahead:         m.Lookahead,
		MinSnapshot:       m.MinSnapshot,
		TailLength:        m.TailLength,
		AnchorReach:       m.AnchorReach,
		AnchorSizes:       append([]int(nil), m.AnchorSizes...),
		AnchorThreshold:   m.AnchorThreshold,
		AnchorWeight:      m.AnchorWeight,
		ScanSizes:         append([]int(nil), m.ScanSizes...),
		ScanThreshold:     m.ScanThreshold,
		ScanEarlyExit:     m.ScanEarlyExit,
		PenaltyDistance:   m.PenaltyDistance,
		DistancePenalty:   m.DistancePenalty,
		PhoneticMode:      m.PhoneticMode,
		PhoneticChunk:     m.PhoneticChunk,
		PhoneticThreshold: m.PhoneticThreshold,
		PhoneticDiscount:  m.PhoneticDiscount,
		Nudge:             m.Nudge,
	}
}

func matcherFromOptions(o align.Options) MatcherConfig {
	return MatcherConfig{
		Mode:              string(o.Mode),
		Backoff:           o.Backoff,
		Lookahead:         o.Lookahead,
		MinSnapshot:       o.MinSnapshot,
		TailLength:        o.TailLength,
		AnchorReach:       o.AnchorReach,
		AnchorSizes:       o.AnchorSizes,
		AnchorThreshold:   o.AnchorThreshold,
		AnchorWeight:      o.AnchorWeight,
		ScanSizes:         o.ScanSizes,
		ScanThreshold:     o.ScanThreshold,
		ScanEarlyExit:     o.ScanEarlyExit,
		PenaltyDistance:   o.PenaltyDistance,
		DistancePenalty:   o.DistancePenalty,
		PhoneticMode:      o.PhoneticMode,
		PhoneticChunk:     o.PhoneticChunk,
		PhoneticThreshold: o.PhoneticThreshold,
		PhoneticDiscount:  o.PhoneticDiscount,
		Nudge:             o.Nudge,
	}
}

// CursorConfig tunes the cursor controller.
type CursorConfig struct {
	// Step is the manual advance/rewind step in script runes.
	Step int `yaml:"step"`
}

// RecognizerConfig tunes the recognizer restart policy.
type RecognizerConfig struct {
	// AutoStart starts listening as soon as the server is up.
	AutoStart bool `yaml:"auto_start"`

	// BaseDelay is the delay before the second restart of a streak; it
	// doubles for each further restart up to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// MaxRestarts is how many consecutive restarts may end without a
	// healthy run before giving up.
	MaxRestarts int `yaml:"max_restarts"`

	// HealthyAfter is how long a run must stay listening to reset the
	// restart streak.
	HealthyAfter time.Duration `yaml:"healthy_after"`
}

// SpeechConfig selects and configures the speech-to-text source.
type SpeechConfig struct {
	// Source names a registered source (e.g., "browser", "deepgram").
	Source string `yaml:"source"`

	// APIKey is the authentication key for hosted sources.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the source's default streaming URL.
	Endpoint string `yaml:"endpoint"`

	// Model selects a model within the source (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language (e.g., "ja").
	Language string `yaml:"language"`

	// SampleRate is the PCM sample rate in Hz for server-side sources.
	SampleRate int `yaml:"sample_rate"`

	// Input is the raw PCM input for server-side sources: a file path, or "-"
	// for standard input.
	Input string `yaml:"input"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus scrape handler is mounted. Empty
	// disables the endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces that are sampled, in
	// [0, 1]. Requests that carry a sampled traceparent are always kept.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 10 * time.Second,
		},
		Matcher: matcherFromOptions(align.DefaultOptions()),
		Cursor:  CursorConfig{Step: 10},
		Recognizer: RecognizerConfig{
			BaseDelay:    250 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			MaxRestarts:  6,
			HealthyAfter: 10 * time.Second,
		},
		Speech: SpeechConfig{
			Source:     "browser",
			Language:   "ja",
			SampleRate: 16000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:      "scriptcue",
			MetricsPath:      "/metrics",
			TraceSampleRatio: 1,
		},
	}
}
