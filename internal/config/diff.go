package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MatcherChanged is set when any matcher tuning differs. The new tuning
	// applies from the next snapshot.
	MatcherChanged bool

	// CursorStepChanged is set when the manual step differs.
	CursorStepChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a server restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.MatcherChanged = !matcherEqual(old.Matcher, new.Matcher)
	d.CursorStepChanged = old.Cursor.Step != new.Cursor.Step

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Script != new.Script {
		d.RestartRequired = append(d.RestartRequired, "script")
	}
	if old.Recognizer != new.Recognizer {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// Changed reports whether the diff carries anything to apply or report.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MatcherChanged || d.CursorStepChanged || len(d.RestartRequired) > 0
}

func matcherEqual(a, b MatcherConfig) bool {
	return reflect.DeepEqual(a, b)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
