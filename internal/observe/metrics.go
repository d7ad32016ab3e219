// Package observe provides the observability primitives for scriptcue:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by the handler returned from [InitProvider]. A
// package-level [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all scriptcue metrics.
const meterName = "github.com/MrWong99/scriptcue"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// MatchDuration tracks the time spent in one matching call.
	MatchDuration metric.Float64Histogram

	// MatchOutcomes counts matching calls by the tier that produced the
	// candidate. Attribute: tier (anchor, scan, phonetic, none).
	MatchOutcomes metric.Int64Counter

	// Snapshots counts transcript snapshots received by a session.
	// Attribute: result (matched, unmatched, duplicate, ignored).
	Snapshots metric.Int64Counter

	// CursorMoves counts published cursor changes. Attribute: reason.
	CursorMoves metric.Int64Counter

	// RecognizerRestarts counts automatic recognizer restarts.
	RecognizerRestarts metric.Int64Counter

	// RecognizerFaults counts reported recognizer faults. Attribute: kind.
	RecognizerFaults metric.Int64Counter

	// ConnectedClients tracks open presentation WebSocket connections.
	ConnectedClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// matchBuckets are histogram boundaries (in seconds) for matching calls,
// which normally finish well below a millisecond.
var matchBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MatchDuration, err = m.Float64Histogram("scriptcue.match.duration",
		metric.WithDescription("Latency of one alignment call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(matchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchOutcomes, err = m.Int64Counter("scriptcue.match.outcomes",
		metric.WithDescription("Alignment calls by producing tier."),
	); err != nil {
		return nil, err
	}
	if met.Snapshots, err = m.Int64Counter("scriptcue.snapshots",
		metric.WithDescription("Transcript snapshots received by result."),
	); err != nil {
		return nil, err
	}
	if met.CursorMoves, err = m.Int64Counter("scriptcue.cursor.moves",
		metric.WithDescription("Published cursor changes by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerRestarts, err = m.Int64Counter("scriptcue.recognizer.restarts",
		metric.WithDescription("Automatic speech recognizer restarts."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerFaults, err = m.Int64Counter("scriptcue.recognizer.faults",
		metric.WithDescription("Reported speech recognizer faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("scriptcue.clients.connected",
		metric.WithDescription("Open presentation WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("scriptcue.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. It panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMatch records one alignment call. tier is "none" when no candidate
// was produced.
func (m *Metrics) RecordMatch(ctx context.Context, tier string, d time.Duration) {
	m.MatchDuration.Record(ctx, d.Seconds())
	m.MatchOutcomes.Add(ctx, 1, metric.WithAttributes(Attr("tier", tier)))
}

// RecordSnapshot counts a received snapshot with its result.
func (m *Metrics) RecordSnapshot(ctx context.Context, result string) {
	m.Snapshots.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordCursorMove counts a published cursor change.
func (m *Metrics) RecordCursorMove(ctx context.Context, reason string) {
	m.CursorMoves.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordRestart counts an automatic recognizer restart.
func (m *Metrics) RecordRestart(ctx context.Context) {
	m.RecognizerRestarts.Add(ctx, 1)
}

// RecordFault counts a reported recognizer fault.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.RecognizerFaults.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}
