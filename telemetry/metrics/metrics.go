// Package metrics defines the Provider abstraction that telemetry/events
// instruments against (the serve command hands it a PrometheusProvider), plus
// a Prometheus-backed (prometheus.go) and an OpenTelemetry-backed
// (otel_provider.go) implementation and a no-op implementation for tests and
// CLI one-shots that don't want an exporter.
//
// The Provider interface exposes counters/gauges/histograms/timers behind a
// Namespace/Subsystem/Name/Help/Labels options shape. canbus, buffer, dbpool
// and timeseries do not use it.
package metrics

import "context"

// CommonOpts names and describes one metric, independent of its kind.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// CounterOpts configures a monotonically increasing instrument.
type CounterOpts struct {
	CommonOpts
}

// GaugeOpts configures a point-in-time value instrument.
type GaugeOpts struct {
	CommonOpts
}

// HistogramOpts configures a distribution instrument. Buckets is only
// consulted by the Prometheus provider; OTel chooses its own aggregation.
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Counter only ever goes up; delta <= 0 is ignored by implementations.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge can be set to an absolute value or nudged by a delta.
type Gauge interface {
	Set(value float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records individual observations for later distribution analysis.
type Histogram interface {
	Observe(value float64, labels ...string)
}

// Timer is a one-shot stopwatch returned by Provider.NewTimer's constructor;
// calling ObserveDuration records elapsed time against the backing histogram.
type Timer interface {
	ObserveDuration(labels ...string)
}

// Provider is the metrics backend telemetry/events instruments against. Implementations: PrometheusProvider, the OTel bridge
// returned by NewOTelProvider, and the no-op returned by NewNoopProvider.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(opts HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// NewNoopProvider returns a Provider whose instruments discard every
// observation. Used by tests and by callers that haven't wired an exporter.
func NewNoopProvider() Provider { return noopProvider{} }

type noopProvider struct{}

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer  { return func() Timer { return noopTimer{} } }
func (noopProvider) Health(ctx context.Context) error     { return nil }

type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

func (noopCounter) Inc(delta float64, labels ...string)       {}
func (noopGauge) Set(value float64, labels ...string)         {}
func (noopGauge) Add(delta float64, labels ...string)         {}
func (noopHistogram) Observe(value float64, labels ...string) {}
func (noopTimer) ObserveDuration(labels ...string)            {}
