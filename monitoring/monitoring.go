// Package monitoring instruments the ingestion pipeline: a collector keyed
// by the domain's own identifiers (PGN, source address, handler name), a
// Prometheus exporter that serves the collector's state as constant metrics
// at scrape time, an OpenTelemetry tracer with typed CAN attributes, and a
// facade composing them with the telemetry/health readiness rollup.
package monitoring

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dderyldowney/afs-fieldbus/telemetry/health"
)

// SourceStats counts decode outcomes for one source address under a PGN.
type SourceStats struct {
	SourceAddress uint8
	Attempts      int64
	Successes     int64
	Failures      int64
	TotalLatency  time.Duration
	LastSeen      time.Time
}

// PGNStats aggregates decode outcomes for one PGN across every source
// address that has sent traffic under it.
type PGNStats struct {
	PGN          uint32
	Attempts     int64
	Successes    int64
	Failures     int64
	TotalLatency time.Duration
	PerSource    map[uint8]*SourceStats
}

// SuccessRate is the fraction of attempts that decoded, in [0,1].
func (p *PGNStats) SuccessRate() float64 {
	if p.Attempts == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// AvgLatency is the mean decode latency over all attempts.
func (p *PGNStats) AvgLatency() time.Duration {
	if p.Attempts == 0 {
		return 0
	}
	return p.TotalLatency / time.Duration(p.Attempts)
}

// HandlerStats counts dispatch volume and outcome for one registered
// handler or sink.
type HandlerStats struct {
	Name            string
	Dispatches      int64
	Items           int64
	SuccessfulItems int64
	TotalLatency    time.Duration
	LastDispatch    time.Time
}

// EventStats tracks occurrences of one named pipeline event (batch flush,
// shed-mode transition, emergency stop).
type EventStats struct {
	Name        string
	Occurrences int64
	LastValue   int
	LastAt      time.Time
	LastFields  map[string]any
}

// PipelineMetricsCollector accumulates decode, dispatch, and event stats.
// All methods are safe for concurrent use; reads go through Snapshot.
type PipelineMetricsCollector struct {
	mu       sync.RWMutex
	pgns     map[uint32]*PGNStats
	handlers map[string]*HandlerStats
	events   map[string]*EventStats
}

// NewPipelineMetricsCollector builds an empty collector.
func NewPipelineMetricsCollector() *PipelineMetricsCollector {
	return &PipelineMetricsCollector{
		pgns:     make(map[uint32]*PGNStats),
		handlers: make(map[string]*HandlerStats),
		events:   make(map[string]*EventStats),
	}
}

// RecordDecodeAttempt counts one decode outcome under its PGN and source
// address.
func (c *PipelineMetricsCollector) RecordDecodeAttempt(pgn uint32, sourceAddress uint8, latency time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pgns[pgn]
	if p == nil {
		p = &PGNStats{PGN: pgn, PerSource: make(map[uint8]*SourceStats)}
		c.pgns[pgn] = p
	}
	s := p.PerSource[sourceAddress]
	if s == nil {
		s = &SourceStats{SourceAddress: sourceAddress}
		p.PerSource[sourceAddress] = s
	}

	p.Attempts++
	p.TotalLatency += latency
	s.Attempts++
	s.TotalLatency += latency
	s.LastSeen = time.Now()
	if success {
		p.Successes++
		s.Successes++
	} else {
		p.Failures++
		s.Failures++
	}
}

// RecordHandlerDispatch counts one dispatch pass through the named handler.
func (c *PipelineMetricsCollector) RecordHandlerDispatch(name string, latency time.Duration, items, successfulItems int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.handlers[name]
	if h == nil {
		h = &HandlerStats{Name: name}
		c.handlers[name] = h
	}
	h.Dispatches++
	h.Items += int64(items)
	h.SuccessfulItems += int64(successfulItems)
	h.TotalLatency += latency
	h.LastDispatch = time.Now()
}

// RecordPipelineEvent counts one occurrence of a named event, keeping the
// most recent value and fields for inspection.
func (c *PipelineMetricsCollector) RecordPipelineEvent(name string, value int, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.events[name]
	if e == nil {
		e = &EventStats{Name: name}
		c.events[name] = e
	}
	e.Occurrences++
	e.LastValue = value
	e.LastAt = time.Now()
	if len(fields) > 0 {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		e.LastFields = copied
	}
}

// Snapshot is a point-in-time deep copy of the collector, ordered so
// exporters and tests see deterministic output.
type Snapshot struct {
	PGNs     []PGNStats
	Handlers []HandlerStats
	Events   []EventStats
	TakenAt  time.Time
}

// PGN returns the stats for one PGN in the snapshot, or nil.
func (s *Snapshot) PGN(pgn uint32) *PGNStats {
	for i := range s.PGNs {
		if s.PGNs[i].PGN == pgn {
			return &s.PGNs[i]
		}
	}
	return nil
}

// Handler returns the stats for one handler name in the snapshot, or nil.
func (s *Snapshot) Handler(name string) *HandlerStats {
	for i := range s.Handlers {
		if s.Handlers[i].Name == name {
			return &s.Handlers[i]
		}
	}
	return nil
}

// Event returns the stats for one event name in the snapshot, or nil.
func (s *Snapshot) Event(name string) *EventStats {
	for i := range s.Events {
		if s.Events[i].Name == name {
			return &s.Events[i]
		}
	}
	return nil
}

// Snapshot copies the collector's current state. The copy shares nothing
// with the live maps, so callers may hold it as long as they like.
func (c *PipelineMetricsCollector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		PGNs:     make([]PGNStats, 0, len(c.pgns)),
		Handlers: make([]HandlerStats, 0, len(c.handlers)),
		Events:   make([]EventStats, 0, len(c.events)),
		TakenAt:  time.Now(),
	}
	for _, p := range c.pgns {
		cp := *p
		cp.PerSource = make(map[uint8]*SourceStats, len(p.PerSource))
		for addr, s := range p.PerSource {
			sc := *s
			cp.PerSource[addr] = &sc
		}
		snap.PGNs = append(snap.PGNs, cp)
	}
	for _, h := range c.handlers {
		snap.Handlers = append(snap.Handlers, *h)
	}
	for _, e := range c.events {
		snap.Events = append(snap.Events, *e)
	}
	sort.Slice(snap.PGNs, func(i, j int) bool { return snap.PGNs[i].PGN < snap.PGNs[j].PGN })
	sort.Slice(snap.Handlers, func(i, j int) bool { return snap.Handlers[i].Name < snap.Handlers[j].Name })
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].Name < snap.Events[j].Name })
	return snap
}

// PrometheusExporter serves the collector's state as Prometheus metrics. It
// implements prometheus.Collector and emits constant metrics straight from a
// Snapshot at scrape time, so scrapes never mutate counter state and
// repeated scrapes cannot over-count.
type PrometheusExporter struct {
	collector *PipelineMetricsCollector
	registry  *prometheus.Registry
	handler   http.Handler

	descDecodeAttempts  *prometheus.Desc
	descDecodeFailures  *prometheus.Desc
	descDecodeLatency   *prometheus.Desc
	descHandlerDispatch *prometheus.Desc
	descHandlerItems    *prometheus.Desc
	descEvents          *prometheus.Desc
}

// NewPrometheusExporter registers a scrape-time exporter over collector on a
// fresh registry, under the given metric namespace.
func NewPrometheusExporter(collector *PipelineMetricsCollector, namespace string) (*PrometheusExporter, error) {
	e := &PrometheusExporter{
		collector: collector,
		registry:  prometheus.NewRegistry(),
		descDecodeAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "decode_attempts_total"),
			"Total J1939 decode attempts", []string{"pgn", "source"}, nil),
		descDecodeFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "decode_failures_total"),
			"Decode attempts that failed range validation or PGN lookup", []string{"pgn", "source"}, nil),
		descDecodeLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "decode_latency_seconds_avg"),
			"Mean decode latency per PGN", []string{"pgn"}, nil),
		descHandlerDispatch: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "handler_dispatches_total"),
			"Total handler dispatch passes", []string{"handler"}, nil),
		descHandlerItems: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "handler_items_total"),
			"Messages processed by handlers", []string{"handler", "result"}, nil),
		descEvents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pipeline_events_total"),
			"Occurrences of named pipeline events", []string{"event"}, nil),
	}
	if err := e.registry.Register(e); err != nil {
		return nil, err
	}
	e.handler = promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
	return e, nil
}

// Describe implements prometheus.Collector.
func (e *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.descDecodeAttempts
	ch <- e.descDecodeFailures
	ch <- e.descDecodeLatency
	ch <- e.descHandlerDispatch
	ch <- e.descHandlerItems
	ch <- e.descEvents
}

// Collect implements prometheus.Collector: one snapshot per scrape.
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.collector.Snapshot()
	for i := range snap.PGNs {
		p := &snap.PGNs[i]
		pgnLabel := strconv.FormatUint(uint64(p.PGN), 10)
		for _, s := range p.PerSource {
			srcLabel := strconv.FormatUint(uint64(s.SourceAddress), 10)
			ch <- prometheus.MustNewConstMetric(e.descDecodeAttempts, prometheus.CounterValue,
				float64(s.Attempts), pgnLabel, srcLabel)
			ch <- prometheus.MustNewConstMetric(e.descDecodeFailures, prometheus.CounterValue,
				float64(s.Failures), pgnLabel, srcLabel)
		}
		ch <- prometheus.MustNewConstMetric(e.descDecodeLatency, prometheus.GaugeValue,
			p.AvgLatency().Seconds(), pgnLabel)
	}
	for i := range snap.Handlers {
		h := &snap.Handlers[i]
		ch <- prometheus.MustNewConstMetric(e.descHandlerDispatch, prometheus.CounterValue,
			float64(h.Dispatches), h.Name)
		ch <- prometheus.MustNewConstMetric(e.descHandlerItems, prometheus.CounterValue,
			float64(h.SuccessfulItems), h.Name, "success")
		ch <- prometheus.MustNewConstMetric(e.descHandlerItems, prometheus.CounterValue,
			float64(h.Items-h.SuccessfulItems), h.Name, "failed")
	}
	for i := range snap.Events {
		ev := &snap.Events[i]
		ch <- prometheus.MustNewConstMetric(e.descEvents, prometheus.CounterValue,
			float64(ev.Occurrences), ev.Name)
	}
}

// GetMetricsHandler returns the HTTP handler for the exporter's registry.
func (e *PrometheusExporter) GetMetricsHandler() http.Handler { return e.handler }

// Tracer wraps an OpenTelemetry tracer provider with span helpers carrying
// typed CAN attributes. The provider is owned, not installed globally:
// callers inject the Tracer where they want spans.
type Tracer struct {
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracer builds a Tracer with service/environment resource attributes.
func NewTracer(serviceName, environment string) *Tracer {
	tp := trace.NewTracerProvider(
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	return &Tracer{provider: tp, tracer: tp.Tracer("fieldbus/monitoring")}
}

// StartDecode opens a span for decoding one frame.
func (t *Tracer) StartDecode(ctx context.Context, pgn uint32, sourceAddress uint8) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "j1939.decode", oteltrace.WithAttributes(
		attribute.Int64("can.pgn", int64(pgn)),
		attribute.Int64("can.source_address", int64(sourceAddress)),
	))
}

// StartDispatch opens a span for one handler dispatch pass.
func (t *Tracer) StartDispatch(ctx context.Context, handler string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "canbus.dispatch", oteltrace.WithAttributes(
		attribute.String("can.handler", handler),
	))
}

// StartFlush opens a span for one batch write.
func (t *Tracer) StartFlush(ctx context.Context, batchSize int) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "buffer.flush", oteltrace.WithAttributes(
		attribute.Int("batch.size", batchSize),
	))
}

// End closes a span, recording err as the span status when non-nil.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes and stops the underlying tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// PipelineMonitoring composes the collector, exporter, tracer, and the
// telemetry/health readiness rollup behind one handle for the composition
// root.
type PipelineMonitoring struct {
	Collector *PipelineMetricsCollector
	Exporter  *PrometheusExporter
	Tracer    *Tracer

	readiness *health.Evaluator
}

// NewPipelineMonitoring wires a fresh collector/exporter/tracer. readiness
// may be nil when the caller has no probes to roll up.
func NewPipelineMonitoring(namespace, serviceName, environment string, readiness *health.Evaluator) (*PipelineMonitoring, error) {
	collector := NewPipelineMetricsCollector()
	exporter, err := NewPrometheusExporter(collector, namespace)
	if err != nil {
		return nil, err
	}
	return &PipelineMonitoring{
		Collector: collector,
		Exporter:  exporter,
		Tracer:    NewTracer(serviceName, environment),
		readiness: readiness,
	}, nil
}

// ObserveDecode runs decodeFunc under a decode span, timing it and feeding
// the outcome into the collector. The error is returned unchanged.
func (pm *PipelineMonitoring) ObserveDecode(ctx context.Context, pgn uint32, sourceAddress uint8, decodeFunc func(ctx context.Context) error) error {
	spanCtx, span := pm.Tracer.StartDecode(ctx, pgn, sourceAddress)
	start := time.Now()
	err := decodeFunc(spanCtx)
	pm.Collector.RecordDecodeAttempt(pgn, sourceAddress, time.Since(start), err == nil)
	End(span, err)
	return err
}

// ObserveDispatch runs dispatchFunc under a dispatch span; dispatchFunc
// reports how many items it processed and how many succeeded.
func (pm *PipelineMonitoring) ObserveDispatch(ctx context.Context, handler string, dispatchFunc func(ctx context.Context) (items, successful int, err error)) error {
	spanCtx, span := pm.Tracer.StartDispatch(ctx, handler)
	start := time.Now()
	items, successful, err := dispatchFunc(spanCtx)
	pm.Collector.RecordHandlerDispatch(handler, time.Since(start), items, successful)
	End(span, err)
	return err
}

// Event records a named pipeline event on the collector.
func (pm *PipelineMonitoring) Event(name string, value int, fields map[string]any) {
	pm.Collector.RecordPipelineEvent(name, value, fields)
}

// Readiness evaluates the wired health rollup; with none wired it reports
// healthy.
func (pm *PipelineMonitoring) Readiness(ctx context.Context) health.Snapshot {
	if pm.readiness == nil {
		return health.Snapshot{Overall: health.StatusHealthy, EvaluatedAt: time.Now()}
	}
	return pm.readiness.Evaluate(ctx)
}

// MetricsHandler exposes the exporter's scrape endpoint.
func (pm *PipelineMonitoring) MetricsHandler() http.Handler {
	return pm.Exporter.GetMetricsHandler()
}

// Shutdown stops the tracer provider.
func (pm *PipelineMonitoring) Shutdown(ctx context.Context) error {
	return pm.Tracer.Shutdown(ctx)
}
