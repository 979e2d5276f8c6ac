// Package tracing provides a minimal span/trace abstraction for correlating
// log lines and events without requiring a full OpenTelemetry SDK wiring.
// telemetry/metrics carries the heavier OTel/Prometheus bridge; this package
// is the lightweight, always-on correlation layer that logging and events
// enrich their output with.
//
// Spans form a context-propagated parent/child chain, identified by
// hex-encoded trace/span IDs, and are exported as a public package since
// logging and events both depend on it from outside any one component's
// internal tree.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Span is one unit of traced work.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext is the identifying/timing data for one span.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans, optionally as a no-op.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                       { return true }
func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(key string, value any) {}
func (noopSpan) Context() SpanContext               { return SpanContext{} }
func (noopSpan) IsEnded() bool                      { return true }

type simpleTracer struct{ enabled bool }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

// NewTracer returns a Tracer. When enabled is false every span is a no-op,
// for callers (tests, CLI one-shots) that want zero tracing overhead.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{enabled: true}
}

// NewAdaptiveTracer returns a Tracer whose sampling decision is delegated to
// percentFn, evaluated once per StartSpan call; percentFn returning <= 0
// yields a no-op span for that call, keeping hot paths cheap under load.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{policyFn: percentFn}
}

type adaptiveTracer struct{ policyFn func() float64 }

func (t *adaptiveTracer) Noop() bool { return false }

func (t *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if t.policyFn() <= 0 {
		return ctx, noopSpan{}
	}
	return simpleTracer{enabled: true}.StartSpan(ctx, name)
}

func (t simpleTracer) Noop() bool { return false }

func (t simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		ctx: SpanContext{
			TraceID:      traceID,
			SpanID:       newID(8),
			ParentSpanID: parent.ctx.SpanID,
			Start:        time.Now(),
		},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanContextKey{}, sp), sp
}

func (s *simpleSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.ctx.End = time.Now()
}

func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

func (s *simpleSpan) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanContextKey struct{}

// SpanFromContext returns the active span stashed in ctx, or a zero-value
// wrapper if none is present (its Context().TraceID/SpanID are empty).
func SpanFromContext(ctx context.Context) *simpleSpan {
	if sp, ok := ctx.Value(spanContextKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span IDs of the active span in ctx, or empty
// strings if there is none. logging and events use this to correlate output
// without taking a hard dependency on simpleSpan's internals.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	c := sp.Context()
	return c.TraceID, c.SpanID
}

func newID(n int) string {
	buf := make([]byte, n)
	if _, err := randcrypto.Read(buf); err != nil {
		// crypto/rand failure is effectively unreachable on supported
		// platforms; fall back to a time-derived id rather than panicking.
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
