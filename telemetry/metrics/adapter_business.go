package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/dderyldowney/afs-fieldbus/monitoring"
)

// PipelineCollectorAdapter exposes monitoring.PipelineMetricsCollector data
// through a Provider without re-registering monitoring's own
// PrometheusExporter metrics, so callers who only want the Provider-shaped
// instruments (e.g. to bridge into an OTel pipeline) can get at the same
// underlying counts.
type PipelineCollectorAdapter struct {
	collector *monitoring.PipelineMetricsCollector
	prov      Provider

	decodeCounter   Counter // labels: pgn, source, status (success|failed)
	dispatchCounter Counter // labels: handler
	eventCounter    Counter // labels: event_type

	// Sync applies deltas against the previous snapshot, so it is safe to
	// call on every export cycle without over-counting.
	mu       sync.Mutex
	prev     map[string]int64
	lastSync time.Time
}

// NewPipelineCollectorAdapter constructs the adapter; returns nil if either
// argument is nil.
func NewPipelineCollectorAdapter(collector *monitoring.PipelineMetricsCollector, p Provider) *PipelineCollectorAdapter {
	if collector == nil || p == nil {
		return nil
	}
	adapter := &PipelineCollectorAdapter{collector: collector, prov: p, prev: make(map[string]int64)}
	adapter.decodeCounter = p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "afs_fieldbus", Subsystem: "pipeline", Name: "decode_attempts_total",
		Help: "Total number of SPN decode attempts", Labels: []string{"pgn", "source", "status"},
	}})
	adapter.dispatchCounter = p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "afs_fieldbus", Subsystem: "pipeline", Name: "handler_dispatches_total",
		Help: "Total number of canbus handler dispatches", Labels: []string{"handler"},
	}})
	adapter.eventCounter = p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "afs_fieldbus", Subsystem: "pipeline", Name: "pipeline_events_total",
		Help: "Total number of named pipeline events", Labels: []string{"event_type"},
	}})
	return adapter
}

// inc applies the delta between the collector's current total and the one
// seen on the previous sync; callers hold a.mu.
func (a *PipelineCollectorAdapter) inc(c Counter, key string, total int64, labels ...string) {
	if delta := total - a.prev[key]; delta > 0 {
		c.Inc(float64(delta), labels...)
		a.prev[key] = total
	}
}

// Sync snapshots the collector and applies new counts to the Provider's
// instruments. Safe to call repeatedly; only growth since the last Sync is
// added.
func (a *PipelineCollectorAdapter) Sync() {
	if a == nil || a.collector == nil {
		return
	}
	snap := a.collector.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range snap.PGNs {
		p := &snap.PGNs[i]
		pgnLabel := strconv.FormatUint(uint64(p.PGN), 10)
		for _, src := range p.PerSource {
			sourceLabel := strconv.FormatUint(uint64(src.SourceAddress), 10)
			key := "decode/" + pgnLabel + "/" + sourceLabel
			a.inc(a.decodeCounter, key+"/ok", src.Successes, pgnLabel, sourceLabel, "success")
			a.inc(a.decodeCounter, key+"/fail", src.Failures, pgnLabel, sourceLabel, "failed")
		}
	}
	for i := range snap.Handlers {
		h := &snap.Handlers[i]
		a.inc(a.dispatchCounter, "dispatch/"+h.Name, h.Dispatches, h.Name)
	}
	for i := range snap.Events {
		e := &snap.Events[i]
		a.inc(a.eventCounter, "event/"+e.Name, e.Occurrences, e.Name)
	}
	a.lastSync = snap.TakenAt
}
