package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dderyldowney/afs-fieldbus/telemetry/health"
)

func TestCollectorDecodeStats(t *testing.T) {
	c := NewPipelineMetricsCollector()

	c.RecordDecodeAttempt(61444, 0x00, 50*time.Microsecond, true)
	c.RecordDecodeAttempt(61444, 0x01, 30*time.Microsecond, true)
	c.RecordDecodeAttempt(61444, 0x01, 20*time.Microsecond, false)
	c.RecordDecodeAttempt(61443, 0x00, 200*time.Microsecond, false)

	snap := c.Snapshot()
	require.Len(t, snap.PGNs, 2)

	eec1 := snap.PGN(61444)
	require.NotNil(t, eec1)
	assert.Equal(t, int64(3), eec1.Attempts)
	assert.Equal(t, int64(2), eec1.Successes)
	assert.Equal(t, int64(1), eec1.Failures)
	assert.InDelta(t, 2.0/3.0, eec1.SuccessRate(), 1e-9)
	assert.Greater(t, eec1.AvgLatency(), time.Duration(0))

	require.Len(t, eec1.PerSource, 2)
	src1 := eec1.PerSource[0x01]
	require.NotNil(t, src1)
	assert.Equal(t, int64(2), src1.Attempts)
	assert.Equal(t, int64(1), src1.Failures)
	assert.False(t, src1.LastSeen.IsZero())

	eec2 := snap.PGN(61443)
	require.NotNil(t, eec2)
	assert.Equal(t, float64(0), eec2.SuccessRate())
}

func TestCollectorHandlerStats(t *testing.T) {
	c := NewPipelineMetricsCollector()

	c.RecordHandlerDispatch("buffer_sink", 2*time.Millisecond, 100, 95)
	c.RecordHandlerDispatch("buffer_sink", time.Millisecond, 80, 76)
	c.RecordHandlerDispatch("diagnostic_logger", 100*time.Microsecond, 200, 190)

	snap := c.Snapshot()
	require.Len(t, snap.Handlers, 2)

	sink := snap.Handler("buffer_sink")
	require.NotNil(t, sink)
	assert.Equal(t, int64(2), sink.Dispatches)
	assert.Equal(t, int64(180), sink.Items)
	assert.Equal(t, int64(171), sink.SuccessfulItems)
	assert.False(t, sink.LastDispatch.IsZero())
}

func TestCollectorEventStats(t *testing.T) {
	c := NewPipelineMetricsCollector()

	c.RecordPipelineEvent("batch_flushed", 150, map[string]any{"trigger": "batch_size"})
	c.RecordPipelineEvent("batch_flushed", 90, map[string]any{"trigger": "timer"})
	c.RecordPipelineEvent("shed_mode_entered", 1, nil)

	snap := c.Snapshot()
	require.Len(t, snap.Events, 2)

	flushed := snap.Event("batch_flushed")
	require.NotNil(t, flushed)
	assert.Equal(t, int64(2), flushed.Occurrences)
	assert.Equal(t, 90, flushed.LastValue)
	assert.Equal(t, "timer", flushed.LastFields["trigger"])
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	c := NewPipelineMetricsCollector()
	c.RecordDecodeAttempt(61444, 0x23, time.Microsecond, true)

	snap := c.Snapshot()
	c.RecordDecodeAttempt(61444, 0x23, time.Microsecond, true)

	assert.Equal(t, int64(1), snap.PGN(61444).Attempts)
	snap2 := c.Snapshot()
	assert.Equal(t, int64(2), snap2.PGN(61444).Attempts)
}

func TestCollectorConcurrentRecording(t *testing.T) {
	c := NewPipelineMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordDecodeAttempt(61444, uint8(i%4), time.Microsecond, i%2 == 0)
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(100), snap.PGN(61444).Attempts)
}

func TestPrometheusExporterScrape(t *testing.T) {
	c := NewPipelineMetricsCollector()
	c.RecordDecodeAttempt(61444, 0x00, 100*time.Microsecond, true)
	c.RecordDecodeAttempt(61444, 0x00, 100*time.Microsecond, false)
	c.RecordHandlerDispatch("buffer_sink", time.Millisecond, 10, 9)
	c.RecordPipelineEvent("emergency_stop", 1, nil)

	exporter, err := NewPrometheusExporter(c, "afs_fieldbus")
	require.NoError(t, err)

	scrape := func() string {
		req := httptest.NewRequest("GET", "/metrics", nil)
		rr := httptest.NewRecorder()
		exporter.GetMetricsHandler().ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		return rr.Body.String()
	}

	body := scrape()
	assert.Contains(t, body, `afs_fieldbus_decode_attempts_total{pgn="61444",source="0"} 2`)
	assert.Contains(t, body, `afs_fieldbus_decode_failures_total{pgn="61444",source="0"} 1`)
	assert.Contains(t, body, `afs_fieldbus_handler_dispatches_total{handler="buffer_sink"} 1`)
	assert.Contains(t, body, `afs_fieldbus_handler_items_total{handler="buffer_sink",result="success"} 9`)
	assert.Contains(t, body, `afs_fieldbus_pipeline_events_total{event="emergency_stop"} 1`)

	// Constant-metric export: a second scrape with no new recordings must
	// report identical counts, not doubled ones.
	assert.Contains(t, scrape(), `afs_fieldbus_decode_attempts_total{pgn="61444",source="0"} 2`)
}

func TestTracerEndWithAndWithoutError(t *testing.T) {
	tracer := NewTracer("fieldbusd-test", "test")
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	_, span := tracer.StartDecode(context.Background(), 61444, 0x23)
	End(span, nil)

	_, span = tracer.StartFlush(context.Background(), 500)
	End(span, errors.New("write failed"))
}

func TestPipelineMonitoringObserveDecode(t *testing.T) {
	pm, err := NewPipelineMonitoring("afs_fieldbus", "fieldbusd-test", "test", nil)
	require.NoError(t, err)
	defer func() { _ = pm.Shutdown(context.Background()) }()

	require.NoError(t, pm.ObserveDecode(context.Background(), 61444, 0x23, func(ctx context.Context) error {
		return nil
	}))
	decodeErr := errors.New("spn out of range")
	assert.ErrorIs(t, pm.ObserveDecode(context.Background(), 61444, 0x23, func(ctx context.Context) error {
		return decodeErr
	}), decodeErr)

	snap := pm.Collector.Snapshot()
	stats := snap.PGN(61444)
	require.NotNil(t, stats)
	assert.Equal(t, int64(2), stats.Attempts)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestPipelineMonitoringObserveDispatch(t *testing.T) {
	pm, err := NewPipelineMonitoring("afs_fieldbus", "fieldbusd-test", "test", nil)
	require.NoError(t, err)
	defer func() { _ = pm.Shutdown(context.Background()) }()

	require.NoError(t, pm.ObserveDispatch(context.Background(), "buffer_sink", func(ctx context.Context) (int, int, error) {
		return 50, 48, nil
	}))

	snap := pm.Collector.Snapshot()
	sink := snap.Handler("buffer_sink")
	require.NotNil(t, sink)
	assert.Equal(t, int64(50), sink.Items)
	assert.Equal(t, int64(48), sink.SuccessfulItems)
}

func TestPipelineMonitoringReadiness(t *testing.T) {
	pm, err := NewPipelineMonitoring("afs_fieldbus", "fieldbusd-test", "test", nil)
	require.NoError(t, err)
	defer func() { _ = pm.Shutdown(context.Background()) }()
	assert.Equal(t, health.StatusHealthy, pm.Readiness(context.Background()).Overall)

	degraded := health.NewEvaluator(0, func(ctx context.Context) health.ProbeResult {
		return health.Degraded("dbpool", "slow queries")
	})
	pm2, err := NewPipelineMonitoring("afs_fieldbus2", "fieldbusd-test", "test", degraded)
	require.NoError(t, err)
	defer func() { _ = pm2.Shutdown(context.Background()) }()
	assert.Equal(t, health.StatusDegraded, pm2.Readiness(context.Background()).Overall)
}
