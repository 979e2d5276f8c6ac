package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dderyldowney/afs-fieldbus/buffer"
	"github.com/dderyldowney/afs-fieldbus/canbus"
	"github.com/dderyldowney/afs-fieldbus/config"
	"github.com/dderyldowney/afs-fieldbus/dbpool"
	"github.com/dderyldowney/afs-fieldbus/j1939"
	"github.com/dderyldowney/afs-fieldbus/monitoring"
	"github.com/dderyldowney/afs-fieldbus/platform"
	"github.com/dderyldowney/afs-fieldbus/telemetry/events"
	"github.com/dderyldowney/afs-fieldbus/telemetry/health"
	"github.com/dderyldowney/afs-fieldbus/telemetry/logging"
	"github.com/dderyldowney/afs-fieldbus/telemetry/metrics"
	"github.com/dderyldowney/afs-fieldbus/telemetry/tracing"
	"github.com/dderyldowney/afs-fieldbus/timeseries"
	"github.com/dderyldowney/afs-fieldbus/tokenusage"
	"github.com/dderyldowney/afs-fieldbus/transport"
)

var (
	serveLogFormat   string
	serveMetricsAddr string
)

// statusInterval paces the background rollup that records buffer status on
// the metrics collector and publishes non-healthy readiness onto the event
// bus.
const statusInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to a CAN bus, decode J1939 traffic, and persist it",
	Long: `serve resolves a bus interface for the host platform, connects, and
runs the receive loop: every decoded frame is buffered, batched, and written
to PostgreSQL (or SQLite) through the timeseries store. Ctrl+C (or SIGTERM)
drains the buffer and closes the pool before exiting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "log output format: text or json")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (empty disables)")
}

func newServeLogger() *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if serveLogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "fieldbusd")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newServeLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pgnWatcher, err := config.NewPGNWatcher(cfg.AgriculturalPGNsPath, j1939.DefaultSpecs(), logger)
	if err != nil {
		return fmt.Errorf("load pgn table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pgnWatcher.Watch(ctx); err != nil {
		return fmt.Errorf("watch pgn table: %w", err)
	}
	defer pgnWatcher.Close()

	dialect, dsn := cfg.Dialect()
	models := append(timeseries.AllModels(), &tokenusage.Record{})

	poolCfg := dbpool.Defaults()
	poolCfg.DSN = dsn
	poolCfg.Dialect = dialect
	poolCfg.MaxConnections = cfg.MaxConnections
	poolCfg.MinConnections = cfg.MinConnections
	poolCfg.PoolTimeout = cfg.PoolTimeout
	poolCfg.PoolRecycle = cfg.PoolRecycle
	poolCfg.PoolPrePing = cfg.PoolPrePing
	poolCfg.HealthCheckInterval = cfg.HealthCheckInterval

	pool, err := dbpool.Open(poolCfg, models...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	pool.Start(ctx)
	defer func() { _ = pool.Shutdown(context.Background()) }()

	store := timeseries.NewStore(pool, dialect)
	if dialect == "postgres" {
		if err := store.EnsureHypertables(ctx); err != nil {
			logger.Warn("ensure hypertables failed, continuing without compression policy", "error", err)
		}
	}

	usage := tokenusage.New(pool, tokenusage.Config{}, logger)
	usage.Start(ctx)
	defer usage.Stop(cfg.PoolTimeout)

	// Pipeline observability: one collector feeding a Prometheus exporter,
	// an event bus whose delivery counters ride the Provider, and a
	// correlated logger for the batch-write path.
	collector := monitoring.NewPipelineMetricsCollector()
	promExporter, err := monitoring.NewPrometheusExporter(collector, "afs_fieldbus")
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	bus := events.NewBus(provider)
	tracer := tracing.NewTracer(true)
	corrLog := logging.New(logger)

	eventSub, err := bus.Subscribe(128)
	if err != nil {
		return fmt.Errorf("subscribe to event bus: %w", err)
	}
	go func() {
		for ev := range eventSub.C() {
			logger.Info("pipeline event",
				"category", ev.Category, "type", ev.Type, "severity", ev.Severity,
				"trace_id", ev.TraceID)
		}
	}()
	defer eventSub.Close()

	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promExporter.GetMetricsHandler())
		mux.Handle("/metrics/events", provider.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(serveMetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err, "addr", serveMetricsAddr)
			}
		}()
		logger.Info("metrics exposed", "addr", serveMetricsAddr)
	}

	selector := platform.NewSelector(nil)
	resolution, err := selector.Select(cfg.PreferredInterface, cfg.PreferredChannel, cfg.AllowFallback)
	if err != nil {
		return fmt.Errorf("select bus interface: %w", err)
	}
	logger.Info("resolved bus interface",
		"family", resolution.Family, "interface", resolution.Interface,
		"channel", resolution.Channel, "fallback", resolution.Fallback)

	driver, err := transport.New(resolution.Interface)
	if err != nil {
		return fmt.Errorf("construct driver: %w", err)
	}

	manager := canbus.New(driver, pgnWatcher.Table(), logger)
	manager.SetInterfaceName(resolution.Interface)
	if err := manager.Connect(resolution.Channel); err != nil {
		return fmt.Errorf("connect to %s/%s: %w", resolution.Interface, resolution.Channel, err)
	}
	_ = bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryCAN, Type: "connected", Severity: "info",
		Labels: map[string]string{"interface": resolution.Interface, "channel": resolution.Channel},
	})

	bufCfg := buffer.Defaults()
	bufCfg.BatchSize = cfg.BatchSize
	bufCfg.MaxBuffer = cfg.MaxBuffer
	msgBuffer := buffer.New(bufCfg, func(fctx context.Context, batch []buffer.Message) error {
		fctx, span := tracer.StartSpan(fctx, "write_batch")
		defer span.End()
		span.SetAttribute("batch_size", len(batch))
		if err := store.WriteBatch(fctx, batch); err != nil {
			corrLog.ErrorCtx(fctx, "batch write failed", "error", err, "batch_size", len(batch))
			return err
		}
		return nil
	})
	msgBuffer.Start(ctx)

	manager.SetFrameSink(func(frame transport.Frame, decoded *j1939.DecodedMessage) {
		ident := j1939.DecomposeIdentifier(frame.ArbitrationID)
		collector.RecordDecodeAttempt(ident.PGN, ident.SourceAddress, 0, decoded != nil)
		if decoded == nil {
			_ = bus.PublishCtx(ctx, events.Event{
				Category: events.CategoryCodec, Type: "decode_failed", Severity: "warn",
				Labels: map[string]string{"interface": resolution.Channel},
			})
		}
		msgBuffer.Enqueue(buffer.Message{
			Raw:           frame,
			Decoded:       decoded,
			ReceptionTime: frame.Timestamp,
			InterfaceID:   resolution.Channel,
		})
	})
	manager.StartReceiving(ctx, nil)

	readiness := health.NewEvaluator(statusInterval,
		func(context.Context) health.ProbeResult {
			switch pool.GetPoolStatus().Health {
			case dbpool.StatusHealthy:
				return health.Healthy("dbpool")
			case dbpool.StatusDegraded:
				return health.Degraded("dbpool")
			default:
				return health.Unhealthy("dbpool", string(pool.GetPoolStatus().Health))
			}
		},
		func(context.Context) health.ProbeResult {
			if manager.Status().IsRunning {
				return health.Healthy("canbus")
			}
			return health.Degraded("canbus", "receive loop not running")
		},
		func(context.Context) health.ProbeResult {
			if usage.InsertFailures() > 0 {
				return health.Degraded("tokenusage", "async inserts have failed")
			}
			return health.Healthy("tokenusage")
		},
	)
	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.RecordPipelineEvent("buffer_status", int(msgBuffer.FlushedBatchCount()), map[string]interface{}{
					"backlog":  msgBuffer.Len(),
					"dropped":  msgBuffer.DroppedCount(),
					"shedding": msgBuffer.Shedding(),
				})
				snap := readiness.Evaluate(ctx)
				if snap.Overall != health.StatusHealthy {
					_ = bus.PublishCtx(ctx, events.Event{
						Category: events.CategoryHealth, Type: string(snap.Overall), Severity: "warn",
					})
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("fieldbusd running, press Ctrl+C to stop")
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, draining")

	manager.StopReceiving()
	_ = manager.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.PoolTimeout)
	defer shutdownCancel()
	if err := msgBuffer.Shutdown(shutdownCtx); err != nil {
		logger.Error("final buffer flush failed", "error", err)
	}

	cancel()
	logger.Info("fieldbusd stopped")
	return nil
}
