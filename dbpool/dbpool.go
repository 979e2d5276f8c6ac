// Package dbpool implements the connection pool and health monitor: scoped
// session acquisition with guaranteed release, pool metrics, and a
// background health probe that escalates through
// Healthy/Degraded/Unhealthy/Reconnecting.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Sentinel errors returned by this package.
var (
	ErrPoolExhausted = errors.New("dbpool: no session available before pool_timeout")
	ErrPoolTimeout   = ErrPoolExhausted
	ErrPoolUnhealthy = errors.New("dbpool: pool is unhealthy")
)

// Config is the typed pool configuration.
type Config struct {
	DSN                 string
	Dialect             string // "postgres" or "sqlite"
	MaxConnections      int
	MinConnections      int
	PoolTimeout         time.Duration
	PoolRecycle         time.Duration
	PoolPrePing         bool
	HealthCheckInterval time.Duration
}

// Defaults returns a conservative pool configuration (absent an explicit
// DSN, which the caller must always supply).
func Defaults() Config {
	return Config{
		Dialect:             "sqlite",
		MaxConnections:      10,
		MinConnections:      1,
		PoolTimeout:         30 * time.Second,
		PoolRecycle:         30 * time.Minute,
		PoolPrePing:         true,
		HealthCheckInterval: 60 * time.Second,
	}
}

// Metrics tracks per-pool counters.
type Metrics struct {
	TotalQueries           int64
	SlowQueries            int64
	ConnectionAcquisitions int64
	ConnectionFailures     int64
	totalQueryNanos        int64
}

// AvgQueryTime returns the mean query duration observed so far.
func (m *Metrics) AvgQueryTime() time.Duration {
	total := atomic.LoadInt64(&m.TotalQueries)
	if total == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.totalQueryNanos) / total)
}

const slowQueryThreshold = time.Second

// Pool wraps a *gorm.DB with bounded concurrent session acquisition (a
// channel-of-struct{} semaphore of MaxConnections slots) and a background
// health monitor.
type Pool struct {
	db      *gorm.DB
	cfg     Config
	slots   chan struct{}
	metrics Metrics

	mu     sync.Mutex
	health *Evaluator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a bounded pool around an already-opened *gorm.DB. It neither
// opens the database nor migrates models; Open is the DSN-based constructor
// that does both and then calls New.
func New(db *gorm.DB, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = Defaults().MaxConnections
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = Defaults().PoolTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = Defaults().HealthCheckInterval
	}
	p := &Pool{db: db, cfg: cfg, slots: make(chan struct{}, cfg.MaxConnections)}
	p.health = NewEvaluator(cfg.HealthCheckInterval, p.probe)
	return p
}

// Open constructs the underlying *gorm.DB for the given DSN/dialect, runs
// AutoMigrate against models, and wraps it in a Pool.
func Open(cfg Config, models ...any) (*Pool, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("dbpool: unsupported dialect %q", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("dbpool: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MinConnections)
	if cfg.PoolRecycle > 0 {
		sqlDB.SetConnMaxLifetime(cfg.PoolRecycle)
	}

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("dbpool: automigrate: %w", err)
		}
	}

	return New(db, cfg), nil
}

// Start begins the background health probe timer.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.health.Run(loopCtx)
	}()
}

// Shutdown stops the health monitor, waits for in-flight sessions up to
// PoolTimeout, then force-closes the underlying connection: in-flight
// sessions are given up to PoolTimeout to return before the pool
// force-disposes.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}

	drained := make(chan struct{})
	go func() {
		for i := 0; i < cap(p.slots); i++ {
			p.slots <- struct{}{}
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.cfg.PoolTimeout):
	}

	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("dbpool: shutdown: %w", err)
	}
	return sqlDB.Close()
}

// acquire takes one semaphore slot, blocking up to PoolTimeout.
func (p *Pool) acquire(ctx context.Context) error {
	atomic.AddInt64(&p.metrics.ConnectionAcquisitions, 1)
	timer := time.NewTimer(p.cfg.PoolTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.ConnectionFailures, 1)
		return ctx.Err()
	case <-timer.C:
		atomic.AddInt64(&p.metrics.ConnectionFailures, 1)
		return ErrPoolTimeout
	}
}

func (p *Pool) release() { <-p.slots }

// WithSession acquires a scoped session slot, runs fn against the shared
// *gorm.DB, and releases the slot on every exit path. GORM's connection pool
// (via database/sql) handles the actual physical connection; this semaphore
// bounds logical concurrent callers to MaxConnections. With PoolPrePing set,
// the session is pinged before fn runs so a dead connection surfaces as a
// pool error rather than a mid-query fault.
func (p *Pool) WithSession(ctx context.Context, fn func(db *gorm.DB) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	if p.cfg.PoolPrePing {
		sqlDB, err := p.db.DB()
		if err != nil {
			return fmt.Errorf("dbpool: pre-ping: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			atomic.AddInt64(&p.metrics.ConnectionFailures, 1)
			return fmt.Errorf("dbpool: pre-ping: %w", err)
		}
	}

	start := time.Now()
	err := fn(p.db.WithContext(ctx))
	p.recordQuery(time.Since(start))
	return err
}

// WithTransaction is WithSession plus a GORM transaction: on any error the
// transaction rolls back and the error propagates; on success it commits.
func (p *Pool) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.WithSession(ctx, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

func (p *Pool) recordQuery(d time.Duration) {
	atomic.AddInt64(&p.metrics.TotalQueries, 1)
	atomic.AddInt64(&p.metrics.totalQueryNanos, d.Nanoseconds())
	if d > slowQueryThreshold {
		atomic.AddInt64(&p.metrics.SlowQueries, 1)
	}
}

// Status is a snapshot of pool health and usage counters.
type Status struct {
	Health                 HealthState
	InFlight               int
	MaxConnections         int
	TotalQueries           int64
	SlowQueries            int64
	AvgQueryTime           time.Duration
	ConnectionAcquisitions int64
	ConnectionFailures     int64
}

// GetPoolStatus returns a full status snapshot.
func (p *Pool) GetPoolStatus() Status {
	return Status{
		Health:                 p.health.Current(),
		InFlight:               len(p.slots),
		MaxConnections:         cap(p.slots),
		TotalQueries:           atomic.LoadInt64(&p.metrics.TotalQueries),
		SlowQueries:            atomic.LoadInt64(&p.metrics.SlowQueries),
		AvgQueryTime:           p.metrics.AvgQueryTime(),
		ConnectionAcquisitions: atomic.LoadInt64(&p.metrics.ConnectionAcquisitions),
		ConnectionFailures:     atomic.LoadInt64(&p.metrics.ConnectionFailures),
	}
}

// probe is the liveness check the health monitor runs on each tick: `SELECT
// 1` through one session.
func (p *Pool) probe(ctx context.Context) error {
	return p.WithSession(ctx, func(db *gorm.DB) error {
		return db.Exec("SELECT 1").Error
	})
}

// DB exposes the underlying *gorm.DB for callers (like timeseries.Store)
// that need direct model access outside the semaphore (e.g. AutoMigrate at
// startup, before the pool is under load).
func (p *Pool) DB() *gorm.DB { return p.db }
