// Package tokenusage implements the token-usage accounting store: an
// append-only log of (agent, task, tokens, model, time) with non-blocking
// async writes and synchronous range queries/retention pruning. Writes go
// through a bounded queue and a fixed worker pool so Log never blocks on a
// database round trip on the caller's own goroutine.
package tokenusage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dderyldowney/afs-fieldbus/dbpool"
)

// Record is one persisted token-usage entry.
type Record struct {
	ID         string `gorm:"primaryKey"`
	AgentID    string `gorm:"index:idx_token_agent_ts,priority:1"`
	TaskID     string
	TokensUsed float64
	ModelName  string
	Timestamp  time.Time `gorm:"index:idx_token_agent_ts,priority:2"`
}

func (Record) TableName() string { return "token_usage" }

// defaultQueueSize and defaultWorkers size the async-logging worker pool;
// token log writes are small, so a handful of workers keeps up with bursty
// producers.
const (
	defaultQueueSize = 1000
	defaultWorkers   = 4
)

// Config controls the async logging worker pool.
type Config struct {
	QueueSize int
	Workers   int
}

func defaultsConfig() Config {
	return Config{QueueSize: defaultQueueSize, Workers: defaultWorkers}
}

// Store is the token-usage accounting store.
type Store struct {
	pool    *dbpool.Pool
	logger  *slog.Logger
	workers int

	queue chan Record

	// pending counts records enqueued but not yet durable; Query and Prune
	// wait for it to reach zero so a log is never invisible to the query
	// that follows it.
	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int

	insertFailures int64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Store backed by pool, whose models must already include
// Record (callers pass &Record{} to dbpool.Open's AutoMigrate list).
func New(pool *dbpool.Pool, cfg Config, logger *slog.Logger) *Store {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		pool:    pool,
		logger:  logger,
		workers: cfg.Workers,
		queue:   make(chan Record, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.pendingCond = sync.NewCond(&s.pendingMu)
	return s
}

// NewIsolated opens a dedicated pool against dsn and returns a ready Store,
// for parallel-safe integration tests that each need their own isolated
// database. The returned Store is already started; Stop halts its workers
// but does not shut down the pool it opened.
func NewIsolated(dialect, dsn string) (*Store, error) {
	cfg := dbpool.Defaults()
	cfg.Dialect = dialect
	cfg.DSN = dsn
	pool, err := dbpool.Open(cfg, &Record{})
	if err != nil {
		return nil, fmt.Errorf("tokenusage: isolated store: %w", err)
	}
	store := New(pool, defaultsConfig(), nil)
	store.Start(context.Background())
	return store, nil
}

// Start launches the background log workers. Idempotent.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go func() { s.wg.Wait(); close(s.doneCh) }()
}

// Stop drains the queue and waits for workers to exit, up to timeout.
func (s *Store) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(timeout):
		s.logger.Warn("tokenusage: stop timed out with pending records")
	}
}

func (s *Store) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drain(ctx)
			return
		case <-ctx.Done():
			s.drain(ctx)
			return
		case rec := <-s.queue:
			s.insert(ctx, rec)
		}
	}
}

func (s *Store) drain(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			s.insert(ctx, rec)
		default:
			return
		}
	}
}

func (s *Store) insert(ctx context.Context, rec Record) {
	err := s.pool.WithSession(ctx, func(db *gorm.DB) error {
		return db.Create(&rec).Error
	})
	if err != nil {
		atomic.AddInt64(&s.insertFailures, 1)
		s.logger.Error("token usage insert failed", "error", err, "agent_id", rec.AgentID)
	}
	s.markDone()
}

func (s *Store) markPending() {
	s.pendingMu.Lock()
	s.pending++
	s.pendingMu.Unlock()
}

func (s *Store) markDone() {
	s.pendingMu.Lock()
	s.pending--
	if s.pending == 0 {
		s.pendingCond.Broadcast()
	}
	s.pendingMu.Unlock()
}

// barrier blocks until every record enqueued before the call is durable (or
// its insert has failed and been counted).
func (s *Store) barrier() {
	s.pendingMu.Lock()
	for s.pending > 0 {
		s.pendingCond.Wait()
	}
	s.pendingMu.Unlock()
}

// InsertFailures reports how many async inserts have failed since the store
// was constructed.
func (s *Store) InsertFailures() int64 {
	return atomic.LoadInt64(&s.insertFailures)
}

// Log appends one record, assigning a UUID and defaulting timestamp to now
// if zero. It returns as soon as the record is enqueued to a worker — the
// caller never waits on the database round trip. A Query issued after Log
// returns still observes the record: Query barriers on pending writes.
func (s *Store) Log(ctx context.Context, agentID, taskID string, tokensUsed float64, modelName string, timestamp time.Time) (Record, error) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	rec := Record{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		TaskID:     taskID,
		TokensUsed: tokensUsed,
		ModelName:  modelName,
		Timestamp:  timestamp,
	}

	s.markPending()
	select {
	case s.queue <- rec:
		return rec, nil
	case <-ctx.Done():
		s.markDone()
		return Record{}, ctx.Err()
	}
}

// Query describes a token-usage range/filter request.
type Query struct {
	AgentID   string
	TaskID    string
	StartTime *time.Time
	EndTime   *time.Time
}

// Query returns matching records ordered by timestamp ascending. It first
// waits for every previously enqueued Log to become durable, so no record is
// ever partially visible: either the full row is queryable or it is not.
func (s *Store) Query(ctx context.Context, q Query) ([]Record, error) {
	s.barrier()
	var rows []Record
	err := s.pool.WithSession(ctx, func(db *gorm.DB) error {
		tx := db.WithContext(ctx).Order("timestamp ASC")
		if q.AgentID != "" {
			tx = tx.Where("agent_id = ?", q.AgentID)
		}
		if q.TaskID != "" {
			tx = tx.Where("task_id = ?", q.TaskID)
		}
		if q.StartTime != nil {
			tx = tx.Where("timestamp >= ?", *q.StartTime)
		}
		if q.EndTime != nil {
			tx = tx.Where("timestamp <= ?", *q.EndTime)
		}
		return tx.Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("tokenusage: query: %w", err)
	}
	return rows, nil
}

// Prune deletes records older than now - daysToKeep, after waiting for
// pending writes to settle so an in-flight stale record cannot slip past the
// cutoff.
func (s *Store) Prune(ctx context.Context, now time.Time, daysToKeep int) (int64, error) {
	s.barrier()
	cutoff := now.AddDate(0, 0, -daysToKeep)
	var deleted int64
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff).Delete(&Record{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tokenusage: prune: %w", err)
	}
	return deleted, nil
}
