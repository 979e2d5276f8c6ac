package dbpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newMemoryPool(t *testing.T, maxConns int, timeout time.Duration) *Pool {
	t.Helper()
	cfg := Defaults()
	cfg.Dialect = "sqlite"
	cfg.DSN = "file::memory:?cache=shared"
	cfg.MaxConnections = maxConns
	cfg.PoolTimeout = timeout
	pool, err := Open(cfg)
	require.NoError(t, err)
	return pool
}

// TestPoolExhaustion covers scenario S5: with max_connections=2,
// pool_timeout=100ms, 3 concurrent holders of 200ms, exactly one must time
// out and the other two must succeed.
func TestPoolExhaustion(t *testing.T) {
	pool := newMemoryPool(t, 2, 100*time.Millisecond)

	var timedOut, succeeded int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			err := pool.WithSession(context.Background(), func(db *gorm.DB) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolTimeout)
				atomic.AddInt32(&timedOut, 1)
			} else {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), timedOut)
	assert.Equal(t, int32(2), succeeded)
}

// TestPoolSafety covers property 6: under concurrent acquisitions exceeding
// MaxConnections, every acquirer returns with either a session or
// PoolTimeout, and no more than MaxConnections sessions are ever held at
// once.
func TestPoolSafety(t *testing.T) {
	pool := newMemoryPool(t, 2, 150*time.Millisecond)

	var inFlight, maxObserved int32
	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.WithSession(context.Background(), func(db *gorm.DB) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxObserved)
					if n <= prev || atomic.CompareAndSwapInt32(&maxObserved, prev, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2)
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolTimeout)
		}
	}
}

// TestHealthRecovery covers property 7: two consecutive probe failures
// transition Healthy -> Degraded -> Unhealthy; a subsequent success returns
// to Healthy.
func TestHealthRecovery(t *testing.T) {
	var fail int32 = 1
	probe := func(ctx context.Context) error {
		if atomic.LoadInt32(&fail) != 0 {
			return assert.AnError
		}
		return nil
	}
	ev := NewEvaluator(time.Hour, probe)
	assert.Equal(t, StatusHealthy, ev.Current())

	state := ev.Tick(context.Background())
	assert.Equal(t, StatusDegraded, state)

	state = ev.Tick(context.Background())
	assert.Equal(t, StatusUnhealthy, state)

	atomic.StoreInt32(&fail, 0)
	state = ev.Tick(context.Background())
	assert.Equal(t, StatusHealthy, state)
}

func TestHealthEvaluator_RebuildHookRunsOnUnhealthy(t *testing.T) {
	var rebuildCalled int32
	probe := func(ctx context.Context) error { return assert.AnError }
	ev := NewEvaluator(time.Hour, probe).WithRebuild(func(ctx context.Context) error {
		atomic.AddInt32(&rebuildCalled, 1)
		return nil
	})

	ev.Tick(context.Background())
	ev.Tick(context.Background())
	assert.Equal(t, int32(1), rebuildCalled)
}

func TestGetPoolStatus(t *testing.T) {
	pool := newMemoryPool(t, 5, time.Second)
	err := pool.WithSession(context.Background(), func(db *gorm.DB) error { return nil })
	require.NoError(t, err)

	status := pool.GetPoolStatus()
	assert.Equal(t, int64(1), status.TotalQueries)
	assert.Equal(t, 5, status.MaxConnections)
}

func TestPoolShutdown(t *testing.T) {
	pool := newMemoryPool(t, 2, time.Second)
	require.NoError(t, pool.Shutdown(context.Background()))
}
