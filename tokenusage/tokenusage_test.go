package tokenusage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var isolationCounter int
var isolationMu sync.Mutex

func newTestStore(t *testing.T) *Store {
	t.Helper()
	isolationMu.Lock()
	isolationCounter++
	n := isolationCounter
	isolationMu.Unlock()

	store, err := NewIsolated("sqlite", fmt.Sprintf("file:tokenusage%d?mode=memory&cache=shared", n))
	require.NoError(t, err)
	t.Cleanup(func() { store.Stop(time.Second) })
	return store
}

// TestLogThenQueryDurability covers property 8: a successful log(x) must be
// visible to a subsequent query(agent_id=x.agent_id), identical to x except
// id.
func TestLogThenQueryDurability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Log(ctx, "agent-A", "task-1", 42.5, "gpt", time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	rows, err := store.Query(ctx, Query{AgentID: "agent-A"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, rec.TaskID, rows[0].TaskID)
	assert.Equal(t, rec.TokensUsed, rows[0].TokensUsed)
	assert.Equal(t, rec.ModelName, rows[0].ModelName)
}

// TestTokenLogQuery covers scenario S6: three records for agent_id="A" at T,
// T+1h, T+2h; querying [T+30m, T+90m] returns exactly the T+1h record.
func TestTokenLogQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	_, err := store.Log(ctx, "A", "t0", 1, "m", base)
	require.NoError(t, err)
	_, err = store.Log(ctx, "A", "t1", 2, "m", base.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.Log(ctx, "A", "t2", 3, "m", base.Add(2*time.Hour))
	require.NoError(t, err)

	start := base.Add(30 * time.Minute)
	end := base.Add(90 * time.Minute)
	rows, err := store.Query(ctx, Query{AgentID: "A", StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0].TaskID)
}

func TestLog_ConcurrentProducers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := store.Log(ctx, "agent-concurrent", fmt.Sprintf("task-%d", i), float64(i), "m", time.Now())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rows, err := store.Query(ctx, Query{AgentID: "agent-concurrent"})
	require.NoError(t, err)
	assert.Len(t, rows, n)
}

// TestRetention covers property 9: after prune(days_to_keep=D) at time T, no
// record older than T-D remains.
func TestRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Log(ctx, "A", "old", 1, "m", now.AddDate(0, 0, -10))
	require.NoError(t, err)
	_, err = store.Log(ctx, "A", "recent", 1, "m", now.AddDate(0, 0, -1))
	require.NoError(t, err)

	deleted, err := store.Prune(ctx, now, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := store.Query(ctx, Query{AgentID: "A"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "recent", rows[0].TaskID)
}

func TestNewIsolated_SeparateStoresDoNotShareState(t *testing.T) {
	storeA := newTestStore(t)
	storeB := newTestStore(t)
	ctx := context.Background()

	_, err := storeA.Log(ctx, "A", "only-in-a", 1, "m", time.Now())
	require.NoError(t, err)

	rows, err := storeB.Query(ctx, Query{AgentID: "A"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
