package timeseries

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dderyldowney/afs-fieldbus/buffer"
	"github.com/dderyldowney/afs-fieldbus/dbpool"
	"github.com/dderyldowney/afs-fieldbus/j1939"
	"github.com/dderyldowney/afs-fieldbus/transport"
)

var isolationCounter int
var isolationMu sync.Mutex

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	isolationMu.Lock()
	isolationCounter++
	n := isolationCounter
	isolationMu.Unlock()

	cfg := dbpool.Defaults()
	cfg.Dialect = "sqlite"
	cfg.DSN = fmt.Sprintf("file:timeseries%d?mode=memory&cache=shared", n)
	pool, err := dbpool.Open(cfg, AllModels()...)
	require.NoError(t, err)
	return NewStore(pool, "sqlite", opts...)
}

func decodedMessage(t *testing.T, source uint8, engineSpeed float64, ts time.Time) (transport.Frame, j1939.DecodedMessage) {
	t.Helper()
	table := j1939.DefaultTable()
	id, payload, err := j1939.Encode(table, 61444, j1939.DefaultPriority, source, j1939.BroadcastAddress, map[string]float64{
		"Engine Speed": engineSpeed,
	})
	require.NoError(t, err)
	frame := transport.Frame{ArbitrationID: id, Data: payload, Timestamp: ts}
	msg, err := j1939.Decode(table, id, payload, ts)
	require.NoError(t, err)
	return frame, msg
}

// TestBatchPersistence covers scenario S4: 1,000 decoded messages with
// monotonically increasing timestamps, flushed once, must all persist with
// decoded rows pointing at their matching raw rows.
func TestBatchPersistence(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	batch := make([]buffer.Message, 1000)
	for i := 0; i < 1000; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		frame, msg := decodedMessage(t, uint8(i%256), float64(i%8000), ts)
		batch[i] = buffer.Message{Raw: frame, Decoded: &msg, ReceptionTime: ts, InterfaceID: "can0"}
	}

	require.NoError(t, store.WriteBatch(context.Background(), batch))

	rows, err := store.QueryDecoded(context.Background(), RangeQuery{
		StartTime: base.Add(-time.Second),
		EndTime:   base.Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1000)

	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Timestamp.Before(rows[i-1].Timestamp))
	}
	for _, row := range rows {
		assert.NotZero(t, row.RawMessageID)
	}
}

// TestWriteBatch_RawOnlyFrame: a message whose decode failed still persists
// its raw row, with the J1939 identifier fields derived straight from the
// arbitration ID and the configured retention policy stamped on.
func TestWriteBatch_RawOnlyFrame(t *testing.T) {
	store := newTestStore(t, WithRetentionPolicy("short"))
	ts := time.Now()

	id := j1939.ComposeIdentifier(3, 65280, 0x42, j1939.BroadcastAddress)
	frame := transport.Frame{ArbitrationID: id, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Timestamp: ts}
	batch := []buffer.Message{{Raw: frame, ReceptionTime: ts, InterfaceID: "can0"}}
	require.NoError(t, store.WriteBatch(context.Background(), batch))

	var raws []RawRecord
	require.NoError(t, store.pool.DB().Find(&raws).Error)
	require.Len(t, raws, 1)
	assert.Equal(t, uint32(65280), raws[0].PGN)
	assert.Equal(t, uint8(0x42), raws[0].SourceAddress)
	assert.Equal(t, uint8(3), raws[0].Priority)
	assert.Equal(t, "short", raws[0].RetentionPolicy)

	var count int64
	require.NoError(t, store.pool.DB().Model(&DecodedRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWriteBatch_StampsEquipmentTypeAndPGNName(t *testing.T) {
	store := newTestStore(t, WithEquipmentTypes(map[uint8]string{0x23: "tractor"}))
	ts := time.Now()
	frame, msg := decodedMessage(t, 0x23, 1200, ts)
	batch := []buffer.Message{{Raw: frame, Decoded: &msg, ReceptionTime: ts, InterfaceID: "can0"}}
	require.NoError(t, store.WriteBatch(context.Background(), batch))

	rows, err := store.QueryDecoded(context.Background(), RangeQuery{
		StartTime:     ts.Add(-time.Second),
		EndTime:       ts.Add(time.Second),
		EquipmentType: "tractor",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "EEC1", rows[0].PGNName)
	assert.Equal(t, "tractor", rows[0].EquipmentType)
	assert.NotEmpty(t, rows[0].MessageDataJSON)
}

func TestWriteBatch_Empty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WriteBatch(context.Background(), nil))
}

func TestQueryDecoded_FiltersBySourceAddress(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	var batch []buffer.Message
	for i, source := range []uint8{1, 2, 1} {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		frame, msg := decodedMessage(t, source, 1000, ts)
		batch = append(batch, buffer.Message{Raw: frame, Decoded: &msg, ReceptionTime: ts})
	}
	require.NoError(t, store.WriteBatch(context.Background(), batch))

	source := uint8(1)
	rows, err := store.QueryDecoded(context.Background(), RangeQuery{
		StartTime:     base.Add(-time.Second),
		EndTime:       base.Add(time.Second),
		SourceAddress: &source,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEnsureHypertables_NoopOnSQLite(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.EnsureHypertables(context.Background()))
}

func TestPruneRaw(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	raw := RawRecord{Timestamp: old, ArbitrationID: 1, RetentionPolicy: "short"}
	require.NoError(t, store.pool.DB().Create(&raw).Error)

	deleted, err := store.PruneRaw(context.Background(), now, map[string]time.Duration{"short": time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestAggregates(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	var batch []buffer.Message
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		frame, msg := decodedMessage(t, 7, 1000, ts)
		batch = append(batch, buffer.Message{Raw: frame, Decoded: &msg, ReceptionTime: ts})
	}
	require.NoError(t, store.WriteBatch(context.Background(), batch))

	aggs, err := store.Aggregates(context.Background(), RangeQuery{
		StartTime: base.Add(-time.Second),
		EndTime:   base.Add(time.Second),
	})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(3), aggs[0].MessageCount)
	assert.Equal(t, int64(3), aggs[0].DecodeSuccesses)
}
