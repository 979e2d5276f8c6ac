package timeseries

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dderyldowney/afs-fieldbus/buffer"
	"github.com/dderyldowney/afs-fieldbus/dbpool"
	"github.com/dderyldowney/afs-fieldbus/j1939"
)

// ErrBatchWrite wraps any failure during the write path.
var ErrBatchWrite = errors.New("timeseries: batch write failed")

// DefaultRetentionPolicy is stamped onto raw records when no policy was
// configured, so PruneRaw always has a name to match against.
const DefaultRetentionPolicy = "standard"

// Store persists decoded CAN traffic through a dbpool.Pool-managed *gorm.DB.
type Store struct {
	pool           *dbpool.Pool
	dialect        string
	retention      string
	equipmentTypes map[uint8]string
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithRetentionPolicy sets the policy name stamped onto every raw record,
// matched later by PruneRaw's policy windows.
func WithRetentionPolicy(name string) Option {
	return func(s *Store) { s.retention = name }
}

// WithEquipmentTypes maps source addresses onto equipment-type labels
// ("tractor", "sprayer", ...) stamped onto decoded records, so range queries
// can filter by equipment type.
func WithEquipmentTypes(bySource map[uint8]string) Option {
	return func(s *Store) { s.equipmentTypes = bySource }
}

// NewStore wraps an already-migrated pool. dialect is "postgres" or
// "sqlite"; it gates EnsureHypertables, which is a silent no-op on sqlite.
func NewStore(pool *dbpool.Pool, dialect string, opts ...Option) *Store {
	s := &Store{pool: pool, dialect: dialect, retention: DefaultRetentionPolicy}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureHypertables issues Timescale DDL to convert the raw/decoded tables
// into hypertables with a compression policy. On sqlite this is a silent
// no-op.
func (s *Store) EnsureHypertables(ctx context.Context) error {
	if s.dialect != "postgres" {
		return nil
	}
	return s.pool.WithSession(ctx, func(db *gorm.DB) error {
		stmts := []string{
			"SELECT create_hypertable('can_messages_raw', 'timestamp', if_not_exists => TRUE)",
			"SELECT create_hypertable('can_messages_decoded', 'timestamp', if_not_exists => TRUE)",
			"ALTER TABLE can_messages_raw SET (timescaledb.compress)",
			"ALTER TABLE can_messages_decoded SET (timescaledb.compress)",
			"SELECT add_compression_policy('can_messages_raw', INTERVAL '7 days', if_not_exists => TRUE)",
			"SELECT add_compression_policy('can_messages_decoded', INTERVAL '7 days', if_not_exists => TRUE)",
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("timeseries: ensure hypertables: %w", err)
			}
		}
		return nil
	})
}

// WriteBatch bulk-inserts raw records, back-fills decoded records' RawMessageID by
// batch index, bulk-inserts decoded records, and commits. Any failure rolls
// back the whole transaction; the caller (the buffer's flush) retains the
// batch for retry.
func (s *Store) WriteBatch(ctx context.Context, batch []buffer.Message) error {
	if len(batch) == 0 {
		return nil
	}

	raws := make([]*RawRecord, len(batch))
	decodedIdx := make([]int, 0, len(batch))
	decoded := make([]*DecodedRecord, 0, len(batch))

	for i, m := range batch {
		// The J1939 fields on the raw row come straight from the identifier,
		// so they are populated even when decoding failed.
		ident := j1939.DecomposeIdentifier(m.Raw.ArbitrationID)
		raws[i] = &RawRecord{
			Timestamp:       m.ReceptionTime,
			ArbitrationID:   m.Raw.ArbitrationID,
			Data:            m.Raw.Data,
			DLC:             m.Raw.DLC(),
			IsExtendedID:    m.Raw.ExtendedID,
			IsErrorFrame:    m.Raw.ErrorFrame,
			IsRemoteFrame:   m.Raw.RemoteFrame,
			InterfaceID:     m.InterfaceID,
			SourceAddress:   ident.SourceAddress,
			PGN:             ident.PGN,
			Priority:        ident.Priority,
			RetentionPolicy: s.retention,
		}
		if m.Decoded != nil {
			spnJSON, err := json.Marshal(m.Decoded.SPNValues)
			if err != nil {
				return fmt.Errorf("%w: marshal spn_values: %v", ErrBatchWrite, err)
			}
			msgJSON, err := json.Marshal(messageData{
				Priority:           m.Decoded.Priority,
				DestinationAddress: m.Decoded.DestinationAddress,
				RawData:            hex.EncodeToString(m.Decoded.RawData),
			})
			if err != nil {
				return fmt.Errorf("%w: marshal message_data: %v", ErrBatchWrite, err)
			}
			decoded = append(decoded, &DecodedRecord{
				Timestamp:          m.Decoded.Timestamp,
				PGN:                m.Decoded.PGN,
				PGNName:            m.Decoded.PGNName,
				SourceAddress:      m.Decoded.SourceAddress,
				DestinationAddress: m.Decoded.DestinationAddress,
				SPNValuesJSON:      string(spnJSON),
				MessageDataJSON:    string(msgJSON),
				DecodingSuccess:    m.Decoded.DecodingSuccess,
				ValidSPNCount:      m.Decoded.ValidSPNCount,
				SPNCount:           len(m.Decoded.SPNValues),
				EquipmentType:      s.equipmentTypes[m.Decoded.SourceAddress],
			})
			decodedIdx = append(decodedIdx, i)
		}
	}

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&raws).Error; err != nil {
			return err
		}
		for j, decRec := range decoded {
			decRec.RawMessageID = raws[decodedIdx[j]].ID
		}
		if len(decoded) > 0 {
			if err := tx.Create(&decoded).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBatchWrite, err)
	}
	return nil
}

// messageData is the persisted shape of a decoded row's message_data JSON
// column: the identifier fields not broken out into their own columns, plus
// the hex-encoded raw payload.
type messageData struct {
	Priority           uint8  `json:"priority"`
	DestinationAddress uint8  `json:"destination_address"`
	RawData            string `json:"raw_data"`
}

// RangeQuery describes a range-query request.
type RangeQuery struct {
	StartTime     time.Time
	EndTime       time.Time
	SourceAddress *uint8
	EquipmentType string
	TimeWindow    time.Duration
}

// QueryDecoded returns decoded rows in (timestamp, source_address) order
// matching the range query. Read-only; never touches the
// write path.
func (s *Store) QueryDecoded(ctx context.Context, q RangeQuery) ([]DecodedRecord, error) {
	var rows []DecodedRecord
	err := s.pool.WithSession(ctx, func(db *gorm.DB) error {
		tx := db.WithContext(ctx).
			Where("timestamp >= ? AND timestamp <= ?", q.StartTime, q.EndTime).
			Order("timestamp ASC, source_address ASC")
		if q.SourceAddress != nil {
			tx = tx.Where("source_address = ?", *q.SourceAddress)
		}
		if q.EquipmentType != "" {
			tx = tx.Where("equipment_type = ?", q.EquipmentType)
		}
		return tx.Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("timeseries: query decoded: %w", err)
	}
	return rows, nil
}

// Aggregate is a rolling-metrics view: per-source message counts and decode
// success ratio over a time window. Derived on read, never persisted.
type Aggregate struct {
	SourceAddress   uint8
	MessageCount    int64
	DecodeSuccesses int64
	WindowStart     time.Time
	WindowEnd       time.Time
}

// Aggregates computes per-source rolling metrics for the given window.
func (s *Store) Aggregates(ctx context.Context, q RangeQuery) ([]Aggregate, error) {
	rows, err := s.QueryDecoded(ctx, q)
	if err != nil {
		return nil, err
	}
	bySource := make(map[uint8]*Aggregate)
	for _, r := range rows {
		agg, ok := bySource[r.SourceAddress]
		if !ok {
			agg = &Aggregate{SourceAddress: r.SourceAddress, WindowStart: q.StartTime, WindowEnd: q.EndTime}
			bySource[r.SourceAddress] = agg
		}
		agg.MessageCount++
		if r.DecodingSuccess {
			agg.DecodeSuccesses++
		}
	}
	out := make([]Aggregate, 0, len(bySource))
	for _, agg := range bySource {
		out = append(out, *agg)
	}
	return out, nil
}

// PruneRaw deletes raw (and their dependent decoded) records whose
// retention_policy names an expired window. A record is eligible once
// now - window exceeds its timestamp.
func (s *Store) PruneRaw(ctx context.Context, now time.Time, policyWindows map[string]time.Duration) (int64, error) {
	var totalDeleted int64
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		for policy, window := range policyWindows {
			cutoff := now.Add(-window)
			var staleIDs []uint64
			if err := tx.Model(&RawRecord{}).
				Where("retention_policy = ? AND timestamp < ?", policy, cutoff).
				Pluck("id", &staleIDs).Error; err != nil {
				return err
			}
			if len(staleIDs) == 0 {
				continue
			}
			if err := tx.Where("raw_message_id IN ?", staleIDs).Delete(&DecodedRecord{}).Error; err != nil {
				return err
			}
			res := tx.Where("id IN ?", staleIDs).Delete(&RawRecord{})
			if res.Error != nil {
				return res.Error
			}
			totalDeleted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("timeseries: prune raw: %w", err)
	}
	return totalDeleted, nil
}
