// Package timeseries implements the time-series store: batched writes of
// raw+decoded CAN records through a pooled connection, range queries, and
// (on Postgres/TimescaleDB) hypertable/compression setup.
package timeseries

import (
	"time"
)

// RawRecord is the persisted shape of one raw CAN frame, stored in
// can_messages_raw. Append-only: inserted once, never updated.
type RawRecord struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	Timestamp       time.Time `gorm:"index"`
	ArbitrationID   uint32
	Data            []byte
	DLC             int
	IsExtendedID    bool
	IsErrorFrame    bool
	IsRemoteFrame   bool
	InterfaceID     string
	SourceAddress   uint8
	PGN             uint32
	Priority        uint8
	RetentionPolicy string
}

func (RawRecord) TableName() string { return "can_messages_raw" }

// DecodedRecord is the persisted shape of one decoded J1939 message, stored
// in can_messages_decoded. RawMessageID references RawRecord.ID.
type DecodedRecord struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	RawMessageID       uint64    `gorm:"index"`
	Timestamp          time.Time `gorm:"index;index:idx_decoded_source_ts,priority:2"`
	PGN                uint32
	PGNName            string
	SourceAddress      uint8 `gorm:"index:idx_decoded_source_ts,priority:1"`
	DestinationAddress uint8
	SPNValuesJSON      string `gorm:"column:spn_values"`
	MessageDataJSON    string `gorm:"column:message_data"`
	DecodingSuccess    bool
	SPNCount           int
	ValidSPNCount      int
	EquipmentType      string
}

func (DecodedRecord) TableName() string { return "can_messages_decoded" }

// AllModels lists every GORM model this store manages, for AutoMigrate.
func AllModels() []any {
	return []any{&RawRecord{}, &DecodedRecord{}}
}
