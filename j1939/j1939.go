// Package j1939 implements the SAE J1939/ISOBUS codec: encoding SPN values
// into 8-byte payloads, decoding payloads back into SPN value maps, and the
// 29-bit identifier math that derives priority/PGN/source/destination from
// an arbitration ID.
package j1939

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors returned by this package.
var (
	ErrUnknownPGN      = errors.New("j1939: unknown PGN")
	ErrSPNOutOfRange   = errors.New("j1939: SPN value out of range")
	ErrPayloadTooShort = errors.New("j1939: payload too short for SPN layout")
	ErrUnknownSPN      = errors.New("j1939: unknown SPN name for this PGN")
)

// notAvailable is the J1939 convention for "no data" in a byte position.
const notAvailable = 0xFF

// pduFormatThreshold is the PDU-Format byte value at and above which a PGN is
// PDU2 (broadcast-only, no destination address) rather than PDU1.
const pduFormatThreshold = 240

// DefaultPriority is the priority new frames use unless the caller overrides
// it.
const DefaultPriority uint8 = 6

// EmergencyPriority is reserved for Manager.SendEmergencyStop.
const EmergencyPriority uint8 = 7

// BroadcastAddress is the destination value meaning "all nodes".
const BroadcastAddress uint8 = 0xFF

// SPNSpec is a static record describing one signal within a PGN.
type SPNSpec struct {
	ID         int
	Name       string
	ByteOffset int
	Length     int // bytes, 1 or 2 in the built-in table
	Scale      float64
	Offset     float64
	MinValue   float64
	MaxValue   float64
}

// rawRange returns the inclusive [min,max] of the raw little-endian integer
// this SPN's Length can hold, clamped so a 2-byte field's 0xFFFF ("not
// available") is excluded from the usable range.
func (s SPNSpec) rawRange() (min, max uint32) {
	switch s.Length {
	case 1:
		return 0, 0xFE
	case 2:
		return 0, 0xFFFE
	default:
		return 0, uint32(1)<<(8*uint(s.Length)) - 2
	}
}

// PGNSpec is the set of SPNs carried by one Parameter Group Number.
type PGNSpec struct {
	PGN  uint32
	Name string
	SPNs []SPNSpec
}

// Table is an immutable PGN→SPN-list lookup, built once at startup and never
// mutated after: read-only, so callers never need to lock around a lookup.
type Table struct {
	byPGN map[uint32]PGNSpec
}

// NewTable builds a lookup table from the given PGN specs. Later entries with
// a duplicate PGN overwrite earlier ones, matching a config-reload "replace
// the whole table" semantics.
func NewTable(specs ...PGNSpec) *Table {
	t := &Table{byPGN: make(map[uint32]PGNSpec, len(specs))}
	for _, s := range specs {
		t.byPGN[s.PGN] = s
	}
	return t
}

// Lookup returns the PGNSpec for pgn, or ErrUnknownPGN.
func (t *Table) Lookup(pgn uint32) (PGNSpec, error) {
	spec, ok := t.byPGN[pgn]
	if !ok {
		return PGNSpec{}, fmt.Errorf("%w: %d", ErrUnknownPGN, pgn)
	}
	return spec, nil
}

// Len reports how many PGNs the table knows about.
func (t *Table) Len() int { return len(t.byPGN) }

// SPN61444EngineSpeed is the built-in Electronic Engine Controller 1 signal
// (glossary "EEC1"): scale 0.125 rpm/bit, range [0, 8031.875].
var SPN61444EngineSpeed = SPNSpec{
	ID: 190, Name: "Engine Speed", ByteOffset: 3, Length: 2,
	Scale: 0.125, Offset: 0, MinValue: 0, MaxValue: 8031.875,
}

// spn513ActualEngineTorque is EEC1's percent-torque signal, included so
// EEC1 round-trips a realistic multi-SPN payload.
var spn513ActualEngineTorque = SPNSpec{
	ID: 513, Name: "Actual Engine - Percent Torque", ByteOffset: 2, Length: 1,
	Scale: 1, Offset: -125, MinValue: -125, MaxValue: 125,
}

// spn1675EngineStarterMode belongs to EEC2 and is packed into a single byte
// alongside two other sub-fields in the real standard; here it occupies the
// full byte for simplicity.
var spn1675EngineStarterMode = SPNSpec{
	ID: 1675, Name: "Engine Starter Mode", ByteOffset: 0, Length: 1,
	Scale: 1, Offset: 0, MinValue: 0, MaxValue: 250,
}

var spn91AcceleratorPedalPosition = SPNSpec{
	ID: 91, Name: "Accelerator Pedal Position", ByteOffset: 1, Length: 1,
	Scale: 0.4, Offset: 0, MinValue: 0, MaxValue: 100,
}

// DefaultSpecs returns the built-in PGN set this package ships with: EEC1
// (61444) and EEC2 (61443), as a slice so config.PGNWatcher can append
// agricultural PGNs loaded from YAML and rebuild a Table from the combined
// set.
func DefaultSpecs() []PGNSpec {
	return []PGNSpec{
		{
			PGN:  61444,
			Name: "EEC1",
			SPNs: []SPNSpec{SPN61444EngineSpeed, spn513ActualEngineTorque},
		},
		{
			PGN:  61443,
			Name: "EEC2",
			SPNs: []SPNSpec{spn91AcceleratorPedalPosition, spn1675EngineStarterMode},
		},
	}
}

// DefaultTable builds a Table from DefaultSpecs.
func DefaultTable() *Table {
	return NewTable(DefaultSpecs()...)
}

// Identifier is the decomposed view of a 29-bit extended CAN arbitration ID.
type Identifier struct {
	Priority           uint8
	PGN                uint32
	SourceAddress      uint8
	DestinationAddress uint8
}

// DecomposeIdentifier derives {priority, PGN, source, destination} from a
// raw 29-bit arbitration ID.
func DecomposeIdentifier(arbitrationID uint32) Identifier {
	priority := uint8((arbitrationID >> 26) & 0x7)
	pduFormat := uint8((arbitrationID >> 16) & 0xFF)
	pduSpecific := uint8((arbitrationID >> 8) & 0xFF)
	source := uint8(arbitrationID & 0xFF)

	var pgn uint32
	var destination uint8
	if pduFormat >= pduFormatThreshold {
		pgn = uint32(pduFormat)<<8 | uint32(pduSpecific)
		destination = BroadcastAddress
	} else {
		pgn = uint32(pduFormat) << 8
		destination = pduSpecific
	}

	return Identifier{
		Priority:           priority,
		PGN:                pgn,
		SourceAddress:      source,
		DestinationAddress: destination,
	}
}

// ComposeIdentifier builds the 29-bit arbitration ID for the given fields,
// the exact inverse of DecomposeIdentifier.
func ComposeIdentifier(priority uint8, pgn uint32, sourceAddress, destinationAddress uint8) uint32 {
	pduFormat := uint8((pgn >> 8) & 0xFF)
	var pduSpecific uint8
	if pduFormat >= pduFormatThreshold {
		pduSpecific = uint8(pgn & 0xFF)
	} else {
		pduSpecific = destinationAddress
	}
	return uint32(priority&0x7)<<26 | uint32(pduFormat)<<16 | uint32(pduSpecific)<<8 | uint32(sourceAddress)
}

// DecodedMessage is the structured result of decoding a raw frame.
type DecodedMessage struct {
	PGN                uint32
	PGNName            string
	Priority           uint8
	SourceAddress      uint8
	DestinationAddress uint8
	SPNValues          map[string]float64
	RawData            []byte
	Timestamp          time.Time
	DecodingSuccess    bool
	ValidSPNCount      int
}

// Encode composes an 8-byte payload + 29-bit identifier for the given PGN and
// SPN values. Every SPN named in the table
// for this PGN must either be present in spnValues or is filled with the
// "not available" convention. Returns ErrSPNOutOfRange if any provided value
// cannot be represented within its SPN's range, and ErrUnknownSPN if
// spnValues names a signal the PGN doesn't define.
func Encode(table *Table, pgn uint32, priority uint8, sourceAddress, destinationAddress uint8, spnValues map[string]float64) (arbitrationID uint32, data []byte, err error) {
	spec, err := table.Lookup(pgn)
	if err != nil {
		return 0, nil, err
	}

	byName := make(map[string]SPNSpec, len(spec.SPNs))
	for _, s := range spec.SPNs {
		byName[s.Name] = s
	}
	for name := range spnValues {
		if _, ok := byName[name]; !ok {
			return 0, nil, fmt.Errorf("%w: %q in PGN %d", ErrUnknownSPN, name, pgn)
		}
	}

	payload := make([]byte, 8)
	for i := range payload {
		payload[i] = notAvailable
	}

	for _, s := range spec.SPNs {
		v, provided := spnValues[s.Name]
		if !provided {
			continue
		}
		if v < s.MinValue || v > s.MaxValue {
			return 0, nil, fmt.Errorf("%w: %s=%v not in [%v,%v]", ErrSPNOutOfRange, s.Name, v, s.MinValue, s.MaxValue)
		}
		rawF := math.Round((v - s.Offset) / s.Scale)
		minRaw, maxRaw := s.rawRange()
		if rawF < float64(minRaw) || rawF > float64(maxRaw) {
			return 0, nil, fmt.Errorf("%w: %s raw value %v out of representable range", ErrSPNOutOfRange, s.Name, rawF)
		}
		raw := uint32(rawF)
		if s.ByteOffset+s.Length > len(payload) {
			return 0, nil, fmt.Errorf("%w: %s byte_offset+length exceeds 8 bytes", ErrPayloadTooShort, s.Name)
		}
		for b := 0; b < s.Length; b++ {
			payload[s.ByteOffset+b] = byte((raw >> (8 * uint(b))) & 0xFF)
		}
	}

	id := ComposeIdentifier(priority, pgn, sourceAddress, destinationAddress)
	return id, payload, nil
}

// Decode reverses Encode: given a raw arbitration ID, payload, and receipt
// timestamp, it looks up the PGN, extracts every SPN, and validates each
// scaled value against its range. If any SPN is out of range the whole
// decode fails (DecodingSuccess=false) but the raw frame is still returned
// for persistence.
func Decode(table *Table, arbitrationID uint32, payload []byte, timestamp time.Time) (DecodedMessage, error) {
	ident := DecomposeIdentifier(arbitrationID)
	msg := DecodedMessage{
		PGN:                ident.PGN,
		Priority:           ident.Priority,
		SourceAddress:      ident.SourceAddress,
		DestinationAddress: ident.DestinationAddress,
		RawData:            append([]byte(nil), payload...),
		Timestamp:          timestamp,
	}

	spec, err := table.Lookup(ident.PGN)
	if err != nil {
		return msg, err
	}
	msg.PGNName = spec.Name

	values := make(map[string]float64, len(spec.SPNs))
	validCount := 0
	for _, s := range spec.SPNs {
		if s.ByteOffset+s.Length > len(payload) {
			return msg, fmt.Errorf("%w: %s needs bytes [%d:%d], payload has %d", ErrPayloadTooShort, s.Name, s.ByteOffset, s.ByteOffset+s.Length, len(payload))
		}
		var raw uint32
		allNotAvailable := true
		for b := 0; b < s.Length; b++ {
			byteVal := payload[s.ByteOffset+b]
			if byteVal != notAvailable {
				allNotAvailable = false
			}
			raw |= uint32(byteVal) << (8 * uint(b))
		}
		if allNotAvailable {
			continue
		}

		scaled := float64(raw)*s.Scale + s.Offset
		if scaled < s.MinValue || scaled > s.MaxValue {
			return msg, fmt.Errorf("%w: %s=%v not in [%v,%v]", ErrSPNOutOfRange, s.Name, scaled, s.MinValue, s.MaxValue)
		}
		values[s.Name] = scaled
		validCount++
	}

	msg.SPNValues = values
	msg.DecodingSuccess = true
	msg.ValidSPNCount = validCount
	return msg, nil
}
