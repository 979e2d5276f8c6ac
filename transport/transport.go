// Package transport implements the CAN bus hardware abstraction layer: a
// uniform connect/disconnect/send/receive capability set backed by either a
// real kernel driver (Socket, Linux-only) or an in-process loopback
// (Virtual).
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by this package.
var (
	ErrConnect      = errors.New("transport: connect failed")
	ErrSend         = errors.New("transport: send failed")
	ErrReceive      = errors.New("transport: receive failed")
	ErrAlreadyOpen  = errors.New("transport: driver already connected")
	ErrNotConnected = errors.New("transport: driver not connected")
	ErrNoData       = errors.New("transport: no data before timeout")
	ErrUnregistered = errors.New("transport: no driver registered under that name")
)

// Frame is an immutable CAN 2.0B frame, raw or synthesized. Once constructed
// it is never mutated; C4/C5/C6 only ever read it.
type Frame struct {
	ArbitrationID uint32 // 29-bit extended identifier
	Data          []byte // up to 8 bytes
	Timestamp     time.Time
	ExtendedID    bool
	ErrorFrame    bool
	RemoteFrame   bool
}

// DLC returns the data length code (payload byte count).
func (f Frame) DLC() int { return len(f.Data) }

// Driver is the capability set every bus implementation exposes. The
// Connection Manager (canbus.Manager) only ever programs against this
// interface, never against a concrete driver type.
type Driver interface {
	// Connect opens the channel. Idempotent: calling Connect while already
	// connected to the same channel succeeds; connecting to a different
	// channel while open fails with ErrAlreadyOpen.
	Connect(channel string) error
	// Disconnect releases OS resources. Safe to call when already
	// disconnected.
	Disconnect() error
	// Send blocks until the frame is written to the bus or a driver fault
	// occurs.
	Send(frame Frame) error
	// Receive blocks up to timeout for one inbound frame. ok is false (with
	// a nil error) on timeout; err is non-nil only on driver fault.
	Receive(timeout time.Duration) (frame Frame, ok bool, err error)
	// Connected reports whether the driver currently holds an open channel.
	Connected() bool
	// Channel returns the currently connected channel name, or "".
	Channel() string
}

// Constructor builds a Driver for a named interface. Vendor adapters
// register their own constructors; this module ships none, since hardware
// vendors are out-of-scope collaborators here.
type Constructor func() Driver

var registry = map[string]Constructor{
	"virtual": func() Driver { return NewVirtual() },
}

// Register adds (or replaces) a named driver constructor. Vendor packages
// call this from an init().
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New builds a Driver for the named interface via the registry.
func New(name string) (Driver, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, name)
	}
	return ctor(), nil
}
