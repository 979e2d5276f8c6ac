// Package canbus implements the connection manager: it owns one bus driver,
// runs a cooperative receive loop, decodes frames through the j1939 codec,
// dispatches decoded messages to registered handlers, and serializes
// outbound sends.
//
// Outbound sends are serialized with a semaphore-backed mutex; the handler
// list is published copy-on-write so the receive loop never blocks readers
// or writers against each other.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dderyldowney/afs-fieldbus/internal/backoff"
	"github.com/dderyldowney/afs-fieldbus/j1939"
	"github.com/dderyldowney/afs-fieldbus/transport"
)

// State is the manager's lifecycle state, surfaced via Status.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReceiving    State = "receiving"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

// receiveTimeout is the HAL receive() poll interval.
const receiveTimeout = 100 * time.Millisecond

// consecutiveFaultsForDegraded is how many back-to-back HAL faults escalate
// the manager to Degraded.
const consecutiveFaultsForDegraded = 3

// Handler consumes one decoded message. Handlers must be non-blocking: one
// that needs to perform I/O should queue the message to its own worker.
type Handler func(msg j1939.DecodedMessage)

// FrameSink receives every inbound frame paired with its decode result.
// decoded is nil when decoding failed; the ingestion pipeline uses this to
// persist raw frames even for traffic the codec rejects. Like handlers,
// sinks must be non-blocking.
type FrameSink func(frame transport.Frame, decoded *j1939.DecodedMessage)

// Status is the snapshot returned by Manager.Status.
type Status struct {
	State        State
	Interface    string
	Channel      string
	HandlerCount int
	IsRunning    bool
}

// Manager owns a single bus driver's lifecycle and receive loop. Multiple
// Managers, one per driver, compose to cover one or more CAN buses.
type Manager struct {
	driver transport.Driver
	table  *j1939.Table
	logger *slog.Logger

	sendMu sync.Mutex // serializes SendJ1939 per driver

	handlers atomic.Pointer[[]Handler] // copy-on-write list
	sink     atomic.Pointer[FrameSink] // raw-frame tap for the ingestion path

	mu        sync.Mutex
	state     State
	ifaceName string
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	faultCount  int
	faultTicker *backoff.Ticker
}

// New constructs a Manager bound to driver, decoding against table. A nil
// logger falls back to slog.Default().
func New(driver transport.Driver, table *j1939.Table, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{driver: driver, table: table, logger: logger, state: StateIdle}
	m.faultTicker = backoff.NewTicker(backoff.DefaultPolicy())
	empty := make([]Handler, 0)
	m.handlers.Store(&empty)
	return m
}

// Connect opens the underlying channel by delegating to the driver.
func (m *Manager) Connect(channel string) error {
	if err := m.driver.Connect(channel); err != nil {
		return fmt.Errorf("canbus: connect: %w", err)
	}
	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()
	return nil
}

// Disconnect stops receiving (if running) and closes the channel.
func (m *Manager) Disconnect() error {
	m.StopReceiving()
	if err := m.driver.Disconnect(); err != nil {
		return fmt.Errorf("canbus: disconnect: %w", err)
	}
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	return nil
}

// AddHandler registers a new decoded-message consumer. Copy-on-write: the
// receive loop always dispatches against whichever list was published at the
// start of its current iteration.
func (m *Manager) AddHandler(h Handler) {
	for {
		old := m.handlers.Load()
		next := make([]Handler, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, h)
		if m.handlers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveHandlerAt unregisters the handler at index in the current list. Go
// has no function equality beyond nil comparison, so removal is by index
// rather than by handler identity. An out-of-range index is a no-op.
func (m *Manager) RemoveHandlerAt(index int) {
	for {
		old := m.handlers.Load()
		if index < 0 || index >= len(*old) {
			return
		}
		next := make([]Handler, 0, len(*old)-1)
		next = append(next, (*old)[:index]...)
		next = append(next, (*old)[index+1:]...)
		if m.handlers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetInterfaceName records which platform interface ("socketcan", "virtual",
// ...) this manager's driver was built for, surfaced via Status. The driver
// itself only knows its channel.
func (m *Manager) SetInterfaceName(name string) {
	m.mu.Lock()
	m.ifaceName = name
	m.mu.Unlock()
}

// SetFrameSink installs (or, with nil, removes) the raw-frame sink. Unlike
// handlers, at most one sink exists; it sees every received frame, decoded
// or not.
func (m *Manager) SetFrameSink(sink FrameSink) {
	if sink == nil {
		m.sink.Store(nil)
		return
	}
	m.sink.Store(&sink)
}

// HandlerCount reports the current handler list length.
func (m *Manager) HandlerCount() int {
	return len(*m.handlers.Load())
}

// SendJ1939 encodes and sends one J1939 message, serialized against any
// concurrent send on this driver.
func (m *Manager) SendJ1939(pgn uint32, sourceAddress uint8, destinationAddress uint8, priority uint8, spnValues map[string]float64) error {
	id, payload, err := j1939.Encode(m.table, pgn, priority, sourceAddress, destinationAddress, spnValues)
	if err != nil {
		return err
	}
	frame := transport.Frame{ArbitrationID: id, Data: payload, Timestamp: time.Now(), ExtendedID: true}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.driver.Send(frame); err != nil {
		return fmt.Errorf("canbus: send_j1939: %w", err)
	}
	return nil
}

// engineControllerPGN and engineSpeedSPNName ground the emergency-stop
// convenience helper in the built-in EEC1 PGN (glossary "EEC1").
const engineControllerPGN = 61444

var engineSpeedSPNName = j1939.SPN61444EngineSpeed.Name

// SendEmergencyStop encodes a high-priority engine-controller message with
// engine_speed=0. It does not bypass SendJ1939's serialization.
func (m *Manager) SendEmergencyStop(sourceAddress uint8, reason string, urgency uint8) error {
	m.logger.Warn("emergency stop requested", "source_address", sourceAddress, "reason", reason, "urgency", urgency)
	return m.SendJ1939(engineControllerPGN, sourceAddress, j1939.BroadcastAddress, urgency, map[string]float64{
		engineSpeedSPNName: 0,
	})
}

// StartReceiving starts the cooperative receive loop; idempotent. onDecoded,
// if non-nil, is additionally invoked alongside registered handlers — a
// convenience for callers that want a single inline callback without calling
// AddHandler.
func (m *Manager) StartReceiving(ctx context.Context, onDecoded Handler) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.state = StateReceiving
	m.mu.Unlock()

	if onDecoded != nil {
		m.AddHandler(onDecoded)
	}

	m.wg.Add(1)
	go m.receiveLoop(loopCtx)
}

// StopReceiving cancels the receive loop and waits for it to exit. The loop
// observes cancellation within one receive(timeout) cycle.
func (m *Manager) StopReceiving() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	if m.state == StateReceiving || m.state == StateDegraded {
		m.state = StateConnected
	}
	m.mu.Unlock()
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, ok, err := m.driver.Receive(receiveTimeout)
		if err != nil {
			m.onReceiveFault(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.faultTicker.Next()):
			}
			continue
		}
		m.onReceiveSuccess()
		if !ok {
			continue
		}

		msg, decodeErr := j1939.Decode(m.table, frame.ArbitrationID, frame.Data, frame.Timestamp)
		if decodeErr != nil || !msg.DecodingSuccess {
			// Codec errors do not propagate past the manager; they are
			// counted and logged. The raw frame still reaches the sink so
			// the pipeline can persist it.
			m.logger.Debug("decode failed", "error", decodeErr, "arbitration_id", frame.ArbitrationID)
			m.tap(frame, nil)
			continue
		}

		m.tap(frame, &msg)
		m.dispatch(msg)
	}
}

func (m *Manager) tap(frame transport.Frame, decoded *j1939.DecodedMessage) {
	sink := m.sink.Load()
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame sink panicked", "panic", r)
		}
	}()
	(*sink)(frame, decoded)
}

func (m *Manager) dispatch(msg j1939.DecodedMessage) {
	handlers := *m.handlers.Load()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// One failing handler must not drop the message for
					// others.
					m.logger.Error("handler panicked", "panic", r)
				}
			}()
			h(msg)
		}()
	}
}

func (m *Manager) onReceiveFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultCount++
	if m.faultCount >= consecutiveFaultsForDegraded {
		m.state = StateDegraded
	}
	m.logger.Warn("receive fault", "error", err, "consecutive_faults", m.faultCount)
}

func (m *Manager) onReceiveSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.faultCount > 0 {
		m.faultCount = 0
		m.faultTicker.Reset()
		if m.state == StateDegraded {
			m.state = StateReceiving
		}
	}
}

// Status returns a snapshot of the manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.state,
		Interface:    m.ifaceName,
		Channel:      m.driver.Channel(),
		HandlerCount: m.HandlerCount(),
		IsRunning:    m.running,
	}
}

// ErrNilDriver is a shared sentinel for callers composing a Manager from
// config that end up with no driver. New itself does not check for a nil
// driver and never returns it.
var ErrNilDriver = errors.New("canbus: driver must not be nil")
