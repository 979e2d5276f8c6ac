//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// canFrameSize is sizeof(struct can_frame) on Linux: 4 bytes CAN ID, 1 byte
// DLC, 3 bytes padding, 8 bytes data.
const canFrameSize = 16

const canEFFFlag = 0x80000000 // CAN_EFF_FLAG: frame uses extended (29-bit) ID
const canRTRFlag = 0x40000000 // CAN_RTR_FLAG: remote transmission request
const canERRFlag = 0x20000000 // CAN_ERR_FLAG: error frame

func init() {
	Register("socketcan", func() Driver { return NewSocket() })
}

// Socket is the native Linux SocketCAN driver: a raw AF_CAN/SOCK_RAW/CAN_RAW
// socket bound to the requested interface, with receive timeouts applied via
// SO_RCVTIMEO.
type Socket struct {
	mu      sync.Mutex
	fd      int
	channel string
	open    bool
}

// NewSocket constructs a disconnected SocketCAN driver.
func NewSocket() *Socket { return &Socket{fd: -1} }

func (s *Socket) Connect(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open && s.channel != channel {
		return ErrAlreadyOpen
	}
	if s.open {
		return nil
	}

	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return fmt.Errorf("%w: interface %s: %v", ErrConnect, channel, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrConnect, err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: bind %s: %v", ErrConnect, channel, err)
	}

	s.fd = fd
	s.channel = channel
	s.open = true
	return nil
}

func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.open = false
	s.channel = ""
	if err != nil {
		return fmt.Errorf("transport: close socketcan fd: %w", err)
	}
	return nil
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Socket) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// wireFrame mirrors struct can_frame: {uint32 can_id; uint8 can_dlc; [3]byte
// pad; [8]byte data}.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  [3]uint8
	data [8]uint8
}

func (s *Socket) Send(frame Frame) error {
	s.mu.Lock()
	fd, open := s.fd, s.open
	s.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	var wf wireFrame
	wf.id = frame.ArbitrationID
	if frame.ExtendedID {
		wf.id |= canEFFFlag
	}
	if frame.RemoteFrame {
		wf.id |= canRTRFlag
	}
	if frame.ErrorFrame {
		wf.id |= canERRFlag
	}
	wf.dlc = uint8(len(frame.Data))
	copy(wf.data[:], frame.Data)

	raw := (*(*[canFrameSize]byte)(unsafe.Pointer(&wf)))[:]
	if _, err := unix.Write(fd, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

func (s *Socket) Receive(timeout time.Duration) (Frame, bool, error) {
	s.mu.Lock()
	fd, open := s.fd, s.open
	s.mu.Unlock()
	if !open {
		return Frame{}, false, ErrNotConnected
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Frame{}, false, fmt.Errorf("%w: set timeout: %v", ErrReceive, err)
	}

	buf := make([]byte, canFrameSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("%w: %v", ErrReceive, err)
	}
	if n < canFrameSize {
		return Frame{}, false, fmt.Errorf("%w: short read (%d bytes)", ErrReceive, n)
	}

	rawID := binary.LittleEndian.Uint32(buf[0:4])
	dlc := buf[4]
	data := make([]byte, dlc)
	copy(data, buf[8:8+dlc])

	f := Frame{
		ArbitrationID: rawID &^ (canEFFFlag | canRTRFlag | canERRFlag),
		Data:          data,
		Timestamp:     time.Now(),
		ExtendedID:    rawID&canEFFFlag != 0,
		RemoteFrame:   rawID&canRTRFlag != 0,
		ErrorFrame:    rawID&canERRFlag != 0,
	}
	return f, true, nil
}
