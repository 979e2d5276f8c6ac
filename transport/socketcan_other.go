//go:build !linux

package transport

import "time"

// Socket is a non-functional placeholder on non-Linux hosts: SocketCAN is a
// Linux kernel facility, so there is nothing to bind here. Constructing one
// is harmless; using it always reports ErrConnect. Platforms without a native
// driver fall back to Virtual (see platform.Selector.Select).
type Socket struct{}

// NewSocket constructs a placeholder Socket driver for non-Linux builds.
func NewSocket() *Socket { return &Socket{} }

func (s *Socket) Connect(channel string) error {
	return ErrConnect
}

func (s *Socket) Disconnect() error { return nil }

func (s *Socket) Connected() bool { return false }

func (s *Socket) Channel() string { return "" }

func (s *Socket) Send(frame Frame) error { return ErrNotConnected }

func (s *Socket) Receive(timeout time.Duration) (Frame, bool, error) {
	return Frame{}, false, ErrNotConnected
}
