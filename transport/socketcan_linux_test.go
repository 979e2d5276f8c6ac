//go:build linux

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocket_ConnectUnknownInterfaceFails(t *testing.T) {
	s := NewSocket()
	err := s.Connect("does-not-exist0")
	require.ErrorIs(t, err, ErrConnect)
	assert.False(t, s.Connected())
}

func TestSocket_SendBeforeConnectFails(t *testing.T) {
	s := NewSocket()
	err := s.Send(Frame{ArbitrationID: 1})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSocket_ReceiveBeforeConnectFails(t *testing.T) {
	s := NewSocket()
	_, _, err := s.Receive(0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSocket_DisconnectWithoutConnectIsNoop(t *testing.T) {
	s := NewSocket()
	require.NoError(t, s.Disconnect())
}

func TestSocket_RegisteredUnderSocketcanName(t *testing.T) {
	d, err := New("socketcan")
	require.NoError(t, err)
	assert.IsType(t, &Socket{}, d)
}
