package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtual_ConnectIdempotent(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))
	require.NoError(t, v.Connect("vcan0"))
	assert.True(t, v.Connected())
	assert.Equal(t, "vcan0", v.Channel())
}

func TestVirtual_ConnectDifferentChannelFails(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))
	err := v.Connect("vcan1")
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestVirtual_SendReceiveRoundTrip(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))

	want := Frame{ArbitrationID: 0x18FEF100, Data: []byte{1, 2, 3, 4}, ExtendedID: true}
	require.NoError(t, v.Send(want))

	got, ok, err := v.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.ArbitrationID, got.ArbitrationID)
	assert.Equal(t, want.Data, got.Data)
	assert.True(t, got.ExtendedID)
}

func TestVirtual_ReceiveTimesOutWhenEmpty(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))

	_, ok, err := v.Receive(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVirtual_SendBeforeConnectFails(t *testing.T) {
	v := NewVirtual()
	err := v.Send(Frame{ArbitrationID: 1})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestVirtual_ReceiveBeforeConnectFails(t *testing.T) {
	v := NewVirtual()
	_, _, err := v.Receive(time.Millisecond)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestVirtual_InjectFeedsReceive(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))
	v.Inject(Frame{ArbitrationID: 0x123})

	got, ok, err := v.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x123), got.ArbitrationID)
}

func TestVirtual_SendDropsOldestWhenSaturated(t *testing.T) {
	v := NewVirtual()
	require.NoError(t, v.Connect("vcan0"))

	for i := 0; i < 4096; i++ {
		require.NoError(t, v.Send(Frame{ArbitrationID: uint32(i)}))
	}
	// Queue is now full; one more send must not block and must evict the
	// oldest entry rather than deadlock.
	done := make(chan struct{})
	go func() {
		_ = v.Send(Frame{ArbitrationID: 9999})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a saturated queue")
	}

	got, ok, err := v.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), got.ArbitrationID, "frame 0 should have been evicted")
}

func TestDriverRegistry_New(t *testing.T) {
	d, err := New("virtual")
	require.NoError(t, err)
	assert.IsType(t, &Virtual{}, d)
}

func TestDriverRegistry_UnknownName(t *testing.T) {
	_, err := New("does-not-exist")
	require.ErrorIs(t, err, ErrUnregistered)
}

func TestDriverRegistry_Register(t *testing.T) {
	Register("test-stub", func() Driver { return NewVirtual() })
	d, err := New("test-stub")
	require.NoError(t, err)
	assert.IsType(t, &Virtual{}, d)
}

func TestFrame_DLC(t *testing.T) {
	f := Frame{Data: []byte{1, 2, 3}}
	assert.Equal(t, 3, f.DLC())
}
