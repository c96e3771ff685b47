package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/link"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

func echoingDongle() *radio.SimDongle {
	d := radio.NewSimDongle("sim-registry")
	d.OnSend = func(_ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, error) {
		cp := append([]byte(nil), payload...)
		return radio.Ack{Received: true, Length: uint16(len(cp)), Payload: cp}, nil
	}
	return d
}

// TestConnect_Idempotence checks that connecting twice with the same
// key fails the second call, and that a Disconnect in between allows
// a fresh Connect to succeed.
func TestConnect_Idempotence(t *testing.T) {
	h := arbiter.New(echoingDongle())
	defer h.Close()

	reg := New(h)
	key := link.Key{Channel: 20, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec1, err := reg.Connect(ctx, key)
	require.NoError(t, err)
	require.True(t, rec1.Status().IsConnected())

	_, err = reg.Connect(ctx, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection already active!")

	require.NoError(t, reg.Disconnect(key))

	rec2, err := reg.Connect(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec2.Status().IsConnected())
	require.NoError(t, reg.Disconnect(key))
}

func TestDisconnect_UnknownKeyIsArgumentError(t *testing.T) {
	h := arbiter.New(echoingDongle())
	defer h.Close()

	reg := New(h)
	err := reg.Disconnect(link.Key{Channel: 99, Address: radio.DefaultAddress})
	require.Error(t, err)
}

func TestStatus_UnknownKeyIsArgumentError(t *testing.T) {
	h := arbiter.New(echoingDongle())
	defer h.Close()

	reg := New(h)
	_, err := reg.Status(link.Key{Channel: 99, Address: radio.DefaultAddress})
	require.Error(t, err)
}

func TestConnect_AllowedAfterTerminalDisconnectWithoutExplicitDisconnectCall(t *testing.T) {
	d := radio.NewSimDongle("sim-registry-2")
	attempts := 0
	d.OnSend = func(_ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, error) {
		attempts++
		if attempts <= 10 {
			return radio.Ack{Received: false}, nil // force negotiation failure -> Disconnected
		}
		return radio.Ack{Received: true, Length: uint16(len(payload)), Payload: payload}, nil
	}

	h := arbiter.New(d)
	defer h.Close()

	reg := New(h)
	key := link.Key{Channel: 21, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec1, err := reg.Connect(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, link.Disconnected, rec1.Status().Phase)

	// A terminal record should be replaced, not rejected, on the next Connect.
	rec2, err := reg.Connect(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec2.Status().IsConnected())
	require.NoError(t, reg.Disconnect(key))
}
