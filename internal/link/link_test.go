package link

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/linksock"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

// echoingDongle always acks with the safelink negotiation payload and
// otherwise echoes whatever it was sent, so a connected link behaves
// like talking to a cooperative remote.
func echoingDongle(serial string) *radio.SimDongle {
	d := radio.NewSimDongle(serial)
	d.OnSend = func(_ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, error) {
		cp := append([]byte(nil), payload...)
		return radio.Ack{Received: true, Length: uint16(len(cp)), Payload: cp}, nil
	}
	return d
}

func dialFramed(t *testing.T, port int) *linksock.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr(port), time.Second)
	require.NoError(t, err)
	return linksock.NewConn(conn)
}

func addr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

func TestConnect_SucceedsAndReachesConnected(t *testing.T) {
	h := arbiter.New(echoingDongle("sim-link-1"))
	defer h.Close()

	key := Key{Channel: 10, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := Connect(ctx, h.Clone(), key)
	require.NoError(t, err)
	defer rec.Disconnect()

	assert.True(t, rec.Status().IsConnected())
	assert.NotZero(t, rec.PushPort)
	assert.NotZero(t, rec.PullPort)
}

func TestConnect_FailsWhenRemoteNeverAcksNegotiation(t *testing.T) {
	d := radio.NewSimDongle("sim-link-2")
	d.OnSend = func(_ radio.Channel, _ radio.Address, _ []byte) (radio.Ack, error) {
		return radio.Ack{Received: false}, nil
	}
	h := arbiter.New(d)
	defer h.Close()

	key := Key{Channel: 11, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := Connect(ctx, h.Clone(), key)
	require.NoError(t, err)

	status := rec.Status()
	assert.Equal(t, Disconnected, status.Phase)
	assert.Equal(t, "Cannot initialize connection", status.Reason)
}

func TestPacingLoop_ForwardsApplicationFrame(t *testing.T) {
	d := radio.NewSimDongle("sim-link-3")
	// The first send is the three-byte safelink handshake; after that,
	// ack with a distinguishable application frame once, then null
	// forever.
	sendCount := 0
	d.OnSend = func(_ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, error) {
		sendCount++
		if sendCount <= 1 && len(payload) == 3 && payload[1] == 0x05 && payload[2] == 0x01 {
			return radio.Ack{Received: true, Length: uint16(len(payload)), Payload: append([]byte(nil), payload...)}, nil
		}
		if sendCount == 2 {
			frame := []byte{0x00, 0xBE, 0xEF}
			return radio.Ack{Received: true, Length: uint16(len(frame)), Payload: frame}, nil
		}
		return radio.Ack{Received: true, Length: 1, Payload: []byte{radio.NullHeader}}, nil
	}

	h := arbiter.New(d)
	defer h.Close()

	key := Key{Channel: 12, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := Connect(ctx, h.Clone(), key)
	require.NoError(t, err)
	defer rec.Disconnect()

	pushConn, dialErr := net.DialTimeout("tcp", addr(rec.PushPort), time.Second)
	require.NoError(t, dialErr)
	defer pushConn.Close()
	_, dialErr = net.DialTimeout("tcp", addr(rec.PullPort), time.Second)
	require.NoError(t, dialErr)

	framed := linksock.NewConn(pushConn)
	_ = framed.Underlying().SetReadDeadline(time.Now().Add(time.Second))
	got, recvErr := framed.Recv()
	require.NoError(t, recvErr)
	assert.Equal(t, []byte{0x00, 0xBE, 0xEF}, got)
}

func TestDisconnect_ReleasesPortsPromptly(t *testing.T) {
	h := arbiter.New(echoingDongle("sim-link-4"))
	defer h.Close()

	key := Key{Channel: 13, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := Connect(ctx, h.Clone(), key)
	require.NoError(t, err)

	pushPort, pullPort := rec.PushPort, rec.PullPort

	done := make(chan struct{})
	go func() {
		rec.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return in time")
	}

	assert.Equal(t, Disconnected, rec.Status().Phase)

	// Ports should be free again.
	l1, err1 := net.Listen("tcp", addr(pushPort))
	if err1 == nil {
		l1.Close()
	}
	l2, err2 := net.Listen("tcp", addr(pullPort))
	if err2 == nil {
		l2.Close()
	}
	assert.NoError(t, err1)
	assert.NoError(t, err2)
}

func TestPacingLoop_IdleTimeoutDisconnects(t *testing.T) {
	orig := idleTimeout
	idleTimeout = 100 * time.Millisecond
	defer func() { idleTimeout = orig }()

	attempts := 0
	d := radio.NewSimDongle("sim-link-5")
	d.OnSend = func(_ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, error) {
		attempts++
		if attempts <= 1 {
			return radio.Ack{Received: true, Length: uint16(len(payload)), Payload: append([]byte(nil), payload...)}, nil
		}
		// Once connected, never ack again so the pacing loop idles out.
		return radio.Ack{Received: false}, nil
	}

	h := arbiter.New(d)
	defer h.Close()

	key := Key{Channel: 14, Address: radio.DefaultAddress}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := Connect(ctx, h.Clone(), key)
	require.NoError(t, err)

	// Dial both sockets so the worker enters the pacing loop.
	pullConn, dialErr := net.DialTimeout("tcp", addr(rec.PullPort), time.Second)
	require.NoError(t, dialErr)
	defer pullConn.Close()
	pushConn, dialErr := net.DialTimeout("tcp", addr(rec.PushPort), time.Second)
	require.NoError(t, dialErr)
	defer pushConn.Close()

	require.Eventually(t, func() bool {
		return rec.Status().Phase == Disconnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Connection timeout", rec.Status().Reason)
}
