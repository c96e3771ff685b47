package safelink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

// scriptedRadio replays a fixed sequence of acks, one per SendPacket
// call, looping the last entry if exhausted - enough to drive every
// scenario below without needing a real arbiter.
type scriptedRadio struct {
	acks [][2]any // {ack radio.Ack, payload []byte}
	i    int
	sent [][]byte
}

func (r *scriptedRadio) SendPacket(_ context.Context, _ radio.Channel, _ radio.Address, payload []byte) (radio.Ack, []byte, error) {
	sent := make([]byte, len(payload))
	copy(sent, payload)
	r.sent = append(r.sent, sent)

	idx := r.i
	if idx >= len(r.acks) {
		idx = len(r.acks) - 1
	}
	r.i++

	entry := r.acks[idx]
	return entry[0].(radio.Ack), entry[1].([]byte), nil
}

func ack(received bool, payload []byte) [2]any {
	return [2]any{radio.Ack{Received: received, Length: uint16(len(payload)), Payload: payload}, payload}
}

func TestNegotiate_SucceedsOnEcho(t *testing.T) {
	r := &scriptedRadio{acks: [][2]any{
		ack(true, []byte{0xFF, 0x00, 0x00}), // wrong echo
		ack(true, []byte{0xFF, 0x05, 0x01}), // correct echo on 2nd try
	}}
	e := New(r, 42, radio.DefaultAddress)

	ok, err := e.Negotiate(context.Background())

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(0), e.UpCounter())
	assert.Equal(t, byte(0), e.DownCounter())
	assert.Len(t, r.sent, 2)
}

func TestNegotiate_FailsAfterTenAttempts(t *testing.T) {
	r := &scriptedRadio{acks: [][2]any{ack(false, nil)}}
	e := New(r, 42, radio.DefaultAddress)

	ok, err := e.Negotiate(context.Background())

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, r.sent, maxNegotiationAttempts)
}

// TestIdempotenceUnderDupAck checks that a radio returning received=true
// with the same payload twice in a row still evaluates each Transmit
// call independently: the second transmission carries the flipped
// up-counter and the remote's repeated down-counter no longer matches,
// so downCtr is not flipped again, but each call to Transmit still
// produces its own delivery decision, and the link's pacing loop
// forwards every delivered payload it gets back. This test pins the
// safelink-level contract: identical ack payloads on consecutive
// sends are each evaluated independently and filtered solely by the
// header bits, not deduplicated by content.
func TestIdempotenceUnderDupAck(t *testing.T) {
	dup := []byte{0x00, 0xAA}
	r := &scriptedRadio{acks: [][2]any{ack(true, dup), ack(true, dup)}}
	e := New(r, 42, radio.DefaultAddress)

	res1, err := e.Transmit(context.Background(), []byte{0x00, 0x01})
	require.NoError(t, err)
	res2, err := e.Transmit(context.Background(), []byte{0x00, 0x02})
	require.NoError(t, err)

	assert.NotNil(t, res1.Delivered)
	assert.NotNil(t, res2.Delivered)
	assert.Equal(t, res1.Delivered, res2.Delivered)
}

// TestCounters_ParityOverNAckedSends checks that the up-counter's
// parity after n consecutive acked sends always equals n mod 2.
func TestCounters_ParityOverNAckedSends(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")

		acks := make([][2]any, 0, n)
		for i := 0; i < n; i++ {
			acks = append(acks, ack(true, []byte{0xFF}))
		}
		if n == 0 {
			acks = append(acks, ack(false, nil)) // scriptedRadio needs >=1 entry
		}

		r := &scriptedRadio{acks: acks}
		e := New(r, 1, radio.DefaultAddress)

		for i := 0; i < n; i++ {
			_, err := e.Transmit(context.Background(), []byte{0x00})
			require.NoError(t, err)
		}

		assert.Equal(t, byte(n%2), e.UpCounter())
	})
}

// TestTransmit_HeaderRewrite checks that sending [0x00, 0xAA] with
// up_ctr=1, down_ctr=0 rewrites the wire header to 0x08.
func TestTransmit_HeaderRewrite(t *testing.T) {
	r := &scriptedRadio{acks: [][2]any{ack(false, nil)}}
	e := New(r, 1, radio.DefaultAddress)
	e.upCtr = 1
	e.downCtr = 0

	_, err := e.Transmit(context.Background(), []byte{0x00, 0xAA})

	require.NoError(t, err)
	require.Len(t, r.sent, 1)
	assert.Equal(t, byte(0x08), r.sent[0][0])
}

// TestTransmit_FillerFilter is the "filler filter" scenario: ack
// payload [0xFF, 0xDE] is masked to header 0xF3, which triggers the
// null-frame branch so nothing is delivered.
func TestTransmit_FillerFilter(t *testing.T) {
	r := &scriptedRadio{acks: [][2]any{ack(true, []byte{0xFF, 0xDE})}}
	e := New(r, 1, radio.DefaultAddress)

	res, err := e.Transmit(context.Background(), []byte{0xFF})

	require.NoError(t, err)
	assert.Nil(t, res.Delivered)
}

// TestTransmit_NoAckRetransmitsSamePacket checks the retransmission
// policy: on no-ack the engine never flips counters, so the same
// bytes are eligible for resend untouched.
func TestTransmit_NoAckRetransmitsSamePacket(t *testing.T) {
	r := &scriptedRadio{acks: [][2]any{ack(false, nil)}}
	e := New(r, 1, radio.DefaultAddress)
	before := [2]byte{e.UpCounter(), e.DownCounter()}

	_, err := e.Transmit(context.Background(), []byte{0x00})

	require.NoError(t, err)
	assert.Equal(t, before, [2]byte{e.UpCounter(), e.DownCounter()})
}
