// Package safelink implements the stop-and-wait alternating-bit
// reliability scheme layered over one link's radio traffic, so that
// duplicate acks and retransmits do not double-deliver application
// payloads.
//
// The remote down-counter is read back from the ack payload's bit 2
// (mask 0x04), matching the transmit side's own encoding of that bit;
// an alternative bit-6 (mask 0x40) encoding exists in some
// implementations of this protocol but is not used here.
package safelink

import (
	"context"

	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

// negotiationPacket is the literal handshake payload echoed back by a
// remote that accepts safelink.
var negotiationPacket = []byte{0xFF, 0x05, 0x01}

// maxNegotiationAttempts bounds how many times we retry the handshake
// before giving up.
const maxNegotiationAttempts = 10

// headerCounterMask clears bits 3-2, the two counter bits.
const headerCounterMask = 0xF3

// sender is the minimal surface safelink needs from the arbiter -
// narrowed so tests can supply a fake without spinning up a whole
// arbiter.Handle.
type sender interface {
	SendPacket(ctx context.Context, channel radio.Channel, address radio.Address, payload []byte) (radio.Ack, []byte, error)
}

// Engine holds the per-link alternating counters. Zero value is the
// correct initial state, (0, 0).
type Engine struct {
	radio   sender
	channel radio.Channel
	address radio.Address

	upCtr   byte
	downCtr byte
}

// New builds an engine bound to one link's channel/address, talking to
// the radio through sender (in practice an *arbiter.Handle).
func New(s sender, channel radio.Channel, address radio.Address) *Engine {
	return &Engine{radio: s, channel: channel, address: address}
}

// Negotiate runs the safelink handshake: transmit the literal bytes
// FF 05 01 up to maxNegotiationAttempts times; an echo of exactly
// FF 05 01 in the ack payload signals the remote accepts safelink. On
// success both counters reset to 0 (already true at engine creation,
// reset again here for clarity/defense if Negotiate is ever retried).
func (e *Engine) Negotiate(ctx context.Context) (bool, error) {
	for i := 0; i < maxNegotiationAttempts; i++ {
		ack, payload, err := e.radio.SendPacket(ctx, e.channel, e.address, append([]byte(nil), negotiationPacket...))
		if err != nil {
			return false, err
		}
		if ack.Received && bytesEqual(payload, negotiationPacket) {
			e.upCtr = 0
			e.downCtr = 0
			return true, nil
		}
	}
	return false, nil
}

// TransmitResult is what one safelink-wrapped send produced.
type TransmitResult struct {
	Ack radio.Ack
	// Delivered is the application payload to push upward, or nil if
	// this ack carried no deliverable frame (null/filler packet).
	Delivered []byte
}

// Transmit sends one outgoing application packet through the safelink
// protocol:
//  1. clear header bits 3-2
//  2. set bit 3 from upCtr, bit 2 from downCtr
//  3. submit through the radio
//  4. if acked and payload non-empty, maybe flip downCtr
//  5. if acked, flip upCtr
//  6. filter the received payload for delivery
//
// packet is mutated in place (bits 3-2 rewritten), so after the call
// the caller's slice holds the wire bytes that were sent.
func (e *Engine) Transmit(ctx context.Context, packet []byte) (TransmitResult, error) {
	packet[0] &= headerCounterMask
	packet[0] |= (e.upCtr << 3) | (e.downCtr << 2)

	ack, ackPayload, err := e.radio.SendPacket(ctx, e.channel, e.address, packet)
	if err != nil {
		return TransmitResult{}, err
	}

	if ack.Received && len(ackPayload) > 0 {
		receivedDownCtr := (ackPayload[0] & 0x04) >> 2
		if receivedDownCtr == e.downCtr {
			e.downCtr = flip(e.downCtr)
		}
	}

	if ack.Received {
		e.upCtr = flip(e.upCtr)
	}

	return TransmitResult{Ack: ack, Delivered: filterDelivery(ack, ackPayload)}, nil
}

// filterDelivery is the delivery filter: an ack payload reaches the
// application iff received, non-empty, and
// (header & 0xF3) != 0xF3 - i.e. the application bits (7-4, 1-0) are
// not all set, regardless of the counter bits being masked in. Once a
// payload passes, the counter bits are cleared before handing it
// upward so the application never sees safelink's own bookkeeping
// bits.
func filterDelivery(ack radio.Ack, payload []byte) []byte {
	if !ack.Received || len(payload) == 0 {
		return nil
	}
	if payload[0]&headerCounterMask == headerCounterMask {
		return nil
	}

	masked := make([]byte, len(payload))
	copy(masked, payload)
	masked[0] &= headerCounterMask
	return masked
}

func flip(b byte) byte {
	return 1 - b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UpCounter and DownCounter expose current state for tests and status
// reporting; they are not part of the wire protocol.
func (e *Engine) UpCounter() byte   { return e.upCtr }
func (e *Engine) DownCounter() byte { return e.downCtr }
