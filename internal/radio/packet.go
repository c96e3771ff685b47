package radio

import "github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"

// MinPacketLength and MaxPacketLength bound a valid application
// packet, header byte included.
const (
	MinPacketLength = 1
	MaxPacketLength = 32
)

// NullHeader is the sentinel header byte denoting a null/filler
// packet - used as the keep-alive frame the link worker synthesizes
// when the pull socket is idle.
const NullHeader byte = 0xFF

// Packet is a raw application-layer payload, 1-32 bytes, whose first
// byte ("header") carries protocol bits alongside application bits:
// bits 3-2 are the safelink up/down counters, bits 7-4 and 1-0 are
// free for the application.
type Packet []byte

// ValidatePacket checks the length invariant from the data model.
func ValidatePacket(p []byte) error {
	if len(p) < MinPacketLength || len(p) > MaxPacketLength {
		return gwerrors.New(gwerrors.ArgumentError, "packet length %d out of range [%d, %d]", len(p), MinPacketLength, MaxPacketLength)
	}
	return nil
}

// IsNull reports whether a header byte is the null/filler sentinel.
func IsNull(header byte) bool {
	return header == NullHeader
}
