package radio

import "context"

// Dongle is the blocking USB device this gateway multiplexes. Opening
// the real hardware is someone else's problem; this interface only
// fixes the shape every implementation must offer: set_channel,
// set_address, send_packet(payload, &mut ack_buf) -> Ack, scan_channels.
//
// Implementations are not expected to be safe for concurrent use; the
// arbiter (internal/arbiter) is what makes that safe, by funneling
// every call through one goroutine.
type Dongle interface {
	// SetChannel tunes the dongle to ch before the next SendPacket.
	SetChannel(ch Channel) error
	// SetAddress sets the pipe address used for the next SendPacket or
	// ScanChannels call.
	SetAddress(addr Address) error
	// SendPacket transmits payload and blocks for one ack cycle. The
	// returned Ack.Payload is truncated to Ack.Length by the caller.
	SendPacket(ctx context.Context, payload []byte) (Ack, error)
	// ScanChannels iterates channels in [start, stop] (inclusive),
	// sending payload on each and collecting every channel that comes
	// back acked. Returned in strictly increasing channel order.
	ScanChannels(ctx context.Context, start, stop Channel, payload []byte) ([]Channel, error)
	// Serial returns the device's USB serial number, for logging and
	// --serial device selection.
	Serial() string
	// Close releases the underlying USB handle.
	Close() error
}
