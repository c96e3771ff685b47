package radio

import (
	"context"
	"sync"
)

// SimDongle is an in-memory Dongle used by tests and, until a real USB
// driver is wired in, by the gateway process itself.
//
// Behaviour is driven by the OnSend callback and the
// RespondingChannels list so tests can script arbitrary ack sequences;
// sensible defaults stand in when they're nil.
type SimDongle struct {
	mu      sync.Mutex
	channel Channel
	address Address
	serial  string

	// OnSend, if set, computes the Ack for a given outgoing payload.
	// Defaults to echoing the payload back as received.
	OnSend func(channel Channel, address Address, payload []byte) (Ack, error)

	// RespondingChannels lists channels that ack during ScanChannels.
	// Must be in increasing order; ScanChannels preserves that order.
	RespondingChannels []Channel
}

// NewSimDongle builds a SimDongle that, by default, echoes every sent
// payload back as a received ack - useful as the "remote" side of
// safelink negotiation in tests.
func NewSimDongle(serial string) *SimDongle {
	return &SimDongle{serial: serial}
}

func (d *SimDongle) SetChannel(ch Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channel = ch
	return nil
}

func (d *SimDongle) SetAddress(addr Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = addr
	return nil
}

func (d *SimDongle) SendPacket(_ context.Context, payload []byte) (Ack, error) {
	d.mu.Lock()
	channel, address, cb := d.channel, d.address, d.OnSend
	d.mu.Unlock()

	if cb != nil {
		return cb(channel, address, payload)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	return Ack{Received: true, Length: uint16(len(cp)), Payload: cp}, nil
}

func (d *SimDongle) ScanChannels(_ context.Context, start, stop Channel, _ []byte) ([]Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found []Channel
	for _, ch := range d.RespondingChannels {
		if ch >= start && ch <= stop {
			found = append(found, ch)
		}
	}
	return found, nil
}

func (d *SimDongle) Serial() string {
	return d.serial
}

func (d *SimDongle) Close() error {
	return nil
}
