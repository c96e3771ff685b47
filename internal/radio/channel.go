package radio

import "github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"

// MaxChannel is the highest RF channel number the dongle accepts.
const MaxChannel = 125

// Channel is a validated nRF24 RF channel number in [0, MaxChannel].
type Channel uint8

// NewChannel validates n and returns the corresponding Channel.
// Construction is the only place the bound is enforced; once a
// Channel value exists callers may trust it.
func NewChannel(n int) (Channel, error) {
	if n < 0 || n > MaxChannel {
		return 0, gwerrors.New(gwerrors.ArgumentError, "channel %d out of range [0, %d]", n, MaxChannel)
	}
	return Channel(n), nil
}

// Number returns the plain integer value.
func (c Channel) Number() int {
	return int(c)
}
