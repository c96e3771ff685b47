package radio

import (
	"encoding/hex"

	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
)

// AddressLength is the fixed width of an nRF24 pipe address.
const AddressLength = 5

// Address is a 5-byte nRF24 pipe address.
type Address [AddressLength]byte

// DefaultAddress is used on the wire whenever a request omits one.
var DefaultAddress = Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}

// NewAddress validates a byte slice and returns the corresponding
// Address. Any length other than AddressLength is an ArgumentError.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, gwerrors.New(gwerrors.ArgumentError, "address must be %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}
