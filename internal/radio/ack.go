package radio

// Ack is the link-layer acknowledgement returned by the dongle for one
// transmitted packet. Received=false means no radio-level ack arrived;
// Payload is then empty and meaningless.
type Ack struct {
	Received bool
	Length   uint16
	Payload  []byte
}
