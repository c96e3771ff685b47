package link

import "sync"

// Status is the tagged connection-status variant a link moves
// through: Connecting -> Connected -> Disconnected(reason), or
// Connecting -> Disconnected(reason). Monotonic: once Disconnected it
// cannot revert.
type Status struct {
	Phase  Phase
	Reason string
}

// Phase enumerates the three states a Status can be in.
type Phase int

const (
	Connecting Phase = iota
	Connected
	Disconnected
)

// IsConnected reports whether s represents the Connected phase, i.e. the
// "connected" boolean the control dispatcher returns to clients.
func (s Status) IsConnected() bool {
	return s.Phase == Connected
}

// String renders the short human string used for the RPC `status`
// field: "Connecting", "Connected", or "Disconnected: <reason>".
func (s Status) String() string {
	switch s.Phase {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected: " + s.Reason
	default:
		return "Unknown"
	}
}

// statusBox is a multi-reader/single-writer cell for Status: the link
// worker and the disconnect path write, the dispatcher reads
// concurrently.
type statusBox struct {
	mu sync.RWMutex
	s  Status
}

func newStatusBox() *statusBox {
	return &statusBox{s: Status{Phase: Connecting}}
}

func (b *statusBox) Get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

// Set applies a transition, enforcing the monotonic invariant: once
// Disconnected, further writes are ignored.
func (b *statusBox) Set(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.s.Phase == Disconnected {
		return
	}
	b.s = s
}
