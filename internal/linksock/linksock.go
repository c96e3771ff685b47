// Package linksock provides the length-prefixed TCP framing and
// ephemeral-port listener helper shared by the gateway's control
// socket and every link's push/pull streaming sockets.
//
// No ZeroMQ binding is available, so every request-reply and
// push/pull socket in this gateway is a plain TCP connection carrying
// one reusable frame codec: a uint32 little-endian length prefix
// followed by exactly that many payload bytes, with no further
// structure - the payload's own shape (a raw packet, or a JSON-RPC
// document) is opaque to this layer.
package linksock

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
)

// MaxFrameLength bounds a single frame to guard against a misbehaving
// peer claiming an absurd length prefix.
const MaxFrameLength = 1 << 20

// EphemeralPortLow and EphemeralPortHigh bound the range push/pull
// sockets are assigned from: [49152, 65535).
const (
	EphemeralPortLow  = 49152
	EphemeralPortHigh = 65535
)

// maxBindRetries is the number of ephemeral-port collisions we will
// retry before giving up with a ServerError.
const maxBindRetries = 10

// Conn wraps a net.Conn with frame-at-a-time Send/Recv.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	buf [4]byte
}

// NewConn adopts an already-established connection for framed I/O.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes one frame: a 4-byte little-endian length prefix followed
// by payload.
func (c *Conn) Send(payload []byte) error {
	binary.LittleEndian.PutUint32(c.buf[:], uint32(len(payload)))
	if _, err := c.nc.Write(c.buf[:]); err != nil {
		return gwerrors.Wrap(gwerrors.SocketError, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.nc.Write(payload); err != nil {
		return gwerrors.Wrap(gwerrors.SocketError, err)
	}
	return nil
}

// Recv reads one frame and returns its payload.
func (c *Conn) Recv() ([]byte, error) {
	if _, err := io.ReadFull(c.r, c.buf[:]); err != nil {
		return nil, gwerrors.Wrap(gwerrors.SocketError, err)
	}
	n := binary.LittleEndian.Uint32(c.buf[:])
	if n > MaxFrameLength {
		return nil, gwerrors.New(gwerrors.SocketError, "frame length %d exceeds maximum %d", n, MaxFrameLength)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, gwerrors.Wrap(gwerrors.SocketError, err)
		}
	}
	return payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Underlying exposes the raw net.Conn so callers can manage read/write
// deadlines directly with the standard time.Time-based API.
func (c *Conn) Underlying() net.Conn {
	return c.nc
}

// Listener is a bound TCP listener plus the concrete port the OS
// assigned it.
type Listener struct {
	net.Listener
	Port int
}

// ListenEphemeral binds a TCP listener on loopback, picking a port in
// [EphemeralPortLow, EphemeralPortHigh) and retrying up to
// maxBindRetries times on collision. Every bind sets SO_REUSEADDR so a
// quick restart doesn't find the port still held by a lingering
// socket in TIME_WAIT.
func ListenEphemeral() (*Listener, error) {
	var lastErr error
	for attempt := 0; attempt < maxBindRetries; attempt++ {
		port := EphemeralPortLow + pseudoRandomOffset(attempt)
		l, err := listenWithReuseAddr(fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return &Listener{Listener: l, Port: port}, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, gwerrors.Wrap(gwerrors.SocketError, err)
		}
		lastErr = err
	}
	return nil, gwerrors.New(gwerrors.ServerError, "no free ephemeral port after %d tries: %v", maxBindRetries, lastErr)
}

// Listen binds a TCP listener on all interfaces at a fixed port - used
// for the control socket, whose port is a configurable CLI flag rather
// than assigned from the ephemeral range.
func Listen(port int) (*Listener, error) {
	l, err := listenWithReuseAddr(fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.SocketError, err)
	}
	return &Listener{Listener: l, Port: port}, nil
}

func listenWithReuseAddr(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	if tcpListener, ok := l.(*net.TCPListener); ok {
		if file, fileErr := tcpListener.File(); fileErr == nil {
			_ = unix.SetsockoptInt(int(file.Fd()), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			_ = file.Close()
		}
	}

	return l, nil
}

// pseudoRandomOffset spreads bind retries across the ephemeral range
// without pulling in math/rand for what is, in the common case, a
// single successful attempt; collisions are rare enough in practice
// that a deterministic walk is sufficient and keeps retries
// reproducible in tests.
func pseudoRandomOffset(attempt int) int {
	span := EphemeralPortHigh - EphemeralPortLow
	return (attempt * 7919) % span
}
