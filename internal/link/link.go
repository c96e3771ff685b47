// Package link implements the per-link connection engine: the
// two-phase connect handshake, the single-goroutine poll-driven
// full-duplex pacing loop, and the push/pull streaming sockets.
//
// Every link gets its own radio.Channel/radio.Address pair and its own
// pair of ephemeral ports, rather than a single hardcoded channel and
// fixed port pair - many links share one dongle through the arbiter,
// so nothing about a link's addressing or sockets can be global.
package link

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwlog"
	"github.com/crazyflie/crazyradio-gatewayd/internal/linksock"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
	"github.com/crazyflie/crazyradio-gatewayd/internal/safelink"
)

var logger = gwlog.For("link")

// Key identifies one live link in the registry: a (Channel, Address)
// pair. A URI-flavored link key is resolved to a Key by
// internal/discovery before reaching this package, so the connection
// engine only ever deals with one shape.
type Key struct {
	Channel radio.Channel
	Address radio.Address
}

// connectTimeout bounds how long Connect waits for the link to settle
// into Connected or Disconnected before giving up - the handshake
// itself already bounds this to 10 safelink attempts, so this is a
// generous backstop, not the primary timeout.
const connectTimeout = 5 * time.Second

// idleTimeout: no acked packet for this long terminates the link. A
// var, not a const, so tests can shrink it rather than sleeping a full
// second.
var idleTimeout = 1000 * time.Millisecond

// Record is one entry in the connection registry: the shared status
// cell, the stop flag, the two streaming ports, and the handles needed
// to join the worker and release the radio arbiter handle on
// disconnect.
type Record struct {
	Key Key

	status *statusBox
	stopCh chan struct{}

	PushPort int
	PullPort int

	workerDone chan struct{}
	radioHandle *arbiter.Handle

	pullListener *linksock.Listener
	pushListener *linksock.Listener
}

// Status returns the current connection status. Safe for concurrent
// use while the link is live.
func (r *Record) Status() Status {
	return r.status.Get()
}

// Connect establishes a new link: binds the two streaming sockets,
// spawns the worker goroutine, and blocks until the worker publishes
// either Connected or a terminal Disconnected status, so the caller
// can report connected/status in the same RPC reply.
func Connect(ctx context.Context, radioHandle *arbiter.Handle, key Key) (*Record, error) {
	pullListener, err := linksock.ListenEphemeral()
	if err != nil {
		return nil, err
	}
	pushListener, err := linksock.ListenEphemeral()
	if err != nil {
		pullListener.Close()
		return nil, err
	}

	r := &Record{
		Key:          key,
		status:       newStatusBox(),
		stopCh:       make(chan struct{}),
		PushPort:     pushListener.Port,
		PullPort:     pullListener.Port,
		workerDone:   make(chan struct{}),
		radioHandle:  radioHandle,
		pullListener: pullListener,
		pushListener: pushListener,
	}

	initialDone := make(chan struct{})
	go r.run(initialDone)

	select {
	case <-initialDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		return nil, errors.New("timed out waiting for link to reach an initial status")
	}

	return r, nil
}

// Disconnect requests orderly shutdown and blocks until the worker
// goroutine has exited and the ports are released. It is idempotent
// only in the sense that calling it twice on the same Record is safe;
// the registry is responsible for removing the Record from the map
// before a second caller could reach it.
func (r *Record) Disconnect() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.workerDone
}

func (r *Record) run(initialDone chan struct{}) {
	defer close(r.workerDone)
	defer r.radioHandle.Close()

	engine := safelink.New(r.radioHandle, r.Key.Channel, r.Key.Address)

	negotiated, err := engine.Negotiate(context.Background())
	if err != nil || !negotiated {
		r.status.Set(Status{Phase: Disconnected, Reason: "Cannot initialize connection"})
		close(initialDone)
		r.pullListener.Close()
		r.pushListener.Close()
		return
	}

	r.status.Set(Status{Phase: Connected})
	close(initialDone)

	pullConn, ok := r.acceptWithStop(r.pullListener)
	if !ok {
		r.finish(Status{Phase: Disconnected, Reason: "Disconnect requested"})
		return
	}
	defer pullConn.Close()

	pushConn, ok := r.acceptWithStop(r.pushListener)
	if !ok {
		r.finish(Status{Phase: Disconnected, Reason: "Disconnect requested"})
		return
	}
	defer pushConn.Close()

	r.pacingLoop(engine, linksock.NewConn(pullConn), linksock.NewConn(pushConn))
}

// finish applies the terminal status and closes both listeners, so
// the ports are released by the time Disconnect (or the timeout path)
// returns.
func (r *Record) finish(s Status) {
	r.status.Set(s)
	r.pullListener.Close()
	r.pushListener.Close()
}

// acceptWithStop accepts one connection on l, but gives up and returns
// false if the stop flag fires first - bounding the wait the same way
// every other blocking call in a link worker is bounded.
func (r *Record) acceptWithStop(l *linksock.Listener) (net.Conn, bool) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, false
		}
		return res.conn, true
	case <-r.stopCh:
		l.Close()
		res := <-ch // Accept() is now unblocked by the close, drain it
		if res.err != nil {
			return nil, false
		}
		return res.conn, true
	}
}

// pacingLoop is the single-goroutine pacing variant: one loop reads
// outgoing application frames, transmits them through safelink, and
// forwards whatever comes back to the push socket.
func (r *Record) pacingLoop(engine *safelink.Engine, pull, push *linksock.Conn) {
	relaxTimeoutMs := 10
	needsResend := false
	packet := []byte{radio.NullHeader}
	lastAck := time.Now()

	for {
		select {
		case <-r.stopCh:
			r.finish(Status{Phase: Disconnected, Reason: "Disconnect requested"})
			return
		default:
		}

		if time.Since(lastAck) > idleTimeout {
			r.finish(Status{Phase: Disconnected, Reason: "Connection timeout"})
			return
		}

		if !needsResend {
			next, timedOut := r.readOutgoing(pull, relaxTimeoutMs)
			if timedOut {
				packet = []byte{radio.NullHeader}
			} else if next != nil {
				packet = next
			} else {
				// Pull socket closed - treat like a disconnect request
				// rather than spin; the client going away is the most
				// common reason for EOF here.
				r.finish(Status{Phase: Disconnected, Reason: "Disconnect requested"})
				return
			}
		}

		toSend := append([]byte(nil), packet...)
		result, err := engine.Transmit(context.Background(), toSend)
		if err != nil {
			r.finish(Status{Phase: Disconnected, Reason: err.Error()})
			return
		}

		if result.Ack.Received {
			lastAck = time.Now()
			needsResend = false

			if result.Delivered != nil {
				if sendErr := push.Send(result.Delivered); sendErr != nil {
					logger.Warn("push socket send failed", "key", r.Key, "error", sendErr)
				}
				relaxTimeoutMs = 0
			} else {
				relaxTimeoutMs = 10
			}
		} else {
			needsResend = true
		}
	}
}

// readOutgoing polls the pull socket with a timeout in milliseconds.
// Returns (packet, false) on a real frame, (nil, true) on timeout, and
// (nil, false) if the connection is gone.
func (r *Record) readOutgoing(pull *linksock.Conn, timeoutMs int) ([]byte, bool) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	if timeoutMs == 0 {
		// An immediate, non-blocking poll: give Recv the smallest
		// deadline that still lets one read attempt land.
		deadline = time.Now().Add(time.Millisecond)
	}
	_ = pull.Underlying().SetReadDeadline(deadline)

	payload, err := pull.Recv()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true
		}
		return nil, false
	}
	return payload, false
}
