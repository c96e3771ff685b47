// Package arbiter serializes exclusive access to one radio dongle
// across many concurrent callers.
//
// One goroutine owns the radio.Dongle; commands travel in on a
// buffered multi-producer queue, and every Scan/SendPacket call makes
// its own single-slot reply channel so concurrent callers can never
// cross-deliver results. Cloning the handle (Handle.Clone) is cheap -
// it shares the command queue and only bumps a reference count - which
// is the only correct way to multiplex blocking USB I/O from many
// goroutines without holding a lock across the device call.
package arbiter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwlog"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

var logger = gwlog.For("arbiter")

// ScanResult is the reply to a Scan command.
type ScanResult struct {
	Found []radio.Channel
}

// SendResult is the reply to a SendPacket command.
type SendResult struct {
	Ack     radio.Ack
	Payload []byte
}

type scanCmd struct {
	start, stop radio.Channel
	address     radio.Address
	payload     []byte
	reply       chan result[ScanResult]
}

type sendCmd struct {
	channel radio.Channel
	address radio.Address
	payload []byte
	reply   chan result[SendResult]
}

type result[T any] struct {
	value T
	err   error
}

// command is the sum type the single consumer goroutine dequeues.
// Exactly one of scan/send is non-nil.
type command struct {
	scan *scanCmd
	send *sendCmd
}

// Arbiter owns the shared command queue and the refcount on the
// dongle. It is not used directly by callers - they go through a
// Handle obtained from New or Clone.
type arbiter struct {
	commands chan command
	refcount int64
}

// Handle is the client-facing, cheaply-clonable view of the arbiter.
// Each call on a Handle gets its own reply channel, so a Handle can be
// used from its own goroutine concurrently with every other clone.
type Handle struct {
	a         *arbiter
	closeOnce sync.Once
}

// New takes ownership of dongle and starts its worker goroutine. The
// returned Handle is the first (and, until Clone is called, only)
// reference; closing it stops the worker and closes the dongle.
func New(dongle radio.Dongle) *Handle {
	a := &arbiter{
		commands: make(chan command, 64),
		refcount: 1,
	}

	go run(a, dongle)

	return &Handle{a: a}
}

// Clone returns a new Handle sharing the same command queue. Safe to
// call concurrently with any other method on any clone.
func (h *Handle) Clone() *Handle {
	atomic.AddInt64(&h.a.refcount, 1)
	return &Handle{a: h.a}
}

// Close releases this handle's share of the arbiter. Once every clone
// has been closed the worker goroutine drains its queue and exits,
// closing the underlying dongle - an explicit refcounted Close because
// Go has no destructors to hook "last reference dropped" into.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		if atomic.AddInt64(&h.a.refcount, -1) == 0 {
			close(h.a.commands)
		}
	})
}

// Scan asks the dongle to set address then iterate channels in
// [start, stop] looking for any that ack payload. Channels are
// returned in strictly increasing order.
func (h *Handle) Scan(ctx context.Context, start, stop radio.Channel, address radio.Address, payload []byte) ([]radio.Channel, error) {
	reply := make(chan result[ScanResult], 1)
	cmd := command{scan: &scanCmd{start: start, stop: stop, address: address, payload: payload, reply: reply}}

	select {
	case h.a.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.value.Found, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendPacket sets channel and address, then transmits payload with a
// 32-byte receive buffer truncated to the ack's reported length.
func (h *Handle) SendPacket(ctx context.Context, channel radio.Channel, address radio.Address, payload []byte) (radio.Ack, []byte, error) {
	reply := make(chan result[SendResult], 1)
	cmd := command{send: &sendCmd{channel: channel, address: address, payload: payload, reply: reply}}

	select {
	case h.a.commands <- cmd:
	case <-ctx.Done():
		return radio.Ack{}, nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return radio.Ack{}, nil, r.err
		}
		return r.value.Ack, r.value.Payload, nil
	case <-ctx.Done():
		return radio.Ack{}, nil, ctx.Err()
	}
}

// run is the single consumer goroutine. It preserves FIFO order by
// construction: Go channels deliver sends in the order they were
// enqueued, and this loop never reorders or batches them.
func run(a *arbiter, dongle radio.Dongle) {
	defer func() {
		if err := dongle.Close(); err != nil {
			logger.Warn("closing dongle", "error", err)
		}
	}()

	var sticky error // once the device is permanently unusable, replay this to everyone

	for cmd := range a.commands {
		switch {
		case cmd.scan != nil:
			c := cmd.scan
			if sticky != nil {
				c.reply <- result[ScanResult]{err: sticky}
				continue
			}
			found, err := doScan(dongle, c.start, c.stop, c.address, c.payload)
			if isFatal(err) {
				sticky = err
			}
			c.reply <- result[ScanResult]{value: ScanResult{Found: found}, err: err}
		case cmd.send != nil:
			c := cmd.send
			if sticky != nil {
				c.reply <- result[SendResult]{err: sticky}
				continue
			}
			ack, payload, err := doSend(dongle, c.channel, c.address, c.payload)
			if isFatal(err) {
				sticky = err
			}
			c.reply <- result[SendResult]{value: SendResult{Ack: ack, Payload: payload}, err: err}
		}
	}
}

// isFatal decides whether a device error should be replayed to every
// subsequent caller: once the device becomes permanently unusable,
// each in-flight command surfaces that error and subsequent commands
// get the same error until the arbiter is dropped. Treating every
// CrazyradioError as fatal-until-proven-otherwise would be too strong
// for transient NAKs, so only errors the Dongle implementation tags as
// permanent (via gwerrors.ServerError, which Close()/USB-detach
// plumbing uses) are sticky.
func isFatal(err error) bool {
	// doScan/doSend wrap every dongle error as CrazyradioError, so the
	// dongle's own tag sits further down the Unwrap chain.
	for e := err; e != nil; {
		var tagged *gwerrors.Error
		if !asTagged(e, &tagged) {
			return false
		}
		if tagged.Tag == gwerrors.ServerError {
			return true
		}
		e = tagged.Unwrap()
	}
	return false
}

func asTagged(err error, out **gwerrors.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if te, ok := e.(*gwerrors.Error); ok {
			*out = te
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func doScan(dongle radio.Dongle, start, stop radio.Channel, address radio.Address, payload []byte) ([]radio.Channel, error) {
	if err := dongle.SetAddress(address); err != nil {
		return nil, gwerrors.Wrap(gwerrors.CrazyradioError, err)
	}
	found, err := dongle.ScanChannels(context.Background(), start, stop, payload)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CrazyradioError, err)
	}
	return found, nil
}

func doSend(dongle radio.Dongle, channel radio.Channel, address radio.Address, payload []byte) (radio.Ack, []byte, error) {
	if err := dongle.SetChannel(channel); err != nil {
		return radio.Ack{}, nil, gwerrors.Wrap(gwerrors.CrazyradioError, err)
	}
	if err := dongle.SetAddress(address); err != nil {
		return radio.Ack{}, nil, gwerrors.Wrap(gwerrors.CrazyradioError, err)
	}

	ack, err := dongle.SendPacket(context.Background(), payload)
	if err != nil {
		return radio.Ack{}, nil, gwerrors.Wrap(gwerrors.CrazyradioError, err)
	}

	out := ack.Payload
	if int(ack.Length) <= len(out) {
		out = out[:ack.Length]
	}
	return ack, out, nil
}
