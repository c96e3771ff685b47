// Package registry owns the map of active links and enforces their
// lifecycle. It is deliberately single-threaded: the control
// dispatcher that owns a Registry serializes every RPC across every
// client connection behind its own mutex before it ever reaches here,
// so no locking is required around the map itself. A Registry must not be
// called from more than one goroutine at a time.
package registry

import (
	"context"
	"fmt"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
	"github.com/crazyflie/crazyradio-gatewayd/internal/link"
)

// Registry maps link.Key to its live connection record.
type Registry struct {
	radio   *arbiter.Handle
	records map[link.Key]*link.Record
}

// New builds an empty registry backed by radio for every link it
// connects. radio is cloned once per link (see Connect) so each link
// holds its own reference to the arbiter, released when its worker
// exits.
func New(radio *arbiter.Handle) *Registry {
	return &Registry{radio: radio, records: make(map[link.Key]*link.Record)}
}

// Connect implements the Connect RPC's link-lifecycle rules:
//  1. an active record for key is an ArgumentError
//  2. a terminal (Disconnected) record for key is dropped first
//  3. a new connection is constructed and its initial status awaited
//  4. the record is inserted and returned
func (reg *Registry) Connect(ctx context.Context, key link.Key) (*link.Record, error) {
	if existing, ok := reg.records[key]; ok {
		if existing.Status().Phase != link.Disconnected {
			return nil, gwerrors.New(gwerrors.ArgumentError, "Connection already active!")
		}
		delete(reg.records, key)
	}

	rec, err := link.Connect(ctx, reg.radio.Clone(), key)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.SocketError, err)
	}

	reg.records[key] = rec
	return rec, nil
}

// Status implements GetConnectionStatus: ArgumentError if no record
// exists for key.
func (reg *Registry) Status(key link.Key) (link.Status, error) {
	rec, ok := reg.records[key]
	if !ok {
		return link.Status{}, gwerrors.New(gwerrors.ArgumentError, "no connection for %s", describe(key))
	}
	return rec.Status(), nil
}

// Disconnect removes the record from the map before joining its
// workers, so a concurrent Connect for the same key (which can't
// actually happen given the single-threaded dispatcher, but keeps the
// invariant explicit) never observes a half-torn-down record.
func (reg *Registry) Disconnect(key link.Key) error {
	rec, ok := reg.records[key]
	if !ok {
		return gwerrors.New(gwerrors.ArgumentError, "no connection for %s", describe(key))
	}
	delete(reg.records, key)
	rec.Disconnect()
	return nil
}

func describe(key link.Key) string {
	return fmt.Sprintf("channel=%d address=%s", key.Channel.Number(), key.Address)
}
