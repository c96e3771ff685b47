package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/discovery"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwlog"
	"github.com/crazyflie/crazyradio-gatewayd/internal/link"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
	"github.com/crazyflie/crazyradio-gatewayd/internal/registry"
)

var logger = gwlog.For("control")

// rpcTimeout bounds every radio or link operation the dispatcher waits
// on - requests are never pipelined, so a single slow radio command
// would otherwise stall the whole control socket indefinitely.
const rpcTimeout = 5 * time.Second

// Dispatcher translates JSON-RPC requests into arbiter/registry
// operations. Many client processes each hold their own connection to
// the control socket, and each connection is served from its own
// goroutine, so Handle is called concurrently across connections even
// though each individual connection is strictly request-reply. mu
// serializes those calls into a single effective dispatcher thread -
// one RPC in flight at a time, regardless of which client it came from
// - which is what lets the registry below stay a plain unsynchronized
// map instead of needing its own locking.
type Dispatcher struct {
	mu       sync.Mutex
	radio    *arbiter.Handle
	reg      *registry.Registry
	resolver *discovery.Resolver
	version  string
}

// New builds a Dispatcher. radioHandle is cloned internally - once for
// one-shot scan/sendPacket calls, once more inside the registry for
// the links it opens - so the caller keeps ownership of the handle it
// passed in.
func New(radioHandle *arbiter.Handle, resolver *discovery.Resolver, version string) *Dispatcher {
	return &Dispatcher{
		radio:    radioHandle.Clone(),
		reg:      registry.New(radioHandle.Clone()),
		resolver: resolver,
		version:  version,
	}
}

// Handle parses and executes one JSON-RPC request document, returning
// the serialized response document. It never returns an error itself;
// every failure is encoded into the JSON-RPC response's error field.
// Safe to call concurrently from many goroutines: the dispatch itself
// is serialized by mu, so requests from different client connections
// are never interleaved against the registry, only queued behind one
// another.
func (d *Dispatcher) Handle(raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustMarshal(Response{
			JSONRPC: ProtocolVersion,
			Error:   &WireError{Code: ParseErrorCode, Message: gwerrors.Wrap(gwerrors.DeserializeError, err).Error()},
			ID:      json.RawMessage("null"),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	d.mu.Lock()
	result, err := d.dispatch(ctx, req.Method, req.Params)
	d.mu.Unlock()
	if err != nil {
		var tagged *gwerrors.Error
		if !errors.As(err, &tagged) {
			// Only the arbiter's context errors arrive untagged.
			err = gwerrors.Wrap(gwerrors.CrazyradioError, err)
		}
		logger.Debug("request failed", "method", req.Method, "error", err)
		return mustMarshal(Response{
			JSONRPC: ProtocolVersion,
			Error:   &WireError{Code: DomainErrorCode, Message: err.Error()},
			ID:      req.ID,
		})
	}

	return mustMarshal(Response{
		JSONRPC: ProtocolVersion,
		Result:  result,
		ID:      req.ID,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "getVersion":
		return d.version, nil
	case "scan":
		return d.scan(ctx, params)
	case "sendPacket":
		return d.sendPacket(ctx, params)
	case "connect":
		return d.connect(ctx, params)
	case "getConnectionStatus":
		return d.getConnectionStatus(params)
	case "disconnect":
		return d.disconnect(params)
	default:
		return nil, gwerrors.New(gwerrors.ArgumentError, "unknown method %q", method)
	}
}

func (d *Dispatcher) scan(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ScanParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	if p.Start == nil || p.Stop == nil {
		// URI-variant scan: no channel range given, so enumerate
		// reachable dongles/links by URI instead of sweeping channels.
		uris, err := d.resolver.ListURIs(ctx)
		if err != nil {
			return nil, err
		}
		return ScanResult{Found: uris}, nil
	}

	start, err := radio.NewChannel(*p.Start)
	if err != nil {
		return nil, err
	}
	stop, err := radio.NewChannel(*p.Stop)
	if err != nil {
		return nil, err
	}

	address := radio.DefaultAddress
	if p.Address != nil {
		address, err = radio.NewAddress(*p.Address)
		if err != nil {
			return nil, err
		}
	}

	found, err := d.radio.Scan(ctx, start, stop, address, p.Payload)
	if err != nil {
		return nil, err
	}

	numbers := make([]int, len(found))
	for i, ch := range found {
		numbers[i] = ch.Number()
	}
	return ScanResult{Found: numbers}, nil
}

func (d *Dispatcher) sendPacket(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SendPacketParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	channel, err := radio.NewChannel(p.Channel)
	if err != nil {
		return nil, err
	}

	address := radio.DefaultAddress
	if p.Address != nil {
		address, err = radio.NewAddress(*p.Address)
		if err != nil {
			return nil, err
		}
	}

	if err := radio.ValidatePacket(p.Payload); err != nil {
		return nil, err
	}

	ack, payload, err := d.radio.SendPacket(ctx, channel, address, p.Payload)
	if err != nil {
		return nil, err
	}

	return SendPacketResult{Acked: ack.Received, Payload: payload}, nil
}

func (d *Dispatcher) connect(ctx context.Context, raw json.RawMessage) (any, error) {
	var p LinkParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	key, err := d.resolveKey(ctx, p)
	if err != nil {
		return nil, err
	}

	rec, err := d.reg.Connect(ctx, key)
	if err != nil {
		return nil, err
	}

	status := rec.Status()
	return ConnectResult{
		Connected: status.IsConnected(),
		Status:    status.String(),
		Push:      rec.PushPort,
		Pull:      rec.PullPort,
	}, nil
}

func (d *Dispatcher) getConnectionStatus(raw json.RawMessage) (any, error) {
	var p LinkParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	key, err := d.resolveKey(context.Background(), p)
	if err != nil {
		return nil, err
	}

	status, err := d.reg.Status(key)
	if err != nil {
		return nil, err
	}

	return StatusResult{Connected: status.IsConnected(), Status: status.String()}, nil
}

func (d *Dispatcher) disconnect(raw json.RawMessage) (any, error) {
	var p LinkParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	key, err := d.resolveKey(context.Background(), p)
	if err != nil {
		return nil, err
	}

	if err := d.reg.Disconnect(key); err != nil {
		return nil, err
	}

	return json.RawMessage("null"), nil
}

func (d *Dispatcher) resolveKey(ctx context.Context, p LinkParams) (link.Key, error) {
	if p.URI != nil {
		return d.resolver.ResolveURI(ctx, *p.URI)
	}

	if p.Channel == nil {
		return link.Key{}, gwerrors.New(gwerrors.ArgumentError, "params must include either channel or uri")
	}

	channel, err := radio.NewChannel(*p.Channel)
	if err != nil {
		return link.Key{}, err
	}

	address := radio.DefaultAddress
	if p.Address != nil {
		address, err = radio.NewAddress(*p.Address)
		if err != nil {
			return link.Key{}, err
		}
	}

	return link.Key{Channel: channel, Address: address}, nil
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return gwerrors.New(gwerrors.ArgumentError, "missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return gwerrors.New(gwerrors.ArgumentError, "invalid params: %v", err)
	}
	return nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Response/WireError are both trivially marshalable; a failure
		// here means a programming error, not a client-triggerable one.
		panic(err)
	}
	return b
}
