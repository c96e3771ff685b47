// Package discovery handles everything adjacent to opening a specific
// dongle rather than talking to one that's already open: translating
// URI-flavored link keys into (channel, address) pairs, enumerating
// candidate USB dongles for --list/--nth/--serial, and announcing the
// control socket over mDNS/DNS-SD so clients on the same network don't
// have to be told a port number.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/brutella/dnssd"

	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwlog"
	"github.com/crazyflie/crazyradio-gatewayd/internal/link"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

var logger = gwlog.For("discovery")

// ServiceType is the DNS-SD service type this gateway announces itself
// under.
const ServiceType = "_crazyradio-gw._tcp"

// uriScheme is the link-key URI form this gateway accepts:
// radio://<channel>/<hex-address>, e.g. radio://80/e7e7e7e7e7.
const uriScheme = "radio://"

// Resolver turns the URI flavor of a link key into the (channel,
// address) pair the connection registry actually keys on, and
// supports the scan RPC's URI variant by listing gateway instances
// currently announced on the local network.
type Resolver struct {
	browseService string
}

// NewResolver builds a Resolver that browses for sibling gateways
// under the given DNS-SD service type. An empty serviceType defaults
// to ServiceType.
func NewResolver(serviceType string) *Resolver {
	if serviceType == "" {
		serviceType = ServiceType
	}
	return &Resolver{browseService: serviceType}
}

// ResolveURI parses a radio:// URI into a link.Key. The scheme is this
// gateway's own invention, not a standard one.
func (r *Resolver) ResolveURI(_ context.Context, uri string) (link.Key, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return link.Key{}, gwerrors.New(gwerrors.ArgumentError, "unrecognized link URI %q", uri)
	}

	rest := strings.TrimPrefix(uri, uriScheme)
	parts := strings.SplitN(rest, "/", 2)

	channelNum, err := strconv.Atoi(parts[0])
	if err != nil {
		return link.Key{}, gwerrors.New(gwerrors.ArgumentError, "bad channel in URI %q: %v", uri, err)
	}
	channel, err := radio.NewChannel(channelNum)
	if err != nil {
		return link.Key{}, err
	}

	address := radio.DefaultAddress
	if len(parts) == 2 && parts[1] != "" {
		raw, err := hex.DecodeString(parts[1])
		if err != nil {
			return link.Key{}, gwerrors.New(gwerrors.ArgumentError, "bad address in URI %q: %v", uri, err)
		}
		address, err = radio.NewAddress(raw)
		if err != nil {
			return link.Key{}, err
		}
	}

	return link.Key{Channel: channel, Address: address}, nil
}

// FormatURI is ResolveURI's exact inverse: the format a client must
// produce for the `uri` field of connect/getConnectionStatus/
// disconnect params to address a link by channel/address through the
// URI-flavored request shape. It is not used by the scan RPC, which
// addresses sibling gateway processes (via ListURIs), not individual
// channel/address pairs.
func FormatURI(key link.Key) string {
	return fmt.Sprintf("%s%d/%s", uriScheme, key.Channel.Number(), hex.EncodeToString(key.Address[:]))
}

// ListURIs browses the local network for sibling gateway instances and
// returns each one's host and port as a URI of the form
// radio-gw://<host>.local:<port>, backing the URI-addressed
// variant of the scan RPC.
func (r *Resolver) ListURIs(ctx context.Context) ([]string, error) {
	found := make([]string, 0)

	addFn := func(e dnssd.BrowseEntry) {
		found = append(found, fmt.Sprintf("radio-gw://%s.local:%d", e.Host, e.Port))
	}
	rmvFn := func(_ dnssd.BrowseEntry) {}

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := dnssd.LookUp(browseCtx, r.browseService, addFn, rmvFn); err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	return found, nil
}

// Announcer publishes this gateway's control socket over DNS-SD, the
// same pure-Go mDNS responder the KISS TCP gateway in the pack uses,
// just under this gateway's own service type and a name that includes
// the bound port instead of a hardcoded one.
type Announcer struct {
	responder dnssd.Responder
}

// Announce registers name (or a generated default if empty) on port
// under ServiceType and starts responding to mDNS queries in the
// background. Cancel ctx to stop responding.
func Announce(ctx context.Context, name string, port int) (*Announcer, error) {
	if name == "" {
		name = fmt.Sprintf("crazyradio-gatewayd-%d", port)
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	if _, err := responder.Add(service); err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	logger.Info("announcing control socket", "name", name, "port", port, "type", ServiceType)

	go func() {
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("dns-sd responder stopped", "error", err)
		}
	}()

	return &Announcer{responder: responder}, nil
}
