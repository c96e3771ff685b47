package discovery

import (
	"sort"

	"github.com/jochenvg/go-udev"

	"github.com/crazyflie/crazyradio-gatewayd/internal/gwerrors"
)

// crazyradioVendorID and crazyradioProductIDs identify the nRF24 USB
// dongles this gateway knows how to open: the original Crazyradio and
// the Crazyradio PA, both sold under the Bitcraze vendor ID.
const crazyradioVendorID = "1915"

var crazyradioProductIDs = []string{"7777", "0101"}

// DongleInfo is one USB dongle candidate reported by --list, or
// resolved from --nth/--serial before opening it.
type DongleInfo struct {
	Serial  string
	DevPath string
}

// ListDongles enumerates connected Crazyradio-class USB devices via
// udev, sorted by serial so --nth is a stable index across calls.
func ListDongles() ([]DongleInfo, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()

	if err := e.AddMatchSubsystem("usb"); err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}
	if err := e.AddMatchProperty("ID_VENDOR_ID", crazyradioVendorID); err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	devices, err := e.Devices()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.ServerError, err)
	}

	out := make([]DongleInfo, 0, len(devices))
	for _, d := range devices {
		product := d.PropertyValue("ID_MODEL_ID")
		if !matchesProduct(product) {
			continue
		}
		serial := d.PropertyValue("ID_SERIAL_SHORT")
		if serial == "" {
			serial = d.PropertyValue("ID_SERIAL")
		}
		out = append(out, DongleInfo{Serial: serial, DevPath: d.Devpath()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func matchesProduct(product string) bool {
	for _, id := range crazyradioProductIDs {
		if product == id {
			return true
		}
	}
	return false
}

// SelectNth returns the Nth dongle (0-indexed) found by ListDongles,
// matching the --nth <N> CLI flag.
func SelectNth(n int) (DongleInfo, error) {
	dongles, err := ListDongles()
	if err != nil {
		return DongleInfo{}, err
	}
	if n < 0 || n >= len(dongles) {
		return DongleInfo{}, gwerrors.New(gwerrors.ArgumentError, "no dongle at index %d (found %d)", n, len(dongles))
	}
	return dongles[n], nil
}

// SelectSerial returns the dongle whose serial matches exactly,
// matching the --serial <S> CLI flag.
func SelectSerial(serial string) (DongleInfo, error) {
	dongles, err := ListDongles()
	if err != nil {
		return DongleInfo{}, err
	}
	for _, d := range dongles {
		if d.Serial == serial {
			return d, nil
		}
	}
	return DongleInfo{}, gwerrors.New(gwerrors.ArgumentError, "no dongle with serial %q", serial)
}
