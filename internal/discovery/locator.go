package discovery

import (
	"fmt"
	"net/netip"
	"strings"
)

// Locators have the form lcs://<device-uid>@<host>:<port> where the device
// UID is <manufacturer:4 hex>:<serial:8 hex>.
const locatorScheme = "lcs://"

// DeviceUID identifies a device independent of its network address.
type DeviceUID struct {
	Manufacturer uint16
	Serial       uint32
}

// IsBroadcast reports whether the UID is the all-ones broadcast identifier.
// Broadcast UIDs never map to a connectable device.
func (u DeviceUID) IsBroadcast() bool {
	return u.Manufacturer == 0xFFFF && u.Serial == 0xFFFFFFFF
}

func (u DeviceUID) String() string {
	return fmt.Sprintf("%04x:%08x", u.Manufacturer, u.Serial)
}

// ParseLocator splits a locator into the device UID and its network address.
func ParseLocator(locator string) (DeviceUID, netip.AddrPort, error) {
	var uid DeviceUID
	var addr netip.AddrPort

	rest, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return uid, addr, fmt.Errorf("locator %q: missing %s scheme", locator, locatorScheme)
	}

	uidPart, addrPart, ok := strings.Cut(rest, "@")
	if !ok {
		return uid, addr, fmt.Errorf("locator %q: missing @ separator", locator)
	}

	var err error
	if uid, err = parseUID(uidPart); err != nil {
		return uid, addr, fmt.Errorf("locator %q: %w", locator, err)
	}
	if addr, err = netip.ParseAddrPort(addrPart); err != nil {
		return uid, addr, fmt.Errorf("locator %q: bad address: %w", locator, err)
	}
	return uid, addr, nil
}

func parseUID(s string) (DeviceUID, error) {
	var uid DeviceUID
	mfr, serial, ok := strings.Cut(s, ":")
	if !ok || len(mfr) != 4 || len(serial) != 8 {
		return uid, fmt.Errorf("bad device uid %q", s)
	}
	if _, err := fmt.Sscanf(mfr, "%04x", &uid.Manufacturer); err != nil {
		return uid, fmt.Errorf("bad device uid %q", s)
	}
	if _, err := fmt.Sscanf(serial, "%08x", &uid.Serial); err != nil {
		return uid, fmt.Errorf("bad device uid %q", s)
	}
	return uid, nil
}
