package gatt

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// Flags is the characteristic property bitmask, using the same bit values as
// the Bluetooth core specification (and go-ble).
type Flags ble.Property

const (
	FlagBroadcast            = Flags(ble.CharBroadcast)
	FlagRead                 = Flags(ble.CharRead)
	FlagWriteWithoutResponse = Flags(ble.CharWriteNR)
	FlagWrite                = Flags(ble.CharWrite)
	FlagNotify               = Flags(ble.CharNotify)
	FlagIndicate             = Flags(ble.CharIndicate)
)

// flagNames lists the supported flags with their BlueZ names, in
// serialisation order.
var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagBroadcast, "broadcast"},
	{FlagRead, "read"},
	{FlagWriteWithoutResponse, "write-without-response"},
	{FlagWrite, "write"},
	{FlagNotify, "notify"},
	{FlagIndicate, "indicate"},
}

// Has reports whether every bit of other is set in f.
func (f Flags) Has(other Flags) bool {
	return other != 0 && f&other == other
}

// Any reports whether at least one bit of other is set in f.
func (f Flags) Any(other Flags) bool {
	return f&other != 0
}

// Names returns the BlueZ names of the set flags.
func (f Flags) Names() []string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), ",")
}

// ParseFlags converts BlueZ flag names to a bitmask.
func ParseFlags(names ...string) (Flags, error) {
	var f Flags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic flag %q", raw)
		}
	}
	return f, nil
}
