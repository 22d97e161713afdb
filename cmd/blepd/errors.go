package main

import (
	"errors"

	"github.com/srg/blepd/internal/bus"
)

// Command-level errors
var (
	// ErrBusUnavailable indicates the system bus could not be reached or the
	// handshake did not complete in time.
	ErrBusUnavailable = errors.New("system bus unavailable")
)

// formatUserError adds a hint for failures users can act on.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, ErrBusUnavailable):
		return err.Error() + " (is dbus running and may this user talk to org.bluez?)"
	case errors.Is(err, bus.ErrCommandTimeout):
		return err.Error() + " (bluetoothd did not answer in time)"
	default:
		return err.Error()
	}
}
