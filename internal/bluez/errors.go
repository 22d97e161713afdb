// Package bluez talks to the BlueZ managers of one controller: GATT
// application registration and LE advertising.
package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/srg/blepd/internal/bus"
)

// RegistrationError reports a rejected or failed (un)registration call.
type RegistrationError struct {
	Op     string
	Path   dbus.ObjectPath
	Result bus.Result
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Result)
}

// Is matches bus.ErrRegistration.
func (e *RegistrationError) Is(target error) bool {
	return target == bus.ErrRegistration
}

// Unwrap exposes the transport-level cause (timeout, transport failure).
func (e *RegistrationError) Unwrap() error {
	return e.Result.Err(e.Op)
}

func registrationError(op string, path dbus.ObjectPath, r bus.Result) error {
	if r.OK() {
		return nil
	}
	return &RegistrationError{Op: op, Path: path, Result: r}
}
