package bluez

import (
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bus"
)

// DefaultControllerPath is the first local adapter.
const DefaultControllerPath dbus.ObjectPath = "/org/bluez/hci0"

// Controller groups the managers of one local adapter.
type Controller struct {
	path        dbus.ObjectPath
	Gatt        *GattManager
	Advertising *AdvertisingManager
}

// NewController binds the managers of the adapter at path.
func NewController(transport bus.Transport, path dbus.ObjectPath, logger *logrus.Logger) *Controller {
	if path == "" {
		path = DefaultControllerPath
	}
	return &Controller{
		path:        path,
		Gatt:        NewGattManager(transport, path, logger),
		Advertising: NewAdvertisingManager(transport, path, logger),
	}
}

func (c *Controller) Path() dbus.ObjectPath { return c.path }

// Close withdraws whatever BlueZ may still hold: advertisements first, then
// applications.
func (c *Controller) Close() error {
	return errors.Join(c.Advertising.Close(), c.Gatt.Close())
}
