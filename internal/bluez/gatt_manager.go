package bluez

import (
	"errors"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// GattManager issues org.bluez.GattManager1 calls for one controller and
// remembers the applications BlueZ may hold.
type GattManager struct {
	path      dbus.ObjectPath
	transport bus.Transport
	logger    *logrus.Logger
	apps      *hashmap.Map[dbus.ObjectPath, struct{}]
}

// NewGattManager binds the GATT manager of the controller at path.
func NewGattManager(transport bus.Transport, path dbus.ObjectPath, logger *logrus.Logger) *GattManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &GattManager{
		path:      path,
		transport: transport,
		logger:    logger,
		apps:      hashmap.New[dbus.ObjectPath, struct{}](),
	}
}

// RegisterApplication asks BlueZ to publish the application rooted at app.
// The call is not awaited: BlueZ answers only after it has walked the tree
// with GetManagedObjects, which the I/O goroutine must stay free to serve.
func (m *GattManager) RegisterApplication(app dbus.ObjectPath) error {
	msg := codec.MethodCall(codec.BluezBusName, m.path, codec.GattManagerInterface, codec.RegisterApplication,
		app, map[string]dbus.Variant{})

	r := m.transport.Send(msg, 0)
	if mayHaveReachedBus(r) {
		m.apps.Set(app, struct{}{})
	}
	m.log(codec.RegisterApplication, app, r)
	return registrationError(codec.RegisterApplication, app, r)
}

// UnregisterApplication withdraws the application rooted at app and stops
// tracking it whatever the outcome.
func (m *GattManager) UnregisterApplication(app dbus.ObjectPath) error {
	msg := codec.MethodCall(codec.BluezBusName, m.path, codec.GattManagerInterface, codec.UnregisterApplication, app)

	r := m.transport.Send(msg, 0)
	m.apps.Del(app)
	m.log(codec.UnregisterApplication, app, r)
	return registrationError(codec.UnregisterApplication, app, r)
}

// Registered reports whether app is tracked as possibly held by BlueZ.
func (m *GattManager) Registered(app dbus.ObjectPath) bool {
	_, ok := m.apps.Get(app)
	return ok
}

// Close unregisters every tracked application.
func (m *GattManager) Close() error {
	var pending []dbus.ObjectPath
	m.apps.Range(func(app dbus.ObjectPath, _ struct{}) bool {
		pending = append(pending, app)
		return true
	})

	var errs []error
	for _, app := range pending {
		errs = append(errs, m.UnregisterApplication(app))
	}
	return errors.Join(errs...)
}

func (m *GattManager) log(op string, app dbus.ObjectPath, r bus.Result) {
	entry := m.logger.WithFields(logrus.Fields{
		"controller":  m.path,
		"application": app,
	})
	if r.OK() {
		entry.Debugf("%s sent", op)
		return
	}
	entry.WithField("result", r).Warnf("%s failed", op)
}
