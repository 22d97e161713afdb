// Package gatt holds the GATT application object tree published to BlueZ:
// services and characteristics stored in one arena, serialised into the
// managed-objects payload and answering the calls BlueZ makes on them.
package gatt

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// Process-wide path counters; paths stay unique across applications.
var (
	serviceCounter        atomic.Uint64
	characteristicCounter atomic.Uint64
)

// ValueSink receives values written to a characteristic by a remote client.
// It is invoked on the bus I/O goroutine and must not block.
type ValueSink interface {
	OnValueChanged(uuid string, value []byte)
}

// ValueSinkFunc adapts a function to ValueSink.
type ValueSinkFunc func(uuid string, value []byte)

func (f ValueSinkFunc) OnValueChanged(uuid string, value []byte) { f(uuid, value) }

// ServiceID indexes a service in its Application.
type ServiceID int

// CharacteristicID indexes a characteristic in its Application.
type CharacteristicID int

type service struct {
	uuid    string
	path    dbus.ObjectPath
	primary bool
	chars   []CharacteristicID
}

type characteristic struct {
	uuid      string
	path      dbus.ObjectPath
	service   ServiceID
	flags     Flags
	sink      ValueSink
	value     []byte
	notifying bool
}

// Application owns every node of one GATT application. Characteristics refer
// to their service by index, never by pointer.
type Application struct {
	path      dbus.ObjectPath
	transport bus.Transport
	logger    *logrus.Logger

	mu       sync.RWMutex
	services []service
	chars    []characteristic
	byPath   *orderedmap.OrderedMap[dbus.ObjectPath, CharacteristicID]
}

// NewApplication creates an empty application rooted at path. transport may
// be nil for an application that is only serialised.
func NewApplication(transport bus.Transport, path dbus.ObjectPath, logger *logrus.Logger) (*Application, error) {
	if !path.IsValid() {
		return nil, fmt.Errorf("invalid application path %q", path)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Application{
		path:      path,
		transport: transport,
		logger:    logger,
		byPath:    orderedmap.New[dbus.ObjectPath, CharacteristicID](),
	}, nil
}

// Path returns the application root path.
func (a *Application) Path() dbus.ObjectPath {
	return a.path
}

// AddService allocates <root>/service<N> for a new service.
func (a *Application) AddService(uuid string, primary bool) (ServiceID, error) {
	if _, err := ble.Parse(uuid); err != nil {
		return 0, fmt.Errorf("service uuid %q: %w", uuid, err)
	}

	n := serviceCounter.Add(1) - 1
	s := service{
		uuid:    uuid,
		path:    childPath(a.path, fmt.Sprintf("service%d", n)),
		primary: primary,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.services = append(a.services, s)
	id := ServiceID(len(a.services) - 1)

	a.logger.WithFields(logrus.Fields{"path": s.path, "uuid": uuid}).Debug("GATT service added")
	return id, nil
}

// AddCharacteristic allocates <servicePath>/characteristic<N> under svc.
// sink may be nil when the characteristic is not writable.
func (a *Application) AddCharacteristic(svc ServiceID, uuid string, flags Flags, sink ValueSink) (CharacteristicID, error) {
	if _, err := ble.Parse(uuid); err != nil {
		return 0, fmt.Errorf("characteristic uuid %q: %w", uuid, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if int(svc) < 0 || int(svc) >= len(a.services) {
		return 0, fmt.Errorf("unknown service %d", svc)
	}

	n := characteristicCounter.Add(1) - 1
	c := characteristic{
		uuid:    uuid,
		path:    childPath(a.services[svc].path, fmt.Sprintf("characteristic%d", n)),
		service: svc,
		flags:   flags,
		sink:    sink,
	}
	a.chars = append(a.chars, c)
	id := CharacteristicID(len(a.chars) - 1)
	a.services[svc].chars = append(a.services[svc].chars, id)
	a.byPath.Set(c.path, id)

	a.logger.WithFields(logrus.Fields{
		"path":  c.path,
		"uuid":  uuid,
		"flags": flags.String(),
	}).Debug("GATT characteristic added")
	return id, nil
}

// ServicePath returns the object path of svc.
func (a *Application) ServicePath(svc ServiceID) dbus.ObjectPath {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.services[svc].path
}

// CharacteristicPath returns the object path of chr.
func (a *Application) CharacteristicPath(chr CharacteristicID) dbus.ObjectPath {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chars[chr].path
}

// CharacteristicUUID returns the UUID chr was created with.
func (a *Application) CharacteristicUUID(chr CharacteristicID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chars[chr].uuid
}

// Paths lists every object path of the tree, services before their
// characteristics.
func (a *Application) Paths() []dbus.ObjectPath {
	a.mu.RLock()
	defer a.mu.RUnlock()

	paths := make([]dbus.ObjectPath, 0, len(a.services)+len(a.chars))
	for _, s := range a.services {
		paths = append(paths, s.path)
		for _, c := range s.chars {
			paths = append(paths, a.chars[c].path)
		}
	}
	return paths
}

// Value returns a copy of the cached value of chr.
func (a *Application) Value(chr CharacteristicID) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.chars[chr].value...)
}

// Notifying reports whether a client subscribed to chr.
func (a *Application) Notifying(chr CharacteristicID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chars[chr].notifying
}

// SetValue replaces the cached value of chr. Subscribed clients are notified
// with a PropertiesChanged signal.
func (a *Application) SetValue(chr CharacteristicID, value []byte) error {
	a.mu.Lock()
	c := &a.chars[chr]
	c.value = append([]byte(nil), value...)
	notify, path := c.notifying, c.path
	a.mu.Unlock()

	if !notify || a.transport == nil {
		return nil
	}

	sig := codec.PropertiesChangedSignal(path, codec.GattCharacteristicInterface,
		codec.Properties{}.PutBytes("Value", value))
	if r := a.transport.Send(sig, 0); !r.OK() {
		return r.Err("notify " + string(path))
	}
	return nil
}

// Serialize writes one entry per service and characteristic into objects.
func (a *Application) Serialize(objects codec.ManagedObjects) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.services {
		objects.Add(a.services[i].path, codec.GattServiceInterface, a.serviceProperties(ServiceID(i)))
		for _, c := range a.services[i].chars {
			objects.Add(a.chars[c].path, codec.GattCharacteristicInterface, a.characteristicProperties(c))
		}
	}
}

// ManagedObjects returns the GetManagedObjects payload of the application.
func (a *Application) ManagedObjects() codec.ManagedObjects {
	objects := codec.ManagedObjects{}
	a.Serialize(objects)
	return objects
}

func (a *Application) serviceProperties(id ServiceID) codec.Properties {
	s := a.services[id]
	chars := make([]dbus.ObjectPath, 0, len(s.chars))
	for _, c := range s.chars {
		chars = append(chars, a.chars[c].path)
	}
	return codec.Properties{}.
		PutString("UUID", s.uuid).
		PutBool("Primary", s.primary).
		PutObjectPaths("Characteristics", chars)
}

func (a *Application) characteristicProperties(id CharacteristicID) codec.Properties {
	c := a.chars[id]
	return codec.Properties{}.
		PutObjectPath("Service", a.services[c.service].path).
		PutString("UUID", c.uuid).
		PutStrings("Flags", c.flags.Names()).
		PutObjectPaths("Descriptors", nil)
}

func childPath(parent dbus.ObjectPath, name string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSuffix(string(parent), "/") + "/" + name)
}
