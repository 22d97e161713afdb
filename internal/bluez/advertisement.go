package bluez

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// AdvertisementType is the LEAdvertisement1 Type property.
type AdvertisementType string

const (
	AdvertisementPeripheral AdvertisementType = "peripheral"
	AdvertisementBroadcast  AdvertisementType = "broadcast"
)

// ParseAdvertisementType validates s.
func ParseAdvertisementType(s string) (AdvertisementType, error) {
	switch t := AdvertisementType(s); t {
	case AdvertisementPeripheral, AdvertisementBroadcast:
		return t, nil
	}
	return "", fmt.Errorf("unknown advertisement type %q (want %s or %s)", s, AdvertisementPeripheral, AdvertisementBroadcast)
}

// Advertisement is an org.bluez.LEAdvertisement1 object. Setters may be used
// after registration; BlueZ is told about the change with PropertiesChanged.
type Advertisement struct {
	path      dbus.ObjectPath
	transport bus.Transport
	logger    *logrus.Logger

	registered atomic.Bool

	mu               sync.RWMutex
	typ              AdvertisementType
	serviceUUIDs     []string
	localName        string
	manufacturerData map[uint16][]byte
	serviceData      map[string][]byte
	solicitUUIDs     []string
	includes         []string
	appearance       uint16
	hasAppearance    bool
	duration         uint16
	timeout          uint16
}

// NewAdvertisement creates a peripheral advertisement at path.
func NewAdvertisement(transport bus.Transport, path dbus.ObjectPath, logger *logrus.Logger) *Advertisement {
	if logger == nil {
		logger = logrus.New()
	}
	return &Advertisement{
		path:      path,
		transport: transport,
		logger:    logger,
		typ:       AdvertisementPeripheral,
	}
}

func (a *Advertisement) Path() dbus.ObjectPath { return a.path }

// Registered reports whether the advertisement is currently held by BlueZ.
func (a *Advertisement) Registered() bool { return a.registered.Load() }

func (a *Advertisement) Type() AdvertisementType {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.typ
}

func (a *Advertisement) SetType(t AdvertisementType) {
	a.mu.Lock()
	a.typ = t
	a.mu.Unlock()
	a.changed("Type")
}

func (a *Advertisement) ServiceUUIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.serviceUUIDs)
}

func (a *Advertisement) SetServiceUUIDs(uuids ...string) {
	a.mu.Lock()
	a.serviceUUIDs = slices.Clone(uuids)
	a.mu.Unlock()
	a.changed("ServiceUUIDs")
}

func (a *Advertisement) LocalName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.localName
}

func (a *Advertisement) SetLocalName(name string) {
	a.mu.Lock()
	a.localName = name
	a.mu.Unlock()
	a.changed("LocalName")
}

// SetManufacturerData sets (or with nil data, removes) the payload for one
// company identifier.
func (a *Advertisement) SetManufacturerData(company uint16, data []byte) {
	a.mu.Lock()
	if a.manufacturerData == nil {
		a.manufacturerData = map[uint16][]byte{}
	}
	if data == nil {
		delete(a.manufacturerData, company)
	} else {
		a.manufacturerData[company] = slices.Clone(data)
	}
	a.mu.Unlock()
	a.changed("ManufacturerData")
}

// SetServiceData sets (or with nil data, removes) the payload for one
// service UUID.
func (a *Advertisement) SetServiceData(uuid string, data []byte) {
	a.mu.Lock()
	if a.serviceData == nil {
		a.serviceData = map[string][]byte{}
	}
	if data == nil {
		delete(a.serviceData, uuid)
	} else {
		a.serviceData[uuid] = slices.Clone(data)
	}
	a.mu.Unlock()
	a.changed("ServiceData")
}

func (a *Advertisement) SetSolicitUUIDs(uuids ...string) {
	a.mu.Lock()
	a.solicitUUIDs = slices.Clone(uuids)
	a.mu.Unlock()
	a.changed("SolicitUUIDs")
}

// SetIncludes selects the system-provided fields, e.g. "tx-power".
func (a *Advertisement) SetIncludes(includes ...string) {
	a.mu.Lock()
	a.includes = slices.Clone(includes)
	a.mu.Unlock()
	a.changed("Includes")
}

func (a *Advertisement) SetAppearance(appearance uint16) {
	a.mu.Lock()
	a.appearance, a.hasAppearance = appearance, true
	a.mu.Unlock()
	a.changed("Appearance")
}

// SetDuration sets the rotation duration in seconds; 0 leaves it to BlueZ.
func (a *Advertisement) SetDuration(seconds uint16) {
	a.mu.Lock()
	a.duration = seconds
	a.mu.Unlock()
	a.changed("Duration")
}

// SetTimeout sets the advertisement lifetime in seconds; 0 means unlimited.
func (a *Advertisement) SetTimeout(seconds uint16) {
	a.mu.Lock()
	a.timeout = seconds
	a.mu.Unlock()
	a.changed("Timeout")
}

// Properties returns the LEAdvertisement1 property set. Type, ServiceUUIDs
// and LocalName are always present; the rest only when set.
func (a *Advertisement) Properties() codec.Properties {
	a.mu.RLock()
	defer a.mu.RUnlock()

	uuids := a.serviceUUIDs
	if uuids == nil {
		uuids = []string{}
	}
	p := codec.Properties{}.
		PutString("Type", string(a.typ)).
		PutStrings("ServiceUUIDs", uuids).
		PutString("LocalName", a.localName)

	if len(a.manufacturerData) > 0 {
		md := make(map[uint16]dbus.Variant, len(a.manufacturerData))
		for k, v := range a.manufacturerData {
			md[k] = dbus.MakeVariant(v)
		}
		p.PutVariant("ManufacturerData", md)
	}
	if len(a.serviceData) > 0 {
		sd := make(map[string]dbus.Variant, len(a.serviceData))
		for k, v := range a.serviceData {
			sd[k] = dbus.MakeVariant(v)
		}
		p.PutVariant("ServiceData", sd)
	}
	if len(a.solicitUUIDs) > 0 {
		p.PutStrings("SolicitUUIDs", a.solicitUUIDs)
	}
	if len(a.includes) > 0 {
		p.PutStrings("Includes", a.includes)
	}
	if a.hasAppearance {
		p.PutUint16("Appearance", a.appearance)
	}
	if a.duration > 0 {
		p.PutUint16("Duration", a.duration)
	}
	if a.timeout > 0 {
		p.PutUint16("Timeout", a.timeout)
	}
	return p
}

// ManagedObjects returns the single-entry payload describing a.
func (a *Advertisement) ManagedObjects() codec.ManagedObjects {
	objects := codec.ManagedObjects{}
	objects.Add(a.path, codec.LEAdvertisementInterface, a.Properties())
	return objects
}

// HandleMessage answers GetAll, GetManagedObjects and Release on a's path.
func (a *Advertisement) HandleMessage(_ context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	if info.Type != dbus.TypeMethodCall || info.Path != a.path {
		return bus.NotHandled
	}

	log := a.logger.WithFields(logrus.Fields{"path": a.path, "member": info.Member})

	switch {
	case info.IsMethodCall(codec.PropertiesInterface, codec.GetAll):
		iface, err := codec.ReadString(msg.Body, 0)
		if err != nil {
			return a.reply(msg, codec.ErrorReply(msg, codec.ErrorInvalidArguments, err.Error()))
		}
		if iface != codec.LEAdvertisementInterface {
			return a.reply(msg, codec.ErrorReply(msg, codec.ErrorUnknownInterface, iface))
		}
		log.Trace("Properties requested")
		return a.reply(msg, codec.MethodReturn(msg, a.Properties().Wire()))

	case info.IsMethodCall(codec.ObjectManagerInterface, codec.GetManagedObjects):
		log.Trace("Managed objects requested")
		return a.reply(msg, codec.MethodReturn(msg, a.ManagedObjects().Wire()))

	case info.IsMethodCall(codec.LEAdvertisementInterface, codec.Release):
		a.registered.Store(false)
		log.Info("Advertisement released by BlueZ")
		return a.reply(msg, codec.MethodReturn(msg))
	}
	return bus.NotHandled
}

func (a *Advertisement) reply(call, reply *dbus.Message) bus.HandleResult {
	if codec.NoReplyExpected(call) || a.transport == nil {
		return bus.Handled
	}
	if r := a.transport.Reply(reply); !r.OK() {
		a.logger.WithFields(logrus.Fields{"path": a.path, "result": r}).Warn("Failed to reply")
		return bus.NeedResources
	}
	return bus.Handled
}

// changed emits PropertiesChanged for name once BlueZ holds the advertisement.
func (a *Advertisement) changed(name string) {
	if !a.registered.Load() || a.transport == nil {
		return
	}

	changed := codec.Properties{}
	var invalidated []string
	if v, ok := a.Properties()[name]; ok {
		changed[name] = v
	} else {
		invalidated = append(invalidated, name)
	}

	sig := codec.PropertiesChangedSignal(a.path, codec.LEAdvertisementInterface, changed, invalidated...)
	if r := a.transport.Send(sig, 0); !r.OK() {
		a.logger.WithFields(logrus.Fields{"path": a.path, "property": name, "result": r}).
			Warn("Failed to publish advertisement change")
	}
}
