package gatt

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// HandleMessage answers characteristic calls first, then root calls.
func (a *Application) HandleMessage(ctx context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	if r := a.HandleCharacteristicMessage(ctx, info, msg); r != bus.NotHandled {
		return r
	}
	return a.HandleRootMessage(ctx, info, msg)
}

// HandleCharacteristicMessage answers GattCharacteristic1 and Properties
// calls addressed to a characteristic or service path.
func (a *Application) HandleCharacteristicMessage(_ context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	if info.Type != dbus.TypeMethodCall {
		return bus.NotHandled
	}

	a.mu.RLock()
	id, isChar := a.byPath.Get(info.Path)
	a.mu.RUnlock()

	if !isChar {
		if info.IsMethodCall(codec.PropertiesInterface, codec.GetAll) {
			return a.serviceGetAll(info, msg)
		}
		return bus.NotHandled
	}

	switch {
	case info.IsMethodCall(codec.GattCharacteristicInterface, codec.WriteValue):
		a.onWriteValue(id, msg)
	case info.IsMethodCall(codec.GattCharacteristicInterface, codec.ReadValue):
		a.onReadValue(id, msg)
	case info.IsMethodCall(codec.GattCharacteristicInterface, codec.StartNotify):
		a.onNotify(id, msg, true)
	case info.IsMethodCall(codec.GattCharacteristicInterface, codec.StopNotify):
		a.onNotify(id, msg, false)
	case info.IsMethodCall(codec.PropertiesInterface, codec.GetAll):
		iface, err := codec.ReadString(msg.Body, 0)
		if err != nil || iface != codec.GattCharacteristicInterface {
			return bus.NotHandled
		}
		a.mu.RLock()
		props := a.characteristicProperties(id)
		a.mu.RUnlock()
		a.reply(msg, codec.MethodReturn(msg, props.Wire()))
	default:
		return bus.NotHandled
	}
	return bus.Handled
}

// HandleRootMessage answers GetManagedObjects and Introspect on the
// application root path.
func (a *Application) HandleRootMessage(_ context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	if info.Path != a.path {
		return bus.NotHandled
	}

	switch {
	case info.IsMethodCall(codec.ObjectManagerInterface, codec.GetManagedObjects):
		a.reply(msg, codec.MethodReturn(msg, a.ManagedObjects().Wire()))
	case info.IsMethodCall(codec.IntrospectableInterface, codec.Introspect):
		xml := codec.IntrospectXML(a.path, []introspect.Interface{codec.ObjectManagerIntrospectData}, a.Paths())
		a.reply(msg, codec.MethodReturn(msg, xml))
	default:
		return bus.NotHandled
	}
	return bus.Handled
}

func (a *Application) serviceGetAll(info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	iface, err := codec.ReadString(msg.Body, 0)
	if err != nil || iface != codec.GattServiceInterface {
		return bus.NotHandled
	}

	a.mu.RLock()
	var props codec.Properties
	for i := range a.services {
		if a.services[i].path == info.Path {
			props = a.serviceProperties(ServiceID(i))
			break
		}
	}
	a.mu.RUnlock()

	if props == nil {
		return bus.NotHandled
	}
	a.reply(msg, codec.MethodReturn(msg, props.Wire()))
	return bus.Handled
}

func (a *Application) onWriteValue(id CharacteristicID, msg *dbus.Message) {
	a.mu.RLock()
	c := a.chars[id]
	a.mu.RUnlock()

	log := a.logger.WithFields(logrus.Fields{"path": c.path, "uuid": c.uuid})

	if !c.flags.Any(FlagWrite | FlagWriteWithoutResponse) {
		a.reply(msg, codec.ErrorReply(msg, codec.ErrorNotPermitted, "write not permitted"))
		return
	}

	value, err := codec.ReadBytes(msg.Body, 0)
	if err != nil {
		log.WithError(err).Warn("Malformed WriteValue call")
		a.reply(msg, codec.ErrorReply(msg, codec.ErrorInvalidArguments, err.Error()))
		return
	}

	a.mu.Lock()
	a.chars[id].value = append([]byte(nil), value...)
	a.mu.Unlock()

	log.WithField("len", len(value)).Trace("Characteristic written")
	if c.sink != nil {
		c.sink.OnValueChanged(c.uuid, value)
	}
	a.reply(msg, codec.MethodReturn(msg))
}

func (a *Application) onReadValue(id CharacteristicID, msg *dbus.Message) {
	a.mu.RLock()
	c := a.chars[id]
	value := append([]byte{}, c.value...)
	a.mu.RUnlock()

	if !c.flags.Has(FlagRead) {
		a.reply(msg, codec.ErrorReply(msg, codec.ErrorNotPermitted, "read not permitted"))
		return
	}
	a.reply(msg, codec.MethodReturn(msg, value))
}

func (a *Application) onNotify(id CharacteristicID, msg *dbus.Message, on bool) {
	a.mu.Lock()
	c := &a.chars[id]
	if !c.flags.Any(FlagNotify | FlagIndicate) {
		a.mu.Unlock()
		a.reply(msg, codec.ErrorReply(msg, codec.ErrorNotSupported, "notifications not supported"))
		return
	}
	c.notifying = on
	path := c.path
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{"path": path, "notifying": on}).Debug("Characteristic notification state changed")
	a.reply(msg, codec.MethodReturn(msg))
}

func (a *Application) reply(call, reply *dbus.Message) {
	if codec.NoReplyExpected(call) || a.transport == nil {
		return
	}
	if r := a.transport.Reply(reply); !r.OK() {
		a.logger.WithField("result", r).Warn("Failed to send reply")
	}
}
