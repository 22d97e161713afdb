package godbus

import (
	"github.com/godbus/dbus/v5"
	"github.com/srg/blepd/internal/bus"
)

// LookupObject implements dbus.Handler. Every path resolves: whether a call
// is answered is decided by the engine's subscribers, not by an export table.
func (c *Conn) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	return routedObject{conn: c}, true
}

type routedObject struct {
	conn *Conn
}

func (o routedObject) LookupInterface(name string) (dbus.Interface, bool) {
	return routedInterface(o), true
}

type routedInterface struct {
	conn *Conn
}

func (i routedInterface) LookupMethod(name string) (dbus.Method, bool) {
	return &routedMethod{conn: i.conn, name: name}, true
}

// routedMethod captures the raw message during argument decoding and
// forwards it to the engine when called.
type routedMethod struct {
	conn *Conn
	name string
	msg  *dbus.Message
}

// DecodeArguments implements dbus.ArgumentDecoder.
func (m *routedMethod) DecodeArguments(_ *dbus.Conn, _ string, msg *dbus.Message, args []any) ([]any, error) {
	m.msg = msg
	return args, nil
}

// Call implements dbus.Method. A consumed message was already answered by a
// subscriber, so godbus is told not to reply again.
func (m *routedMethod) Call(...any) ([]any, error) {
	if m.msg == nil {
		return nil, dbus.MakeUnknownMethodError(m.name)
	}

	switch m.conn.route(m.msg) {
	case bus.Consumed:
		m.msg.Flags |= dbus.FlagNoReplyExpected
		return nil, nil
	default:
		return nil, dbus.MakeUnknownMethodError(m.name)
	}
}

func (m *routedMethod) NumArguments() int { return 0 }

func (m *routedMethod) NumReturns() int { return 0 }

func (m *routedMethod) ArgumentValue(int) any { return nil }

func (m *routedMethod) ReturnValue(int) any { return nil }
