package codec

import (
	"github.com/godbus/dbus/v5"
)

// MethodCall builds a method call message addressed to dest.
func MethodCall(dest string, path dbus.ObjectPath, iface, member string, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
	}
	if dest != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(dest)
	}
	setBody(msg, args)
	return msg
}

// MethodReturn builds the reply to call.
func MethodReturn(call *dbus.Message, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(call.Serial()),
		},
	}
	addressReply(msg, call)
	setBody(msg, args)
	return msg
}

// ErrorReply builds an error reply to call.
func ErrorReply(call *dbus.Message, name, text string) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeError,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(call.Serial()),
			dbus.FieldErrorName:   dbus.MakeVariant(name),
		},
	}
	addressReply(msg, call)
	if text != "" {
		setBody(msg, []any{text})
	}
	return msg
}

// Signal builds a broadcast signal emitted from path.
func Signal(path dbus.ObjectPath, iface, member string, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
	}
	setBody(msg, args)
	return msg
}

// PropertiesChangedSignal builds org.freedesktop.DBus.Properties.PropertiesChanged
// for iface on path.
func PropertiesChangedSignal(path dbus.ObjectPath, iface string, changed Properties, invalidated ...string) *dbus.Message {
	if changed == nil {
		changed = Properties{}
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	return Signal(path, PropertiesInterface, PropertiesChanged, iface, map[string]dbus.Variant(changed), invalidated)
}

// NoReplyExpected reports whether the sender of call asked for no reply.
func NoReplyExpected(call *dbus.Message) bool {
	return call.Flags&dbus.FlagNoReplyExpected != 0
}

func addressReply(msg, call *dbus.Message) {
	if sender, ok := call.Headers[dbus.FieldSender]; ok {
		msg.Headers[dbus.FieldDestination] = sender
	}
}

func setBody(msg *dbus.Message, args []any) {
	if len(args) == 0 {
		return
	}
	msg.Body = args
	msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(args...))
}
