package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// MessageInfo is the header summary offered to subscribers with each
// inbound message.
type MessageInfo struct {
	Type        dbus.Type
	Destination string
	Path        dbus.ObjectPath
	Interface   string
	Member      string
	Sender      string
	Serial      uint32

	// ReplySerial is set for method returns only.
	ReplySerial    uint32
	HasReplySerial bool
}

// NewMessageInfo extracts the header summary of msg.
func NewMessageInfo(msg *dbus.Message) MessageInfo {
	info := MessageInfo{
		Type:   msg.Type,
		Serial: msg.Serial(),
	}

	if v, ok := msg.Headers[dbus.FieldDestination]; ok {
		info.Destination, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		info.Path, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := msg.Headers[dbus.FieldInterface]; ok {
		info.Interface, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldMember]; ok {
		info.Member, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldSender]; ok {
		info.Sender, _ = v.Value().(string)
	}
	if msg.Type == dbus.TypeMethodReply {
		if v, ok := msg.Headers[dbus.FieldReplySerial]; ok {
			info.ReplySerial, info.HasReplySerial = v.Value().(uint32)
		}
	}

	return info
}

// IsMethodCall reports whether the message is a call of iface.member.
func (i MessageInfo) IsMethodCall(iface, member string) bool {
	return i.Type == dbus.TypeMethodCall && i.Interface == iface && i.Member == member
}

// IsMethodCallOn is IsMethodCall restricted to one object path.
func (i MessageInfo) IsMethodCallOn(path dbus.ObjectPath, iface, member string) bool {
	return i.Path == path && i.IsMethodCall(iface, member)
}

func (i MessageInfo) String() string {
	s := fmt.Sprintf("%s %s %s.%s serial=%d", i.Type, i.Path, i.Interface, i.Member, i.Serial)
	if i.HasReplySerial {
		s += fmt.Sprintf(" reply_serial=%d", i.ReplySerial)
	}
	return s
}
