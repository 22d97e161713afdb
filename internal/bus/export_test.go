package bus

import (
	"time"

	"github.com/godbus/dbus/v5"
)

// SubscriberCount exposes the number of registered subscribers to tests.
func SubscriberCount(e *Engine) int {
	return e.subscriberCount()
}

// PushCommand queues a command without the running-state check Enqueue does
// first, as a caller racing Stop would.
func PushCommand(e *Engine, kind CommandKind, msg *dbus.Message) (*Command, error) {
	cmd := newCommand(e.nextID.Add(1), kind, msg, time.Second)
	return cmd, e.push(cmd)
}
